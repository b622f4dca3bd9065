package auth

import (
	"net/http"

	"github.com/basket/go-claw-gateway/internal/protocol"
)

// Middleware guards plain HTTP endpoints with the shared token or password.
// Loopback callers pass when the mode is none.
func (n *Negotiator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hints := n.Hints(r)
		params := protocol.ConnectParams{}
		if pw := r.Header.Get("X-Goclaw-Password"); pw != "" {
			params.Auth = &protocol.ConnectAuth{Password: pw}
		}
		res := n.Authorize(r.Context(), params, hints)
		if !res.OK {
			status := http.StatusForbidden
			if res.Reason == ReasonTokenMissing || res.Reason == ReasonPasswordMissing {
				status = http.StatusUnauthorized
			}
			http.Error(w, `{"error":"unauthorized"}`, status)
			return
		}
		next.ServeHTTP(w, r)
	})
}
