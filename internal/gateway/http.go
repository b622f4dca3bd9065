package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/basket/go-claw-gateway/internal/protocol"
)

// Handler returns the HTTP surface: the WebSocket endpoint on / and /ws,
// /healthz for probes and an authenticated /metrics snapshot.
func (s *Server) Handler() http.Handler {
	ws := s.upgrades.Wrap(http.HandlerFunc(s.handleWS))

	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", s.auth.Middleware(http.HandlerFunc(s.handleMetrics)))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if isUpgrade(r) {
			ws.ServeHTTP(w, r)
			return
		}
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"service":  "goclaw-gateway",
			"version":  s.version,
			"protocol": protocol.ProtocolVersion,
		})
	})
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap, version := s.cachedHealth(r.Context())
	status := http.StatusOK
	if !snap.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ok":            snap.OK,
		"healthVersion": version,
		"health":        snap,
		"uptimeMs":      s.uptime().Milliseconds(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
