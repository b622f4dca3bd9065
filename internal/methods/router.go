// Package methods routes gateway requests to their handlers and holds the
// built-in method set.
package methods

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/basket/go-claw-gateway/internal/protocol"
)

// ErrUnknownMethod is returned by Resolve for names nothing registered.
var ErrUnknownMethod = errors.New("unknown method")

// Request is one dispatched call with the caller's identity attached.
type Request struct {
	ID       string
	Method   string
	ConnID   string
	Role     string
	Scopes   []string
	Client   protocol.ClientInfo
	RemoteIP string
	Params   json.RawMessage
}

// HandlerFunc serves a request. Returning a *protocol.ErrorShape controls
// the wire error code; any other error is reported as UNAVAILABLE.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Method is a registered handler and the scope it requires.
type Method struct {
	Name    string
	Scope   string
	Node    bool // callable by role node
	Handler HandlerFunc
}

// Option adjusts a method at registration.
type Option func(*Method)

// NodeAllowed lets connections with role node call the method.
func NodeAllowed() Option {
	return func(m *Method) { m.Node = true }
}

// Router is safe for concurrent use.
type Router struct {
	mu      sync.RWMutex
	methods map[string]Method
}

func NewRouter() *Router {
	return &Router{methods: make(map[string]Method)}
}

// Handle registers h under name. scope may be empty for methods any
// operator can call. Registering a name twice replaces the handler.
func (r *Router) Handle(name, scope string, h HandlerFunc, opts ...Option) {
	m := Method{Name: name, Scope: scope, Handler: h}
	for _, opt := range opts {
		opt(&m)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = m
}

// Resolve returns the method registered under name.
func (r *Router) Resolve(name string) (Method, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[name]
	if !ok {
		return Method{}, fmt.Errorf("%w: %s", ErrUnknownMethod, name)
	}
	return m, nil
}

// Catalog lists registered method names, sorted. It is advertised in
// hello-ok.
func (r *Router) Catalog() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.methods))
	for name := range r.methods {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Dispatch authorizes and runs req.
func (r *Router) Dispatch(ctx context.Context, req *Request) (any, error) {
	m, err := r.Resolve(req.Method)
	if err != nil {
		return nil, protocol.InvalidRequest("unknown method: %s", req.Method)
	}
	if err := Authorize(m, req.Role, req.Scopes); err != nil {
		return nil, err
	}
	return m.Handler(ctx, req)
}

// Authorize checks role and scopes against what m requires. Nodes may only
// call methods marked NodeAllowed. operator.admin satisfies every scope and
// operator.write satisfies operator.read.
func Authorize(m Method, role string, scopes []string) error {
	if role == protocol.RoleNode {
		if !m.Node {
			return protocol.InvalidRequest("unauthorized role: %s", role)
		}
		return nil
	}
	if m.Scope == "" || HasScope(scopes, m.Scope) {
		return nil
	}
	return protocol.InvalidRequest("missing scope: %s", m.Scope)
}

// HasScope reports whether granted covers want.
func HasScope(granted []string, want string) bool {
	for _, s := range granted {
		switch {
		case s == protocol.ScopeAdmin, s == want:
			return true
		case s == protocol.ScopeWrite && want == protocol.ScopeRead:
			return true
		}
	}
	return false
}

// decodeParams unmarshals raw into T. Missing params decode to the zero
// value.
func decodeParams[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, protocol.InvalidRequest("invalid params: %v", err)
	}
	return out, nil
}
