package bridge

import (
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// Sender is the slice of the bridge transport the subscription manager
// relays through.
type Sender interface {
	SendEvent(nodeID, event string, payloadJSON []byte) error
	ListConnected() []NodeInfo
}

// Subscriptions tracks which nodes want events for which session keys.
// Relay through it is best-effort: send failures are logged and dropped
// because the transport owns reconnects.
type Subscriptions struct {
	mu          sync.Mutex
	nodeSubs    map[string]map[string]struct{} // node -> sessions
	sessionSubs map[string]map[string]struct{} // session -> nodes

	sender    Sender
	onFailure func(nodeID, event string, err error)
	logger    *slog.Logger
}

// NewSubscriptions creates a manager relaying through sender. A nil sender
// makes every send a no-op.
func NewSubscriptions(sender Sender, logger *slog.Logger) *Subscriptions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriptions{
		nodeSubs:    make(map[string]map[string]struct{}),
		sessionSubs: make(map[string]map[string]struct{}),
		sender:      sender,
		logger:      logger,
	}
}

// SetSender swaps the transport, e.g. once the bridge listener is up.
func (s *Subscriptions) SetSender(sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = sender
}

// SetFailureHook registers fn to be told about every failed relay.
func (s *Subscriptions) SetFailureHook(fn func(nodeID, event string, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFailure = fn
}

// Subscribe links nodeID to sessionKey. Blank ids are ignored.
func (s *Subscriptions) Subscribe(nodeID, sessionKey string) {
	nodeID, sessionKey = strings.TrimSpace(nodeID), strings.TrimSpace(sessionKey)
	if nodeID == "" || sessionKey == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	addLink(s.nodeSubs, nodeID, sessionKey)
	addLink(s.sessionSubs, sessionKey, nodeID)
}

// Unsubscribe removes one node/session link.
func (s *Subscriptions) Unsubscribe(nodeID, sessionKey string) {
	nodeID, sessionKey = strings.TrimSpace(nodeID), strings.TrimSpace(sessionKey)
	if nodeID == "" || sessionKey == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removeLink(s.nodeSubs, nodeID, sessionKey)
	removeLink(s.sessionSubs, sessionKey, nodeID)
}

// UnsubscribeAll drops every subscription held by nodeID.
func (s *Subscriptions) UnsubscribeAll(nodeID string) {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for sessionKey := range s.nodeSubs[nodeID] {
		removeLink(s.sessionSubs, sessionKey, nodeID)
	}
	delete(s.nodeSubs, nodeID)
}

// Clear drops all subscriptions.
func (s *Subscriptions) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.nodeSubs)
	clear(s.sessionSubs)
}

// SessionsFor returns the session keys nodeID is subscribed to, sorted.
func (s *Subscriptions) SessionsFor(nodeID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.nodeSubs[strings.TrimSpace(nodeID)])
}

// SendToSession relays to nodes subscribed to sessionKey.
func (s *Subscriptions) SendToSession(sessionKey, event string, payload any) {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return
	}
	s.mu.Lock()
	nodes := sortedKeys(s.sessionSubs[sessionKey])
	s.mu.Unlock()
	s.relay(nodes, event, payload)
}

// SendToAllSubscribed relays to every node holding at least one
// subscription.
func (s *Subscriptions) SendToAllSubscribed(event string, payload any) {
	s.mu.Lock()
	nodes := sortedKeys(s.nodeSubs)
	s.mu.Unlock()
	s.relay(nodes, event, payload)
}

// SendToAllConnected relays to every connected node regardless of
// subscriptions.
func (s *Subscriptions) SendToAllConnected(event string, payload any) {
	s.mu.Lock()
	sender := s.sender
	s.mu.Unlock()
	if sender == nil {
		return
	}
	connected := sender.ListConnected()
	nodes := make([]string, 0, len(connected))
	for _, n := range connected {
		nodes = append(nodes, n.NodeID)
	}
	s.relay(nodes, event, payload)
}

func (s *Subscriptions) relay(nodes []string, event string, payload any) {
	s.mu.Lock()
	sender, onFailure := s.sender, s.onFailure
	s.mu.Unlock()
	if sender == nil || len(nodes) == 0 {
		return
	}
	payloadJSON, err := encodePayload(payload)
	if err != nil {
		s.logger.Warn("bridge relay: encode payload", "event", event, "error", err)
		return
	}
	for _, nodeID := range nodes {
		// Best-effort: a failing node must not stop delivery to the rest.
		if err := sender.SendEvent(nodeID, event, payloadJSON); err != nil {
			s.logger.Debug("bridge relay failed", "node_id", nodeID, "event", event, "error", err)
			if onFailure != nil {
				onFailure(nodeID, event, err)
			}
		}
	}
}

// encodePayload returns nil for a nil payload so the wire carries null.
func encodePayload(payload any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}

func addLink(m map[string]map[string]struct{}, key, value string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[value] = struct{}{}
}

func removeLink(m map[string]map[string]struct{}, key, value string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, value)
	if len(set) == 0 {
		delete(m, key)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
