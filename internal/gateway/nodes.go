package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/basket/go-claw-gateway/internal/audit"
	"github.com/basket/go-claw-gateway/internal/bridge"
	"github.com/basket/go-claw-gateway/internal/methods"
	"github.com/basket/go-claw-gateway/internal/persistence"
	"github.com/basket/go-claw-gateway/internal/presence"
	"github.com/basket/go-claw-gateway/internal/protocol"
	"github.com/basket/go-claw-gateway/internal/shared"
)

// Node events understood from bridge nodes.
const (
	nodeEventChatSubscribe   = "chat.subscribe"
	nodeEventChatUnsubscribe = "chat.unsubscribe"
	nodeEventVoiceTranscript = "voice.transcript"
	nodeEventAgentRequest    = "agent.request"
)

const defaultNodeSession = "main"

var _ bridge.Handler = (*Server)(nil)

// AuthenticateNode admits a bridge node holding the token issued at pairing.
func (s *Server) AuthenticateNode(ctx context.Context, hello bridge.Hello) error {
	err := s.auth.AuthorizeNode(ctx, hello.NodeID, hello.Token)
	entry := audit.Entry{
		Decision: audit.Allow,
		Action:   "bridge.connect",
		Reason:   "node token",
		Subject:  hello.NodeID,
		RemoteIP: hello.RemoteIP,
		TraceID:  shared.TraceID(ctx),
	}
	if err != nil {
		entry.Decision = audit.Deny
		entry.Reason = protocol.AsErrorShape(err).Message
		s.logger.Warn("bridge node rejected", "node_id", hello.NodeID, "remote_ip", hello.RemoteIP, "error", err)
	}
	audit.Record(entry)
	return err
}

// NodeAuthenticated registers the node in presence and refreshes its
// stored metadata.
func (s *Server) NodeAuthenticated(node bridge.NodeInfo) {
	s.presence.Upsert(nodePresenceKey(node.NodeID), presence.Update{
		Host:            firstNonEmpty(node.DisplayName, node.NodeID),
		IP:              node.RemoteIP,
		Version:         node.Version,
		Platform:        node.Platform,
		DeviceFamily:    node.DeviceFamily,
		ModelIdentifier: node.ModelIdentifier,
		Mode:            "node",
		Reason:          presence.ReasonNodeConnected,
		DeviceID:        node.NodeID,
		Roles:           []string{protocol.RoleNode},
	})
	err := s.store.UpdateDeviceMetadata(s.ctx, node.NodeID, persistence.DeviceMetadata{
		DisplayName: node.DisplayName,
		Platform:    node.Platform,
		RemoteIP:    node.RemoteIP,
	})
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		s.logger.Warn("update node metadata", "node_id", node.NodeID, "error", err)
	}
	s.logger.Info("bridge node connected", "node_id", node.NodeID, "platform", node.Platform, "remote_ip", node.RemoteIP)
}

// NodeDisconnected drops the node's subscriptions and marks it gone.
func (s *Server) NodeDisconnected(node bridge.NodeInfo) {
	s.subs.UnsubscribeAll(node.NodeID)
	s.presence.Upsert(nodePresenceKey(node.NodeID), presence.Update{
		Reason: presence.ReasonNodeDisconnected,
	})
	s.logger.Info("bridge node disconnected", "node_id", node.NodeID)
}

// NodeRequest runs a node-originated method call with role node.
func (s *Server) NodeRequest(ctx context.Context, nodeID string, req bridge.Request) bridge.Response {
	ctx = shared.WithRequestID(shared.WithTraceID(ctx, shared.NewTraceID()), req.ID)
	payload, err := s.router.Dispatch(ctx, &methods.Request{
		ID:     req.ID,
		Method: req.Method,
		ConnID: nodeID,
		Role:   protocol.RoleNode,
		Client: protocol.ClientInfo{ID: nodeID, Mode: "node"},
		Params: json.RawMessage(req.ParamsJSON),
	})
	if err != nil {
		shape := protocol.AsErrorShape(err)
		return bridge.Response{Code: shape.Code, Message: shape.Message}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return bridge.Response{Code: protocol.ErrCodeUnavailable, Message: "encode response"}
	}
	return bridge.Response{OK: true, PayloadJSON: data}
}

type nodeChatParams struct {
	SessionKey string `json:"sessionKey"`
}

type nodeAgentParams struct {
	EventID    string `json:"eventId"`
	SessionKey string `json:"sessionKey"`
	Text       string `json:"text"`
	Message    string `json:"message"`
	Thinking   string `json:"thinking"`
}

// NodeEvent handles fire-and-forget events from nodes.
func (s *Server) NodeEvent(ctx context.Context, nodeID string, evt bridge.Event) {
	switch evt.Event {
	case nodeEventChatSubscribe, nodeEventChatUnsubscribe:
		var p nodeChatParams
		if err := json.Unmarshal(evt.PayloadJSON, &p); err != nil || strings.TrimSpace(p.SessionKey) == "" {
			s.logger.Debug("node chat subscription without session", "node_id", nodeID, "event", evt.Event)
			return
		}
		if evt.Event == nodeEventChatSubscribe {
			s.subs.Subscribe(nodeID, p.SessionKey)
		} else {
			s.subs.Unsubscribe(nodeID, p.SessionKey)
		}
	case nodeEventVoiceTranscript, nodeEventAgentRequest:
		s.nodeAgentRun(ctx, nodeID, evt)
	default:
		s.logger.Debug("unhandled node event", "node_id", nodeID, "event", evt.Event)
	}
}

// nodeAgentRun starts a chat run for a transcript or agent request. Node
// retries carry the same eventId (or text) and are dropped.
func (s *Server) nodeAgentRun(ctx context.Context, nodeID string, evt bridge.Event) {
	var p nodeAgentParams
	if err := json.Unmarshal(evt.PayloadJSON, &p); err != nil {
		s.logger.Warn("bad node agent payload", "node_id", nodeID, "event", evt.Event, "error", err)
		return
	}
	text := strings.TrimSpace(firstNonEmpty(p.Text, p.Message))
	if text == "" {
		return
	}
	sessionKey := firstNonEmpty(strings.TrimSpace(p.SessionKey), defaultNodeSession)

	key := p.EventID
	if key == "" {
		key = sessionKey + "|" + text
	}
	key = "node:" + nodeID + ":" + evt.Event + ":" + key
	if _, fresh := s.dedupe.Claim(key); !fresh {
		s.logger.Debug("duplicate node event dropped", "node_id", nodeID, "event", evt.Event)
		return
	}

	s.subs.Subscribe(nodeID, sessionKey)
	ack, err := s.builtins.StartChat(ctx, methods.ChatStart{
		SessionKey:     sessionKey,
		Message:        text,
		Thinking:       p.Thinking,
		IdempotencyKey: shared.NewRunID(),
		Source:         nodeID,
	})
	if err != nil {
		s.dedupe.Forget(key)
		s.logger.Warn("node agent run failed to start", "node_id", nodeID, "session_key", sessionKey, "error", err)
		return
	}
	s.logger.Info("node agent run started", "node_id", nodeID, "run_id", ack.RunID, "session_key", sessionKey)
}

func nodePresenceKey(nodeID string) string {
	return "node:" + nodeID
}
