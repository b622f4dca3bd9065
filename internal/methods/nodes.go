package methods

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/basket/go-claw-gateway/internal/audit"
	"github.com/basket/go-claw-gateway/internal/bridge"
	"github.com/basket/go-claw-gateway/internal/persistence"
	"github.com/basket/go-claw-gateway/internal/protocol"
)

const defaultInvokeTimeout = 30 * time.Second

func (b *Builtins) pairList(ctx context.Context, _ *Request) (any, error) {
	pending, paired, err := b.deps.Store.ListPairing(ctx)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		pending = []persistence.PairingRequest{}
	}
	if paired == nil {
		paired = []persistence.Device{}
	}
	return map[string]any{"pending": pending, "paired": paired}, nil
}

func decodeRequestID(raw json.RawMessage) (string, error) {
	p, err := decodeParams[struct {
		RequestID string `json:"requestId"`
	}](raw)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(p.RequestID)
	if id == "" {
		return "", protocol.InvalidRequest("requestId required")
	}
	return id, nil
}

// pairingError maps store errors to wire errors.
func pairingError(err error, requestID string) error {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return protocol.InvalidRequest("unknown requestId: %s", requestID)
	case errors.Is(err, persistence.ErrPairingResolved):
		return protocol.InvalidRequest("pairing request already resolved: %s", requestID)
	}
	return err
}

// pairApprove pairs the device and returns its token once; nodes present it
// in their bridge hello. The resolved broadcast goes out from the store's
// bus event.
func (b *Builtins) pairApprove(ctx context.Context, req *Request) (any, error) {
	id, err := decodeRequestID(req.Params)
	if err != nil {
		return nil, err
	}
	dev, resolved, err := b.deps.Store.ApprovePairing(ctx, id)
	if err != nil {
		return nil, pairingError(err, id)
	}
	audit.Record(audit.Entry{
		Decision: audit.Allow,
		Action:   "node.pair.approve",
		Reason:   "operator_approved",
		Subject:  dev.DeviceID,
		RemoteIP: req.RemoteIP,
		ConnID:   req.ConnID,
	})
	return map[string]any{"requestId": resolved.RequestID, "device": dev, "token": dev.Token}, nil
}

func (b *Builtins) pairReject(ctx context.Context, req *Request) (any, error) {
	id, err := decodeRequestID(req.Params)
	if err != nil {
		return nil, err
	}
	resolved, err := b.deps.Store.RejectPairing(ctx, id)
	if err != nil {
		return nil, pairingError(err, id)
	}
	audit.Record(audit.Entry{
		Decision: audit.Deny,
		Action:   "node.pair.reject",
		Reason:   "operator_rejected",
		Subject:  resolved.DeviceID,
		RemoteIP: req.RemoteIP,
		ConnID:   req.ConnID,
	})
	return map[string]any{"requestId": resolved.RequestID, "deviceId": resolved.DeviceID, "decision": resolved.Status}, nil
}

// NodeSummary merges a paired node with its live bridge connection.
type NodeSummary struct {
	NodeID      string    `json:"nodeId"`
	DisplayName string    `json:"displayName,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	Version     string    `json:"version,omitempty"`
	RemoteIP    string    `json:"remoteIp,omitempty"`
	Caps        []string  `json:"caps,omitempty"`
	Paired      bool      `json:"paired"`
	Connected   bool      `json:"connected"`
	ConnectedAt time.Time `json:"connectedAt,omitzero"`
}

func (b *Builtins) nodeList(ctx context.Context, _ *Request) (any, error) {
	devices, err := b.deps.Store.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*NodeSummary)
	var order []string
	for _, d := range devices {
		if d.Role != protocol.RoleNode {
			continue
		}
		byID[d.DeviceID] = &NodeSummary{
			NodeID:      d.DeviceID,
			DisplayName: d.DisplayName,
			Platform:    d.Platform,
			RemoteIP:    d.RemoteIP,
			Paired:      true,
		}
		order = append(order, d.DeviceID)
	}
	if b.deps.Nodes != nil {
		for _, n := range b.deps.Nodes.ListConnected() {
			s, ok := byID[n.NodeID]
			if !ok {
				s = &NodeSummary{NodeID: n.NodeID}
				byID[n.NodeID] = s
				order = append(order, n.NodeID)
			}
			s.Connected = true
			s.ConnectedAt = n.ConnectedAt
			s.DisplayName = firstNonEmpty(n.DisplayName, s.DisplayName)
			s.Platform = firstNonEmpty(n.Platform, s.Platform)
			s.Version = n.Version
			s.RemoteIP = firstNonEmpty(n.RemoteIP, s.RemoteIP)
			s.Caps = n.Caps
		}
	}
	out := make([]NodeSummary, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return map[string]any{"nodes": out}, nil
}

type nodeInvokeParams struct {
	NodeID    string          `json:"nodeId"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params"`
	TimeoutMs int64           `json:"timeoutMs"`
}

// nodeInvoke forwards a command to a node and waits for its answer. With
// no nodeId the resolver picks the default node.
func (b *Builtins) nodeInvoke(ctx context.Context, req *Request) (any, error) {
	p, err := decodeParams[nodeInvokeParams](req.Params)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Command) == "" {
		return nil, protocol.InvalidRequest("command required")
	}
	if b.deps.Nodes == nil {
		return nil, protocol.NewError(protocol.ErrCodeUnavailable, "node bridge disabled")
	}
	nodeID := strings.TrimSpace(p.NodeID)
	if nodeID == "" {
		node, ok := b.deps.Resolver.ResolveDefault(b.deps.Nodes.ListConnected())
		if !ok {
			return nil, protocol.InvalidRequest("nodeId required (no default node)")
		}
		nodeID = node.NodeID
	}

	timeout := defaultInvokeTimeout
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := b.deps.Nodes.Invoke(ctx, nodeID, p.Command, p.Params)
	switch {
	case errors.Is(err, bridge.ErrNodeNotConnected):
		return nil, protocol.NewError(protocol.ErrCodeUnavailable, "node not connected: "+nodeID)
	case errors.Is(err, context.DeadlineExceeded):
		return nil, protocol.NewError(protocol.ErrCodeAgentTimeout, "node invoke timed out")
	case err != nil:
		return nil, err
	}
	if !resp.OK {
		code := resp.Code
		if code == "" {
			code = protocol.ErrCodeUnavailable
		}
		return nil, protocol.NewError(code, resp.Message)
	}
	var payload any
	if len(resp.PayloadJSON) > 0 {
		payload = json.RawMessage(resp.PayloadJSON)
	}
	return map[string]any{"ok": true, "nodeId": nodeID, "command": p.Command, "payload": payload}, nil
}
