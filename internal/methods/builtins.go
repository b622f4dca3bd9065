package methods

import (
	"context"
	"log/slog"
	"strings"

	"github.com/basket/go-claw-gateway/internal/bridge"
	"github.com/basket/go-claw-gateway/internal/bus"
	"github.com/basket/go-claw-gateway/internal/dedupe"
	"github.com/basket/go-claw-gateway/internal/persistence"
	"github.com/basket/go-claw-gateway/internal/presence"
	"github.com/basket/go-claw-gateway/internal/protocol"
	"github.com/basket/go-claw-gateway/internal/runs"
)

// Host is the slice of the gateway server the built-in methods need.
type Host interface {
	// Context outlives any single request; runs started by chat.send use it.
	Context() context.Context
	Health(ctx context.Context, refresh bool) (any, error)
	Status(ctx context.Context) (any, error)
	// Emit broadcasts an event to clients and relays it to nodes.
	Emit(event string, payload any, dropIfSlow bool)
	LastHeartbeat() (bus.HeartbeatEvent, bool)
	SetHeartbeats(enabled bool)
}

// Nodes is the bridge transport as seen by node methods.
type Nodes interface {
	ListConnected() []bridge.NodeInfo
	Invoke(ctx context.Context, nodeID, method string, paramsJSON []byte) (bridge.Response, error)
}

// Deps are the collaborators of the built-in methods. Runtime and Nodes
// may be nil; the methods that need them then answer UNAVAILABLE.
type Deps struct {
	Host      Host
	Store     *persistence.Store
	Runtime   AgentRuntime
	Runs      *runs.Tracker
	Dedupe    *dedupe.Cache
	Presence  *presence.Registry
	Nodes     Nodes
	Resolver  bridge.NodeResolver
	Voicewake []string
	Logger    *slog.Logger
}

// Builtins holds the built-in handlers. Gateway code reuses StartChat for
// node-originated runs.
type Builtins struct {
	deps   Deps
	logger *slog.Logger
}

// Register installs every built-in method on r.
func Register(r *Router, deps Deps) *Builtins {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Resolver == nil {
		deps.Resolver = bridge.NewDefaultNodeResolver()
	}
	b := &Builtins{deps: deps, logger: logger}

	r.Handle("health", protocol.ScopeRead, b.health, NodeAllowed())
	r.Handle("status", protocol.ScopeRead, b.status)
	r.Handle("system-presence", protocol.ScopeRead, b.systemPresence)
	r.Handle("system-event", protocol.ScopeWrite, b.systemEvent, NodeAllowed())
	r.Handle("last-heartbeat", protocol.ScopeRead, b.lastHeartbeat, NodeAllowed())
	r.Handle("set-heartbeats", protocol.ScopeWrite, b.setHeartbeats)

	r.Handle("chat.send", protocol.ScopeWrite, b.chatSend, NodeAllowed())
	r.Handle("chat.abort", protocol.ScopeWrite, b.chatAbort, NodeAllowed())
	r.Handle("chat.history", protocol.ScopeRead, b.chatHistory, NodeAllowed())
	r.Handle("sessions.list", protocol.ScopeRead, b.sessionsList)

	r.Handle("node.pair.list", protocol.ScopePairing, b.pairList)
	r.Handle("node.pair.approve", protocol.ScopePairing, b.pairApprove)
	r.Handle("node.pair.reject", protocol.ScopePairing, b.pairReject)
	r.Handle("node.list", protocol.ScopeRead, b.nodeList)
	r.Handle("node.invoke", protocol.ScopeWrite, b.nodeInvoke)

	r.Handle("voicewake.get", protocol.ScopeRead, b.voicewakeGet, NodeAllowed())
	r.Handle("voicewake.set", protocol.ScopeWrite, b.voicewakeSet)
	r.Handle("talk.mode", protocol.ScopeWrite, b.talkMode)
	return b
}

func (b *Builtins) health(ctx context.Context, req *Request) (any, error) {
	p, err := decodeParams[struct {
		Probe bool `json:"probe"`
	}](req.Params)
	if err != nil {
		return nil, err
	}
	return b.deps.Host.Health(ctx, p.Probe)
}

func (b *Builtins) status(ctx context.Context, _ *Request) (any, error) {
	return b.deps.Host.Status(ctx)
}

func (b *Builtins) systemPresence(_ context.Context, _ *Request) (any, error) {
	entries, version := b.deps.Presence.Snapshot()
	return map[string]any{"presence": entries, "version": version}, nil
}

type systemEventParams struct {
	Text             string   `json:"text"`
	InstanceID       string   `json:"instanceId"`
	Host             string   `json:"host"`
	IP               string   `json:"ip"`
	Mode             string   `json:"mode"`
	Version          string   `json:"version"`
	Platform         string   `json:"platform"`
	DeviceFamily     string   `json:"deviceFamily"`
	ModelIdentifier  string   `json:"modelIdentifier"`
	LastInputSeconds *int64   `json:"lastInputSeconds"`
	Reason           string   `json:"reason"`
	Roles            []string `json:"roles"`
	Scopes           []string `json:"scopes"`
}

// systemEvent folds a free-form presence line into the registry. The
// registry's change hook broadcasts the new presence.
func (b *Builtins) systemEvent(_ context.Context, req *Request) (any, error) {
	p, err := decodeParams[systemEventParams](req.Params)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return nil, protocol.InvalidRequest("text required")
	}
	key := firstNonEmpty(p.InstanceID, req.Client.InstanceID, p.Host, req.ConnID)
	reason := p.Reason
	if reason == "" {
		reason = presence.ReasonSelf
	}
	entry, _ := b.deps.Presence.Upsert(key, presence.Update{
		Text:             text,
		InstanceID:       p.InstanceID,
		Host:             p.Host,
		IP:               firstNonEmpty(p.IP, req.RemoteIP),
		Mode:             p.Mode,
		Version:          p.Version,
		Platform:         p.Platform,
		DeviceFamily:     p.DeviceFamily,
		ModelIdentifier:  p.ModelIdentifier,
		LastInputSeconds: p.LastInputSeconds,
		Reason:           reason,
		Roles:            p.Roles,
		Scopes:           p.Scopes,
	})
	return map[string]any{"ok": true, "entry": entry}, nil
}

func (b *Builtins) lastHeartbeat(_ context.Context, _ *Request) (any, error) {
	hb, ok := b.deps.Host.LastHeartbeat()
	if !ok {
		return map[string]any{"heartbeat": nil}, nil
	}
	return map[string]any{"heartbeat": hb}, nil
}

func (b *Builtins) setHeartbeats(_ context.Context, req *Request) (any, error) {
	p, err := decodeParams[struct {
		Enabled *bool `json:"enabled"`
	}](req.Params)
	if err != nil {
		return nil, err
	}
	if p.Enabled == nil {
		return nil, protocol.InvalidRequest("enabled (boolean) required")
	}
	b.deps.Host.SetHeartbeats(*p.Enabled)
	return map[string]any{"ok": true, "enabled": *p.Enabled}, nil
}

func (b *Builtins) talkMode(_ context.Context, req *Request) (any, error) {
	p, err := decodeParams[struct {
		Enabled *bool  `json:"enabled"`
		Phase   string `json:"phase"`
	}](req.Params)
	if err != nil {
		return nil, err
	}
	if p.Enabled == nil {
		return nil, protocol.InvalidRequest("enabled (boolean) required")
	}
	payload := bus.TalkMode{Enabled: *p.Enabled, Phase: p.Phase, TS: nowMs()}
	b.deps.Host.Emit(protocol.EventTalkMode, payload, true)
	return payload, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
