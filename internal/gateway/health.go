package gateway

import (
	"context"
	"runtime"
	"time"

	"github.com/basket/go-claw-gateway/internal/bus"
	"github.com/basket/go-claw-gateway/internal/otel"
	"github.com/basket/go-claw-gateway/internal/protocol"
)

// HealthSnapshot is the health payload shared by the health method, the
// health event, hello-ok and /healthz.
type HealthSnapshot struct {
	OK          bool                `json:"ok"`
	TS          int64               `json:"ts"`
	DurationMs  int64               `json:"durationMs"`
	DB          HealthCheck         `json:"db"`
	Connections int                 `json:"connections"`
	Presence    int                 `json:"presence"`
	Sessions    int                 `json:"sessions"`
	ActiveChats int                 `json:"activeChats"`
	Bridge      BridgeHealth        `json:"bridge"`
	Heartbeat   *bus.HeartbeatEvent `json:"heartbeat,omitempty"`
}

type HealthCheck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type BridgeHealth struct {
	Enabled bool     `json:"enabled"`
	Nodes   []string `json:"nodes,omitempty"`
}

func (s *Server) collectHealth(ctx context.Context) HealthSnapshot {
	start := time.Now()
	snap := HealthSnapshot{TS: start.UnixMilli(), DB: HealthCheck{OK: true}}

	if err := s.store.DB().PingContext(ctx); err != nil {
		snap.DB = HealthCheck{Error: err.Error()}
	} else if sessions, err := s.store.ListSessions(ctx, 1000); err != nil {
		snap.DB = HealthCheck{Error: err.Error()}
	} else {
		snap.Sessions = len(sessions)
	}

	s.mu.Lock()
	for _, c := range s.conns {
		if c.currentState() == stateActive {
			snap.Connections++
		}
	}
	s.mu.Unlock()

	snap.Presence = len(s.presence.List())
	snap.ActiveChats = s.runs.ActiveChats()
	if s.bridge != nil {
		snap.Bridge.Enabled = true
		for _, n := range s.bridge.ListConnected() {
			snap.Bridge.Nodes = append(snap.Bridge.Nodes, n.NodeID)
		}
	}
	if hb, ok := s.LastHeartbeat(); ok {
		snap.Heartbeat = &hb
	}
	snap.OK = snap.DB.OK
	snap.DurationMs = time.Since(start).Milliseconds()
	return snap
}

// refreshHealth recomputes the snapshot and bumps the health version. With
// broadcast the new snapshot goes out as a health event.
func (s *Server) refreshHealth(ctx context.Context, broadcast bool) (HealthSnapshot, int64) {
	snap := s.collectHealth(ctx)
	s.healthMu.Lock()
	s.healthVersion++
	version := s.healthVersion
	s.health = snap
	s.healthFresh = true
	s.healthMu.Unlock()

	if broadcast {
		s.Broadcast(protocol.EventHealth, snap, BroadcastOptions{
			DropIfSlow:   true,
			StateVersion: &protocol.StateVersion{Presence: s.presence.Version(), Health: version},
		})
	}
	return snap, version
}

// cachedHealth returns the last snapshot, computing one if none exists.
func (s *Server) cachedHealth(ctx context.Context) (HealthSnapshot, int64) {
	s.healthMu.Lock()
	if s.healthFresh {
		snap, version := s.health, s.healthVersion
		s.healthMu.Unlock()
		return snap, version
	}
	s.healthMu.Unlock()
	return s.refreshHealth(ctx, false)
}

func (s *Server) currentHealthVersion() int64 {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	return s.healthVersion
}

// Health serves the health method.
func (s *Server) Health(ctx context.Context, refresh bool) (any, error) {
	if refresh {
		snap, _ := s.refreshHealth(ctx, false)
		return snap, nil
	}
	snap, _ := s.cachedHealth(ctx)
	return snap, nil
}

// StatusReport is the status method payload.
type StatusReport struct {
	Version     string        `json:"version"`
	Commit      string        `json:"commit,omitempty"`
	Host        string        `json:"host"`
	GoVersion   string        `json:"goVersion"`
	UptimeMs    int64         `json:"uptimeMs"`
	ConfigPath  string        `json:"configPath,omitempty"`
	Fingerprint string        `json:"configFingerprint"`
	AuthMode    string        `json:"authMode"`
	Seq         int64         `json:"seq"`
	Presence    int64         `json:"presenceVersion"`
	Health      int64         `json:"healthVersion"`
	Jobs        []string      `json:"jobs"`
	Metrics     otel.Snapshot `json:"metrics"`
	BusDropped  uint64        `json:"busDropped"`
}

// Status serves the status method.
func (s *Server) Status(_ context.Context) (any, error) {
	settings := s.currentSettings()
	return StatusReport{
		Version:     s.version,
		Commit:      s.commit,
		Host:        s.host,
		GoVersion:   runtime.Version(),
		UptimeMs:    s.uptime().Milliseconds(),
		ConfigPath:  settings.Path,
		Fingerprint: settings.Fingerprint(),
		AuthMode:    s.auth.Mode(),
		Seq:         s.Seq(),
		Presence:    s.presence.Version(),
		Health:      s.currentHealthVersion(),
		Jobs:        s.sched.Jobs(),
		Metrics:     s.metrics.Snapshot(),
		BusDropped:  s.bus.Dropped(bus.TopicAgentEvent),
	}, nil
}

// LastHeartbeat returns the most recent runtime heartbeat.
func (s *Server) LastHeartbeat() (bus.HeartbeatEvent, bool) {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	if s.lastHeartbeat == nil {
		return bus.HeartbeatEvent{}, false
	}
	return *s.lastHeartbeat, true
}

// SetHeartbeats turns heartbeat broadcasts on or off.
func (s *Server) SetHeartbeats(enabled bool) {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	s.heartbeatsEnabled = enabled
}

func (s *Server) recordHeartbeat(hb bus.HeartbeatEvent) bool {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	s.lastHeartbeat = &hb
	return s.heartbeatsEnabled
}
