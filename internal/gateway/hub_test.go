package gateway

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/go-claw-gateway/internal/auth"
	"github.com/basket/go-claw-gateway/internal/bus"
	"github.com/basket/go-claw-gateway/internal/config"
	"github.com/basket/go-claw-gateway/internal/persistence"
	"github.com/basket/go-claw-gateway/internal/protocol"
)

func newHubServer(t *testing.T, opts ...func(*Config)) *Server {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gateway.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	settings := config.Default()
	settings.Auth.Mode = auth.ModeNone
	cfg := Config{Settings: settings, Store: store}
	for _, opt := range opts {
		opt(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.cancel)
	return s
}

// activeConn registers a connection whose writer never runs, so everything
// enqueued stays buffered.
func activeConn(t *testing.T, s *Server) *conn {
	t.Helper()
	c := s.newConn(nil, auth.TransportHints{})
	c.state.Store(int32(stateActive))
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	return c
}

func queued(c *conn) [][]byte {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	return append([][]byte(nil), c.out...)
}

func TestBroadcast_SeqIncreasesByOne(t *testing.T) {
	s := newHubServer(t)
	a, b := activeConn(t, s), activeConn(t, s)

	first := s.Tick()
	s.Broadcast(protocol.EventHealth, map[string]bool{"ok": true}, BroadcastOptions{})
	third := s.Tick()
	assert.Equal(t, first+2, third)

	for _, c := range []*conn{a, b} {
		frames := queued(c)
		require.Len(t, frames, 3)
		var seqs []int64
		for _, raw := range frames {
			var ev protocol.EventFrame
			require.NoError(t, json.Unmarshal(raw, &ev))
			seqs = append(seqs, ev.Seq)
		}
		assert.Equal(t, []int64{first, first + 1, first + 2}, seqs)
	}
}

func TestBroadcast_SkipsConnectionsBeforeHandshake(t *testing.T) {
	s := newHubServer(t)
	pending := s.newConn(nil, auth.TransportHints{})
	s.mu.Lock()
	s.conns[pending.id] = pending
	s.mu.Unlock()
	active := activeConn(t, s)

	s.Tick()
	assert.Empty(t, queued(pending))
	assert.Len(t, queued(active), 1)
}

func TestBroadcast_SlowConsumer(t *testing.T) {
	s := newHubServer(t)
	limit := s.currentSettings().Limits.MaxBufferedBytes

	slow := activeConn(t, s)
	fast := activeConn(t, s)
	slow.enqueue(make([]byte, limit+1))
	before := len(queued(slow))

	t.Run("droppable event is skipped", func(t *testing.T) {
		s.Tick()
		assert.Len(t, queued(slow), before)
		assert.Equal(t, stateActive, slow.currentState())
		assert.Equal(t, int64(1), s.Metrics().Snapshot().BroadcastDropped)
		assert.Len(t, queued(fast), 1)
	})

	t.Run("other events close the consumer", func(t *testing.T) {
		s.Broadcast(protocol.EventChat, protocol.ChatEvent{RunID: "r1", SessionKey: "main", State: protocol.ChatStateFinal}, BroadcastOptions{})
		assert.Equal(t, stateClosing, slow.currentState())
		assert.Equal(t, CloseSlowConsumer, slow.closeCode)
		assert.Equal(t, int64(1), s.Metrics().Snapshot().SlowConsumerClose)
		assert.Len(t, queued(fast), 2)
	})
}

func TestAgentEvents_ChatTranslation(t *testing.T) {
	s := newHubServer(t)
	c := activeConn(t, s)
	_, err := s.store.EnsureSession(s.ctx, "main")
	require.NoError(t, err)
	s.runs.StartChat(s.ctx, "run-1", "main", "")

	agent := func(seq int64, stream string, data any) {
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		s.handleBusEvent(bus.Event{Topic: bus.TopicAgentEvent, Payload: bus.AgentEvent{
			RunID: "run-1", Seq: seq, Stream: stream, SessionKey: "main", Data: raw,
		}})
	}
	agent(1, bus.StreamAssistant, map[string]string{"text": "Hel"})
	agent(2, bus.StreamAssistant, map[string]string{"text": "Hello"})
	agent(3, bus.StreamLifecycle, map[string]string{"phase": bus.PhaseEnd})

	var final *protocol.ChatEvent
	for _, raw := range queued(c) {
		var ev struct {
			Event   string             `json:"event"`
			Payload protocol.ChatEvent `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(raw, &ev))
		if ev.Event == protocol.EventChat && ev.Payload.State == protocol.ChatStateFinal {
			p := ev.Payload
			final = &p
		}
	}
	require.NotNil(t, final)
	require.NotNil(t, final.Message)
	assert.Equal(t, "Hello", final.Message.Text)

	_, tracked := s.runs.Chat("run-1")
	assert.False(t, tracked)
	history, err := s.store.ListHistory(s.ctx, "main", 10)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, "Hello", history[len(history)-1].Content)
}

func TestAgentEvents_SeqGapEmitsError(t *testing.T) {
	s := newHubServer(t)
	c := activeConn(t, s)

	for _, seq := range []int64{1, 3} {
		s.handleBusEvent(bus.Event{Topic: bus.TopicAgentEvent, Payload: bus.AgentEvent{
			RunID: "run-9", Seq: seq, Stream: bus.StreamTool, SessionKey: "main",
		}})
	}
	assert.Equal(t, int64(1), s.Metrics().Snapshot().SeqGaps)

	var sawGap bool
	for _, raw := range queued(c) {
		var ev struct {
			Event   string                     `json:"event"`
			Payload protocol.AgentEventPayload `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(raw, &ev))
		if ev.Payload.Stream == bus.StreamError {
			sawGap = true
		}
	}
	assert.True(t, sawGap)
}

func pendingConn(s *Server) *conn {
	c := s.newConn(nil, auth.TransportHints{})
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	return c
}

func connectFrame(t *testing.T) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"type":   protocol.FrameRequest,
		"id":     "c1",
		"method": protocol.MethodConnect,
		"params": map[string]any{
			"minProtocol": protocol.ProtocolVersion,
			"maxProtocol": protocol.ProtocolVersion,
			"client": map[string]any{
				"id": "control-ui", "version": "1.0.0", "platform": "linux", "mode": protocol.ClientModeUI,
			},
		},
	})
	require.NoError(t, err)
	return data
}

func TestHandshake_PresenceFollowsHelloOK(t *testing.T) {
	s := newHubServer(t)
	c := pendingConn(s)
	before := s.presence.Version()

	s.handleHandshake(c, connectFrame(t))
	require.Equal(t, stateActive, c.currentState())
	assert.Equal(t, before+1, s.presence.Version())
	assert.NotEmpty(t, c.presenceKey)

	frames := queued(c)
	require.Len(t, frames, 2)
	var res protocol.ResponseFrame
	require.NoError(t, json.Unmarshal(frames[0], &res))
	assert.Equal(t, protocol.FrameResponse, res.Type)
	assert.True(t, res.OK)
	var ev protocol.EventFrame
	require.NoError(t, json.Unmarshal(frames[1], &ev))
	assert.Equal(t, protocol.EventPresence, ev.Event)
}

func TestHandshake_ClosedDuringAuthLeavesPresenceAlone(t *testing.T) {
	s := newHubServer(t)
	watcher := activeConn(t, s)
	c := pendingConn(s)
	before := s.presence.Version()

	// The handshake timer fired while the connect frame was in flight.
	c.closeWith(ClosePolicyViolation, "handshake timeout", true)
	s.handleHandshake(c, connectFrame(t))

	assert.Equal(t, before, s.presence.Version())
	assert.Empty(t, s.presence.List())
	assert.Empty(t, c.presenceKey)
	assert.Empty(t, queued(watcher), "no presence event for a connection that never went active")

	s.finishConn(c)
	assert.Equal(t, before, s.presence.Version())
}
