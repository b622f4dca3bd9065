package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/go-claw-gateway/internal/auth"
	"github.com/basket/go-claw-gateway/internal/bridge"
	"github.com/basket/go-claw-gateway/internal/config"
	"github.com/basket/go-claw-gateway/internal/methods"
	"github.com/basket/go-claw-gateway/internal/protocol"
)

type recordingRuntime struct {
	mu   sync.Mutex
	reqs []methods.RunRequest
}

func (r *recordingRuntime) Run(_ context.Context, req methods.RunRequest) error {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	return nil
}

func (r *recordingRuntime) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

func nodeEvent(t *testing.T, name string, payload any) bridge.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return bridge.Event{Event: name, PayloadJSON: raw}
}

func TestNodeEvent_ChatSubscriptions(t *testing.T) {
	s := newHubServer(t)
	ctx := context.Background()

	s.NodeEvent(ctx, "ios-1", nodeEvent(t, nodeEventChatSubscribe, map[string]string{"sessionKey": " main "}))
	s.NodeEvent(ctx, "ios-1", nodeEvent(t, nodeEventChatSubscribe, map[string]string{"sessionKey": "work"}))
	s.NodeEvent(ctx, "ios-1", nodeEvent(t, nodeEventChatSubscribe, map[string]string{"sessionKey": "  "}))
	assert.ElementsMatch(t, []string{"main", "work"}, s.subs.SessionsFor("ios-1"))

	s.NodeEvent(ctx, "ios-1", nodeEvent(t, nodeEventChatUnsubscribe, map[string]string{"sessionKey": "work"}))
	assert.Equal(t, []string{"main"}, s.subs.SessionsFor("ios-1"))

	s.NodeDisconnected(bridge.NodeInfo{NodeID: "ios-1"})
	assert.Empty(t, s.subs.SessionsFor("ios-1"))
}

func TestNodeEvent_AgentRequestStartsOneRunPerEvent(t *testing.T) {
	rt := &recordingRuntime{}
	s := newHubServer(t, func(c *Config) { c.Runtime = rt })
	ctx := context.Background()

	evt := nodeEvent(t, nodeEventAgentRequest, map[string]string{"eventId": "e-1", "text": "turn on the lights"})
	s.NodeEvent(ctx, "ios-1", evt)
	s.NodeEvent(ctx, "ios-1", evt)

	require.Eventually(t, func() bool { return rt.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return rt.count() > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	rt.mu.Lock()
	req := rt.reqs[0]
	rt.mu.Unlock()
	assert.Equal(t, defaultNodeSession, req.SessionKey)
	assert.Equal(t, "turn on the lights", req.Message)
	assert.Equal(t, "ios-1", req.Source)
	assert.Contains(t, s.subs.SessionsFor("ios-1"), defaultNodeSession)
}

func TestNodeEvent_TranscriptDedupesOnText(t *testing.T) {
	rt := &recordingRuntime{}
	s := newHubServer(t, func(c *Config) { c.Runtime = rt })
	ctx := context.Background()

	s.NodeEvent(ctx, "mac-1", nodeEvent(t, nodeEventVoiceTranscript, map[string]string{"sessionKey": "kitchen", "text": "hello"}))
	s.NodeEvent(ctx, "mac-1", nodeEvent(t, nodeEventVoiceTranscript, map[string]string{"sessionKey": "kitchen", "text": "hello"}))
	s.NodeEvent(ctx, "mac-1", nodeEvent(t, nodeEventVoiceTranscript, map[string]string{"sessionKey": "kitchen", "text": "goodbye"}))
	s.NodeEvent(ctx, "mac-1", nodeEvent(t, nodeEventVoiceTranscript, map[string]string{"sessionKey": "kitchen", "text": "  "}))

	require.Eventually(t, func() bool { return rt.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return rt.count() > 2 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestNodeEvent_FailedStartCanBeRetried(t *testing.T) {
	s := newHubServer(t)
	evt := nodeEvent(t, nodeEventAgentRequest, map[string]string{"eventId": "e-2", "text": "hi"})

	// No runtime: the run cannot start and the dedupe claim is released.
	s.NodeEvent(context.Background(), "ios-1", evt)
	_, fresh := s.dedupe.Claim("node:ios-1:" + nodeEventAgentRequest + ":e-2")
	assert.True(t, fresh)
}

func TestNodeLifecycle_Presence(t *testing.T) {
	s := newHubServer(t)
	start := s.presence.Version()

	s.NodeAuthenticated(bridge.NodeInfo{NodeID: "ios-1", DisplayName: "Phone", Platform: "ios", RemoteIP: "10.0.0.2"})
	s.NodeDisconnected(bridge.NodeInfo{NodeID: "ios-1"})
	assert.Equal(t, start+2, s.presence.Version())

	var found bool
	for _, e := range s.presence.List() {
		if e.Key == "node:ios-1" {
			found = true
			assert.Equal(t, "Phone", e.Host)
			assert.Equal(t, "node-disconnected", e.Reason)
		}
	}
	assert.True(t, found, "node presence entry kept after disconnect")
}

func TestNodeRequest_UsesNodeRole(t *testing.T) {
	s := newHubServer(t)

	res := s.NodeRequest(context.Background(), "ios-1", bridge.Request{ID: "1", Method: "health"})
	require.True(t, res.OK, "%s %s", res.Code, res.Message)
	assert.NotEmpty(t, res.PayloadJSON)

	res = s.NodeRequest(context.Background(), "ios-1", bridge.Request{ID: "2", Method: "node.pair.approve", ParamsJSON: []byte(`{"requestId":"x"}`)})
	assert.False(t, res.OK)
	assert.Equal(t, protocol.ErrCodeInvalidRequest, res.Code)
}

func TestApplyConfig(t *testing.T) {
	s := newHubServer(t)
	c := activeConn(t, s)
	ctx := context.Background()
	prev := s.currentSettings()

	t.Run("unsafe auth is refused", func(t *testing.T) {
		next := prev
		next.Auth = config.AuthConfig{Mode: auth.ModeToken}
		require.Error(t, s.ApplyConfig(ctx, next))
		assert.Equal(t, auth.ModeNone, s.currentSettings().Auth.Mode)
	})

	t.Run("bind address is kept", func(t *testing.T) {
		next := prev
		next.BindAddr = "127.0.0.1:1"
		require.NoError(t, s.ApplyConfig(ctx, next))
		assert.Equal(t, prev.BindAddr, s.currentSettings().BindAddr)
	})

	t.Run("changed triggers are stored and broadcast", func(t *testing.T) {
		next := prev
		next.Voicewake.Triggers = []string{"Computer", " computer "}
		require.NoError(t, s.ApplyConfig(ctx, next))

		stored, err := methods.LoadTriggers(ctx, s.store, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"Computer"}, stored)

		var saw bool
		for _, raw := range queued(c) {
			var ev struct {
				Event string `json:"event"`
			}
			require.NoError(t, json.Unmarshal(raw, &ev))
			saw = saw || ev.Event == protocol.EventVoicewakeChanged
		}
		assert.True(t, saw)
	})
}
