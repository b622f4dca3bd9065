package bridge

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type sentEvent struct {
	nodeID  string
	event   string
	payload string
}

type fakeSender struct {
	mu        sync.Mutex
	sent      []sentEvent
	connected []NodeInfo
	failFor   map[string]bool
}

func (f *fakeSender) SendEvent(nodeID, event string, payloadJSON []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[nodeID] {
		return errors.New("unreachable")
	}
	f.sent = append(f.sent, sentEvent{nodeID: nodeID, event: event, payload: string(payloadJSON)})
	return nil
}

func (f *fakeSender) ListConnected() []NodeInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]NodeInfo(nil), f.connected...)
}

func (f *fakeSender) nodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.nodeID)
	}
	return out
}

func TestSubscriptions_SendToSessionRoutesBySession(t *testing.T) {
	sender := &fakeSender{}
	subs := NewSubscriptions(sender, nil)

	subs.Subscribe("node-a", "s1")
	subs.Subscribe("node-b", "s2")

	subs.SendToSession("s1", "chat", map[string]any{"text": "hi"})
	assert.Equal(t, []string{"node-a"}, sender.nodes())
	assert.Equal(t, `{"text":"hi"}`, sender.sent[0].payload)

	subs.SendToSession("s3", "chat", nil)
	assert.Len(t, sender.sent, 1, "no subscribers for s3")
}

func TestSubscriptions_UnsubscribeAllStopsDelivery(t *testing.T) {
	sender := &fakeSender{}
	subs := NewSubscriptions(sender, nil)

	subs.Subscribe("node-a", "s1")
	subs.Subscribe("node-a", "s2")
	subs.Subscribe("node-b", "s1")
	subs.UnsubscribeAll("node-a")

	subs.SendToSession("s1", "chat", nil)
	subs.SendToSession("s2", "chat", nil)
	subs.SendToAllSubscribed("tick", nil)

	for _, n := range sender.nodes() {
		assert.NotEqual(t, "node-a", n)
	}
	assert.Empty(t, subs.SessionsFor("node-a"))
}

func TestSubscriptions_TrimsAndIgnoresBlankKeys(t *testing.T) {
	sender := &fakeSender{}
	subs := NewSubscriptions(sender, nil)

	subs.Subscribe("  node-a ", " s1  ")
	subs.Subscribe("", "s1")
	subs.Subscribe("node-b", "   ")

	assert.Equal(t, []string{"s1"}, subs.SessionsFor("node-a"))
	assert.Empty(t, subs.SessionsFor("node-b"))

	subs.Unsubscribe("node-a", "s1 ")
	assert.Empty(t, subs.SessionsFor("node-a"))
}

func TestSubscriptions_SendToAllSubscribedOncePerNode(t *testing.T) {
	sender := &fakeSender{}
	subs := NewSubscriptions(sender, nil)
	subs.Subscribe("node-a", "s1")
	subs.Subscribe("node-a", "s2")
	subs.Subscribe("node-b", "s1")

	subs.SendToAllSubscribed("health", map[string]any{"ok": true})
	assert.Equal(t, []string{"node-a", "node-b"}, sender.nodes())
}

func TestSubscriptions_SendToAllConnectedIgnoresSubscriptions(t *testing.T) {
	sender := &fakeSender{connected: []NodeInfo{{NodeID: "node-a"}, {NodeID: "node-c"}}}
	subs := NewSubscriptions(sender, nil)

	subs.SendToAllConnected("voicewake.changed", map[string]any{"triggers": []string{"claw"}})
	assert.Equal(t, []string{"node-a", "node-c"}, sender.nodes())
}

func TestSubscriptions_FailuresDoNotBlockOthers(t *testing.T) {
	sender := &fakeSender{failFor: map[string]bool{"node-a": true}}
	subs := NewSubscriptions(sender, nil)
	var failed []string
	subs.SetFailureHook(func(nodeID, event string, _ error) {
		failed = append(failed, nodeID+"/"+event)
	})
	subs.Subscribe("node-a", "s1")
	subs.Subscribe("node-b", "s1")

	subs.SendToSession("s1", "chat", nil)
	assert.Equal(t, []string{"node-b"}, sender.nodes())
	assert.Equal(t, []string{"node-a/chat"}, failed)
	assert.Equal(t, "", sender.sent[0].payload, "nil payload relays as null")
}

func TestSubscriptions_NilSenderIsNoop(t *testing.T) {
	subs := NewSubscriptions(nil, nil)
	subs.Subscribe("node-a", "s1")
	subs.SendToSession("s1", "chat", nil)
	subs.SendToAllConnected("tick", nil)
	subs.Clear()
	assert.Empty(t, subs.SessionsFor("node-a"))
}
