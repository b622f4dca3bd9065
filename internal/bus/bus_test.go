package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicAgentEvent)
	defer b.Unsubscribe(sub)

	b.Publish(TopicAgentEvent, AgentEvent{RunID: "run-1", Seq: 1, Stream: StreamAssistant})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicAgentEvent {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicAgentEvent)
		}
		evt, ok := event.Payload.(AgentEvent)
		if !ok || evt.RunID != "run-1" {
			t.Fatalf("payload = %#v", event.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	pairing := b.Subscribe("pairing.")
	defer b.Unsubscribe(pairing)
	all := b.Subscribe("")
	defer b.Unsubscribe(all)

	b.Publish(TopicPairingRequested, PairingEvent{RequestID: "r1"})
	b.Publish(TopicHeartbeat, HeartbeatEvent{Status: "ok"})

	select {
	case event := <-pairing.Ch():
		if event.Topic != TopicPairingRequested {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicPairingRequested)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for pairing event")
	}

	select {
	case event := <-pairing.Ch():
		t.Fatalf("unexpected event on pairing subscription: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	for i := 0; i < 2; i++ {
		select {
		case <-all.Ch():
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for wildcard event")
		}
	}
}

func TestBus_NonBlockingCountsDrops(t *testing.T) {
	b := New()
	sub := b.SubscribeBuffered("agent.", 4)
	defer b.Unsubscribe(sub)

	for i := 0; i < 10; i++ {
		b.Publish(TopicAgentEvent, i)
	}

	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
			continue
		default:
		}
		break
	}
	if count != 4 {
		t.Fatalf("received %d events, want 4 (buffer size)", count)
	}
	if got := b.Dropped(TopicAgentEvent); got != 6 {
		t.Fatalf("dropped = %d, want 6", got)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("x")
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(TopicSystemEvent, id*100+i)
			}
		}(g)
	}
	wg.Wait()

	if got := len(sub.ch); got != goroutines*perGoroutine {
		t.Fatalf("received %d events, want %d", got, goroutines*perGoroutine)
	}
}
