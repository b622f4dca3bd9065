// Package bus is the in-process pub/sub used between the agent runtime,
// the pairing store and the gateway fan-out.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 256

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Subscription is an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel events are delivered on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus matches subscriptions by topic prefix.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	dropped map[string]uint64
}

// New creates a Bus.
func New() *Bus {
	return &Bus{
		subs:    make(map[int]*Subscription),
		dropped: make(map[string]uint64),
	}
}

// Subscribe registers interest in topics starting with topicPrefix. An empty
// prefix matches everything.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.SubscribeBuffered(topicPrefix, defaultBufferSize)
}

// SubscribeBuffered is Subscribe with an explicit channel buffer.
func (b *Bus) SubscribeBuffered(topicPrefix string, size int) *Subscription {
	if size <= 0 {
		size = defaultBufferSize
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, size),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers an event to every matching subscriber without blocking.
// A subscriber with a full buffer misses the event; the miss is counted per
// topic.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	var missed bool
	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			missed = true
		}
	}
	b.mu.RUnlock()

	if missed {
		b.mu.Lock()
		b.dropped[topic]++
		b.mu.Unlock()
	}
}

// Dropped returns how many deliveries of topic were missed.
func (b *Bus) Dropped(topic string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped[topic]
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
