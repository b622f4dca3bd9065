package gateway

import (
	"encoding/json"
	"time"

	"github.com/basket/go-claw-gateway/internal/bus"
	"github.com/basket/go-claw-gateway/internal/presence"
	"github.com/basket/go-claw-gateway/internal/protocol"
	"github.com/basket/go-claw-gateway/internal/runs"
)

// BroadcastOptions tune one broadcast.
type BroadcastOptions struct {
	// DropIfSlow skips clients over the buffer limit instead of closing them.
	DropIfSlow   bool
	StateVersion *protocol.StateVersion
}

// Broadcast sends an event to every Active client and then to bridge nodes
// per the relay policy. It returns the event's global sequence number, or 0
// when the payload could not be encoded.
func (s *Server) Broadcast(event string, payload any, opts BroadcastOptions) int64 {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("broadcast: encode payload", "event", event, "error", err)
		return 0
	}
	maxBuffered := s.currentSettings().Limits.MaxBufferedBytes

	var slow []*conn
	s.mu.Lock()
	s.seq++
	seq := s.seq
	frame, err := json.Marshal(protocol.EventFrame{
		Type:         protocol.FrameEvent,
		Event:        event,
		Payload:      json.RawMessage(payloadJSON),
		Seq:          seq,
		StateVersion: opts.StateVersion,
	})
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("broadcast: encode frame", "event", event, "error", err)
		return seq
	}
	for _, c := range s.conns {
		if c.currentState() != stateActive {
			continue
		}
		if c.buffered.Load() > maxBuffered {
			if opts.DropIfSlow {
				s.metrics.Dropped(s.ctx, event)
				continue
			}
			slow = append(slow, c)
			continue
		}
		c.enqueue(frame)
	}
	s.mu.Unlock()

	for _, c := range slow {
		c.logger.Warn("closing slow consumer",
			"client_id", c.params.Client.ID, "buffered_bytes", c.buffered.Load(), "event", event)
		s.metrics.SlowConsumer(s.ctx)
		c.closeWith(CloseSlowConsumer, "slow consumer", false)
	}

	s.relay(event, payload)
	return seq
}

// relay forwards selected events to bridge nodes. Delivery is best-effort.
func (s *Server) relay(event string, payload any) {
	switch event {
	case protocol.EventChat, protocol.EventAgent:
		if scoped, ok := payload.(protocol.SessionScoped); ok {
			s.subs.SendToSession(scoped.ScopeSessionKey(), event, payload)
		}
	case protocol.EventHealth, protocol.EventTick:
		s.subs.SendToAllSubscribed(event, payload)
	case protocol.EventVoicewakeChanged:
		s.subs.SendToAllConnected(event, payload)
	}
}

// Emit is Broadcast without state versions, for method handlers.
func (s *Server) Emit(event string, payload any, dropIfSlow bool) {
	s.Broadcast(event, payload, BroadcastOptions{DropIfSlow: dropIfSlow})
}

// Tick broadcasts one keepalive tick.
func (s *Server) Tick() int64 {
	return s.Broadcast(protocol.EventTick, protocol.TickPayload{TS: time.Now().UnixMilli()},
		BroadcastOptions{DropIfSlow: true})
}

// onPresenceChange runs with the presence registry locked.
func (s *Server) onPresenceChange(version int64, entries []presence.Entry) {
	s.Broadcast(protocol.EventPresence, map[string]any{"presence": entries}, BroadcastOptions{
		DropIfSlow:   true,
		StateVersion: &protocol.StateVersion{Presence: version, Health: s.currentHealthVersion()},
	})
}

func (s *Server) onSeqGap(gap runs.Gap) {
	sessionKey, _ := s.runs.SessionKeyForRun(s.ctx, gap.RunID)
	s.metrics.SeqGap(s.ctx, gap.RunID)
	data, _ := json.Marshal(map[string]any{
		"reason":   "seq gap",
		"expected": gap.Expected,
		"received": gap.Received,
	})
	s.Broadcast(protocol.EventAgent, protocol.AgentEventPayload{
		RunID:      gap.RunID,
		Seq:        gap.Received,
		Stream:     bus.StreamError,
		TS:         time.Now().UnixMilli(),
		SessionKey: sessionKey,
		Data:       json.RawMessage(data),
	}, BroadcastOptions{})
}
