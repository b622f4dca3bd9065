package gateway

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/basket/go-claw-gateway/internal/bus"
	"github.com/basket/go-claw-gateway/internal/presence"
	"github.com/basket/go-claw-gateway/internal/protocol"
	"github.com/basket/go-claw-gateway/internal/runs"
)

// consumeBus turns in-process bus events into client broadcasts.
func (s *Server) consumeBus(sub *bus.Subscription) {
	defer s.loopWG.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			s.handleBusEvent(ev)
		}
	}
}

func (s *Server) handleBusEvent(ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.AgentEvent:
		s.handleAgentEvent(p)
	case *bus.AgentEvent:
		s.handleAgentEvent(*p)
	case bus.PairingEvent:
		s.handlePairingEvent(ev.Topic, p)
	case bus.HeartbeatEvent:
		if s.recordHeartbeat(p) {
			s.Broadcast(protocol.EventHeartbeat, p, BroadcastOptions{DropIfSlow: true})
		}
	case bus.SystemEvent:
		s.handleSystemEvent(p)
	case bus.VoicewakeChanged:
		s.Broadcast(protocol.EventVoicewakeChanged, p, BroadcastOptions{})
	case bus.TalkMode:
		s.Broadcast(protocol.EventTalkMode, p, BroadcastOptions{DropIfSlow: true})
	case bus.CronEvent:
		s.Broadcast(protocol.EventCron, p, BroadcastOptions{DropIfSlow: true})
	default:
		s.logger.Debug("unhandled bus event", "topic", ev.Topic)
	}
}

func (s *Server) handlePairingEvent(topic string, ev bus.PairingEvent) {
	switch topic {
	case bus.TopicPairingRequested:
		if ev.Silent {
			return
		}
		s.Broadcast(protocol.EventNodePairRequested, ev, BroadcastOptions{})
	case bus.TopicPairingResolved:
		s.Broadcast(protocol.EventNodePairResolved, ev, BroadcastOptions{})
	}
}

func (s *Server) handleSystemEvent(ev bus.SystemEvent) {
	key := firstNonEmpty(ev.InstanceID, ev.Host)
	if key == "" {
		return
	}
	s.presence.Upsert(key, presence.Update{
		Host:       ev.Host,
		Mode:       ev.Mode,
		Text:       ev.Text,
		InstanceID: ev.InstanceID,
		Reason:     firstNonEmpty(ev.Reason, presence.ReasonPeriodic),
	})
}

// agentData is the part of an agent event's data the chat translation
// reads. Text is cumulative, Delta incremental.
type agentData struct {
	Text  string `json:"text"`
	Delta string `json:"delta"`
	Phase string `json:"phase"`
	Error string `json:"error"`
}

// handleAgentEvent checks the run sequence, broadcasts the raw agent event
// and, for chat runs, the derived chat event.
func (s *Server) handleAgentEvent(ev bus.AgentEvent) {
	if ev.RunID == "" {
		return
	}
	sessionKey := ev.SessionKey
	if sessionKey == "" {
		sessionKey, _ = s.runs.SessionKeyForRun(s.ctx, ev.RunID)
	} else {
		s.runs.RegisterRun(ev.RunID, sessionKey)
	}
	if ev.TS == 0 {
		ev.TS = time.Now().UnixMilli()
	}
	s.runs.Observe(ev.RunID, ev.Seq)

	payload := protocol.AgentEventPayload{
		RunID:      ev.RunID,
		Seq:        ev.Seq,
		Stream:     ev.Stream,
		TS:         ev.TS,
		SessionKey: sessionKey,
	}
	if len(ev.Data) > 0 {
		payload.Data = ev.Data
	}
	s.Broadcast(protocol.EventAgent, payload, BroadcastOptions{})

	var data agentData
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			s.logger.Debug("agent event data is not an object", "run_id", ev.RunID, "stream", ev.Stream)
		}
	}

	run, isChat := s.runs.Chat(ev.RunID)
	if !isChat {
		if runFinished(ev.Stream, data) {
			s.runs.ClearRun(ev.RunID)
		}
		return
	}
	if run.Aborted() {
		return
	}
	s.translateChat(run, ev, data)
}

func runFinished(stream string, data agentData) bool {
	switch stream {
	case bus.StreamLifecycle:
		return data.Phase == bus.PhaseEnd || data.Phase == bus.PhaseError
	case bus.StreamError:
		return true
	}
	return false
}

func (s *Server) translateChat(run runs.ChatRun, ev bus.AgentEvent, data agentData) {
	switch ev.Stream {
	case bus.StreamAssistant:
		chunk := data.Delta
		if chunk == "" && data.Text != "" {
			buffered := s.runs.BufferedText(run.RunID)
			chunk = strings.TrimPrefix(data.Text, buffered)
			if len(chunk) == len(data.Text) && buffered != "" {
				// Not a continuation of what we have; treat it as new text.
				chunk = data.Text
			}
		}
		if chunk == "" {
			return
		}
		if text, emit := s.runs.AppendDelta(run.RunID, chunk); emit {
			s.Broadcast(protocol.EventChat, protocol.ChatEvent{
				RunID:      run.RunID,
				SessionKey: run.SessionKey,
				Seq:        ev.Seq,
				State:      protocol.ChatStateDelta,
				Message:    &protocol.ChatMessage{Role: "assistant", Text: text, TS: ev.TS},
			}, BroadcastOptions{DropIfSlow: true})
		}
	case bus.StreamLifecycle:
		switch data.Phase {
		case bus.PhaseEnd:
			s.finishChat(run, ev)
		case bus.PhaseError:
			s.failChat(run, ev, firstNonEmpty(data.Error, "agent run failed"))
		}
	case bus.StreamError:
		s.failChat(run, ev, firstNonEmpty(data.Error, data.Text, "agent error"))
	}
}

func (s *Server) finishChat(run runs.ChatRun, ev bus.AgentEvent) {
	text := s.runs.BufferedText(run.RunID)
	if text != "" {
		if _, err := s.store.AppendMessage(s.ctx, run.SessionKey, run.RunID, "assistant", text); err != nil {
			s.logger.Warn("chat transcript append failed", "run_id", run.RunID, "session_key", run.SessionKey, "error", err)
		}
	}
	s.Broadcast(protocol.EventChat, protocol.ChatEvent{
		RunID:      run.RunID,
		SessionKey: run.SessionKey,
		Seq:        ev.Seq,
		State:      protocol.ChatStateFinal,
		Message:    &protocol.ChatMessage{Role: "assistant", Text: text, TS: ev.TS},
	}, BroadcastOptions{})
	s.runs.ClearRun(run.RunID)
}

func (s *Server) failChat(run runs.ChatRun, ev bus.AgentEvent, msg string) {
	s.Broadcast(protocol.EventChat, protocol.ChatEvent{
		RunID:        run.RunID,
		SessionKey:   run.SessionKey,
		Seq:          ev.Seq,
		State:        protocol.ChatStateError,
		ErrorMessage: msg,
	}, BroadcastOptions{})
	s.runs.ClearRun(run.RunID)
}
