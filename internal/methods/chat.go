package methods

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/basket/go-claw-gateway/internal/dedupe"
	"github.com/basket/go-claw-gateway/internal/persistence"
	"github.com/basket/go-claw-gateway/internal/protocol"
)

// Chat acknowledgement states.
const (
	ChatStarted  = "started"
	ChatInFlight = "in_flight"
)

// RunRequest is one agent run handed to the runtime.
type RunRequest struct {
	RunID      string
	SessionKey string
	SessionID  string
	Message    string
	Thinking   string
	// Source is the connection or node id that asked for the run.
	Source string
}

// AgentRuntime executes agent runs. Run reports progress as bus.AgentEvent
// values on bus.TopicAgentEvent keyed by RunID and returns when the run is
// over. ctx is cancelled on abort or timeout.
type AgentRuntime interface {
	Run(ctx context.Context, req RunRequest) error
}

// ChatStart describes a chat run to start.
type ChatStart struct {
	SessionKey     string
	Message        string
	Thinking       string
	IdempotencyKey string
	Timeout        time.Duration
	Source         string
}

// ChatAck is the chat.send response.
type ChatAck struct {
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey"`
	Status     string `json:"status"`
}

// StartChat starts a chat run through the runtime. The idempotency key is
// the run id: a retry within the dedupe window gets the first call's
// result instead of a second run.
func (b *Builtins) StartChat(ctx context.Context, in ChatStart) (ChatAck, error) {
	sessionKey := strings.TrimSpace(in.SessionKey)
	message := strings.TrimSpace(in.Message)
	key := strings.TrimSpace(in.IdempotencyKey)
	switch {
	case sessionKey == "":
		return ChatAck{}, protocol.InvalidRequest("sessionKey required")
	case message == "":
		return ChatAck{}, protocol.InvalidRequest("message required")
	case key == "":
		return ChatAck{}, protocol.InvalidRequest("idempotencyKey required")
	}
	if b.deps.Runtime == nil {
		return ChatAck{}, protocol.NewError(protocol.ErrCodeUnavailable, "agent runtime unavailable")
	}

	dedupeKey := "chat:" + key
	if prev, fresh := b.deps.Dedupe.Claim(dedupeKey); !fresh {
		if prev.Outcome == nil {
			return ChatAck{RunID: key, SessionKey: sessionKey, Status: ChatInFlight}, nil
		}
		if !prev.Outcome.OK {
			return ChatAck{}, prev.Outcome.Err
		}
		ack, _ := prev.Outcome.Payload.(ChatAck)
		return ack, nil
	}

	sess, err := b.deps.Store.EnsureSession(ctx, sessionKey)
	if err != nil {
		b.deps.Dedupe.Forget(dedupeKey)
		return ChatAck{}, err
	}
	if _, err := b.deps.Store.AppendMessage(ctx, sessionKey, key, "user", message); err != nil {
		b.logger.Warn("chat transcript append failed", "session_key", sessionKey, "error", err)
	}

	runCtx, _ := b.deps.Runs.StartChat(b.deps.Host.Context(), key, sessionKey, sess.SessionID)
	cancel := context.CancelFunc(func() {})
	if in.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, in.Timeout)
	}
	go b.runChat(runCtx, cancel, RunRequest{
		RunID:      key,
		SessionKey: sessionKey,
		SessionID:  sess.SessionID,
		Message:    message,
		Thinking:   in.Thinking,
		Source:     in.Source,
	})

	ack := ChatAck{RunID: key, SessionKey: sessionKey, Status: ChatStarted}
	b.deps.Dedupe.RememberOutcome(dedupeKey, dedupe.Outcome{OK: true, Payload: ack})
	return ack, nil
}

// runChat waits for the runtime. Successful runs are finalised by their
// lifecycle events; a failure the runtime did not report becomes a chat
// error here.
func (b *Builtins) runChat(ctx context.Context, cancel context.CancelFunc, req RunRequest) {
	defer cancel()
	err := b.deps.Runtime.Run(ctx, req)
	if err == nil {
		return
	}
	run, tracked := b.deps.Runs.Chat(req.RunID)
	if !tracked || run.Aborted() {
		return
	}
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "agent timeout"
	}
	b.logger.Warn("chat run failed", "run_id", req.RunID, "session_key", req.SessionKey, "error", err)
	b.deps.Host.Emit(protocol.EventChat, protocol.ChatEvent{
		RunID:        req.RunID,
		SessionKey:   req.SessionKey,
		State:        protocol.ChatStateError,
		ErrorMessage: msg,
	}, false)
	b.deps.Runs.ClearRun(req.RunID)
}

type chatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	Thinking       string `json:"thinking"`
	IdempotencyKey string `json:"idempotencyKey"`
	TimeoutMs      int64  `json:"timeoutMs"`
}

func (b *Builtins) chatSend(ctx context.Context, req *Request) (any, error) {
	p, err := decodeParams[chatSendParams](req.Params)
	if err != nil {
		return nil, err
	}
	return b.StartChat(ctx, ChatStart{
		SessionKey:     p.SessionKey,
		Message:        p.Message,
		Thinking:       p.Thinking,
		IdempotencyKey: p.IdempotencyKey,
		Timeout:        time.Duration(p.TimeoutMs) * time.Millisecond,
		Source:         req.ConnID,
	})
}

func (b *Builtins) chatAbort(_ context.Context, req *Request) (any, error) {
	p, err := decodeParams[struct {
		SessionKey string `json:"sessionKey"`
		RunID      string `json:"runId"`
	}](req.Params)
	if err != nil {
		return nil, err
	}
	sessionKey := strings.TrimSpace(p.SessionKey)
	runID := strings.TrimSpace(p.RunID)
	if sessionKey == "" && runID == "" {
		return nil, protocol.InvalidRequest("sessionKey or runId required")
	}

	var ids []string
	if runID != "" {
		run, ok := b.deps.Runs.Chat(runID)
		if ok && sessionKey != "" && run.SessionKey != sessionKey {
			return nil, protocol.InvalidRequest("runId does not match sessionKey")
		}
		if ok && b.deps.Runs.Abort(runID) {
			sessionKey = run.SessionKey
			ids = append(ids, runID)
		}
	} else {
		ids = b.deps.Runs.AbortSession(sessionKey)
	}

	for _, id := range ids {
		run, _ := b.deps.Runs.Chat(id)
		ev := protocol.ChatEvent{RunID: id, SessionKey: run.SessionKey, State: protocol.ChatStateAborted}
		if text := b.deps.Runs.BufferedText(id); text != "" {
			ev.Message = &protocol.ChatMessage{Role: "assistant", Text: text, TS: nowMs()}
		}
		b.deps.Host.Emit(protocol.EventChat, ev, false)
		b.deps.Runs.ClearRun(id)
	}
	if ids == nil {
		ids = []string{}
	}
	return map[string]any{"ok": true, "aborted": len(ids) > 0, "runIds": ids}, nil
}

func (b *Builtins) chatHistory(ctx context.Context, req *Request) (any, error) {
	p, err := decodeParams[struct {
		SessionKey string `json:"sessionKey"`
		Limit      int    `json:"limit"`
	}](req.Params)
	if err != nil {
		return nil, err
	}
	sessionKey := strings.TrimSpace(p.SessionKey)
	if sessionKey == "" {
		return nil, protocol.InvalidRequest("sessionKey required")
	}
	sess, err := b.deps.Store.GetSession(ctx, sessionKey)
	if errors.Is(err, persistence.ErrNotFound) {
		return map[string]any{"sessionKey": sessionKey, "messages": []persistence.Message{}}, nil
	}
	if err != nil {
		return nil, err
	}
	msgs, err := b.deps.Store.ListHistory(ctx, sessionKey, p.Limit)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []persistence.Message{}
	}
	return map[string]any{"sessionKey": sessionKey, "sessionId": sess.SessionID, "messages": msgs}, nil
}

func (b *Builtins) sessionsList(ctx context.Context, req *Request) (any, error) {
	p, err := decodeParams[struct {
		Limit int `json:"limit"`
	}](req.Params)
	if err != nil {
		return nil, err
	}
	list, err := b.deps.Store.ListSessions(ctx, p.Limit)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []persistence.Session{}
	}
	return map[string]any{"sessions": list, "count": len(list)}, nil
}

func nowMs() int64 { return time.Now().UnixMilli() }
