// Package runs tracks in-flight agent and chat runs: per-run event sequence
// numbers, the session each run belongs to, abort handles and buffered chat
// output.
package runs

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultDeltaInterval throttles chat delta events per run.
const DefaultDeltaInterval = 150 * time.Millisecond

// Gap reports a discontinuity in a run's event sequence.
type Gap struct {
	RunID    string `json:"runId"`
	Expected int64  `json:"expected"`
	Received int64  `json:"received"`
}

// SessionLookup resolves the session key owning a session id from durable
// storage.
type SessionLookup interface {
	SessionKeyForSessionID(ctx context.Context, sessionID string) (string, bool, error)
}

// ChatRun is a chat-style run that can be aborted.
type ChatRun struct {
	RunID      string
	SessionKey string
	SessionID  string
	StartedAt  time.Time

	cancel    context.CancelFunc
	aborted   bool
	buffer    strings.Builder
	lastDelta time.Time
}

// Options configures a Tracker.
type Options struct {
	Lookup        SessionLookup
	OnGap         func(Gap)
	DeltaInterval time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	lastSeq  map[string]int64
	sessions map[string]string // runID -> sessionKey
	chats    map[string]*ChatRun

	lookup        SessionLookup
	onGap         func(Gap)
	deltaInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

// New creates a tracker.
func New(opts Options) *Tracker {
	if opts.DeltaInterval <= 0 {
		opts.DeltaInterval = DefaultDeltaInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Tracker{
		lastSeq:       make(map[string]int64),
		sessions:      make(map[string]string),
		chats:         make(map[string]*ChatRun),
		lookup:        opts.Lookup,
		onGap:         opts.OnGap,
		deltaInterval: opts.DeltaInterval,
		now:           opts.Now,
		logger:        opts.Logger,
	}
}

// Observe records seq for runID and reports a gap when it skips ahead of the
// next expected value. Late or repeated sequence numbers are ignored.
func (t *Tracker) Observe(runID string, seq int64) (Gap, bool) {
	t.mu.Lock()
	last, seen := t.lastSeq[runID]
	if seen && seq <= last {
		t.mu.Unlock()
		return Gap{}, false
	}
	t.lastSeq[runID] = seq
	onGap := t.onGap
	t.mu.Unlock()

	if !seen || seq == last+1 {
		return Gap{}, false
	}
	gap := Gap{RunID: runID, Expected: last + 1, Received: seq}
	t.logger.Warn("agent event sequence gap", "run_id", runID, "expected", gap.Expected, "received", gap.Received)
	if onGap != nil {
		onGap(gap)
	}
	return gap, true
}

// RegisterRun records which session a run belongs to.
func (t *Tracker) RegisterRun(runID, sessionKey string) {
	if runID == "" || sessionKey == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[runID] = sessionKey
}

// ClearRun forgets everything about a finished run.
func (t *Tracker) ClearRun(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSeq, runID)
	delete(t.sessions, runID)
	if run, ok := t.chats[runID]; ok {
		run.cancel()
		delete(t.chats, runID)
	}
}

// SessionKeyForRun resolves the owning session key. When the in-memory
// context is gone (restart, eviction) the durable store is consulted by
// session id and the result is re-registered.
func (t *Tracker) SessionKeyForRun(ctx context.Context, runID string) (string, bool) {
	t.mu.Lock()
	key, ok := t.sessions[runID]
	lookup := t.lookup
	t.mu.Unlock()
	if ok {
		return key, true
	}
	if lookup == nil || runID == "" {
		return "", false
	}
	key, ok, err := lookup.SessionKeyForSessionID(ctx, runID)
	if err != nil {
		t.logger.Warn("session lookup for run failed", "run_id", runID, "error", err)
		return "", false
	}
	if !ok {
		return "", false
	}
	t.RegisterRun(runID, key)
	return key, true
}

// StartChat registers a chat run and returns a context cancelled by Abort.
func (t *Tracker) StartChat(parent context.Context, runID, sessionKey, sessionID string) (context.Context, *ChatRun) {
	ctx, cancel := context.WithCancel(parent)
	run := &ChatRun{
		RunID:      runID,
		SessionKey: sessionKey,
		SessionID:  sessionID,
		StartedAt:  t.now(),
		cancel:     cancel,
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.chats[runID]; ok {
		prev.cancel()
	}
	t.chats[runID] = run
	t.sessions[runID] = sessionKey
	return ctx, run
}

// Chat returns the tracked chat run.
func (t *Tracker) Chat(runID string) (ChatRun, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	run, ok := t.chats[runID]
	if !ok {
		return ChatRun{}, false
	}
	return ChatRun{
		RunID:      run.RunID,
		SessionKey: run.SessionKey,
		SessionID:  run.SessionID,
		StartedAt:  run.StartedAt,
		aborted:    run.aborted,
	}, true
}

// Aborted reports whether the run was aborted.
func (r ChatRun) Aborted() bool { return r.aborted }

// Abort cancels a chat run. It reports whether this call aborted it;
// aborting a finished, unknown or already aborted run is a no-op.
func (t *Tracker) Abort(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	run, ok := t.chats[runID]
	if !ok || run.aborted {
		return false
	}
	run.aborted = true
	run.cancel()
	return true
}

// AbortSession aborts every chat run of sessionKey and returns their ids.
func (t *Tracker) AbortSession(sessionKey string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, run := range t.chats {
		if run.SessionKey != sessionKey || run.aborted {
			continue
		}
		run.aborted = true
		run.cancel()
		ids = append(ids, id)
	}
	return ids
}

// AppendDelta buffers streamed text for a chat run. It returns the full
// buffered text when enough time has passed since the last emitted delta.
func (t *Tracker) AppendDelta(runID, text string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	run, ok := t.chats[runID]
	if !ok {
		return "", false
	}
	run.buffer.WriteString(text)
	now := t.now()
	if !run.lastDelta.IsZero() && now.Sub(run.lastDelta) < t.deltaInterval {
		return "", false
	}
	run.lastDelta = now
	return run.buffer.String(), true
}

// BufferedText returns everything streamed so far for a chat run.
func (t *Tracker) BufferedText(runID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if run, ok := t.chats[runID]; ok {
		return run.buffer.String()
	}
	return ""
}

// ActiveChats returns the number of tracked chat runs.
func (t *Tracker) ActiveChats() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.chats)
}
