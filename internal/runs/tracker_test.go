package runs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapLookup struct {
	keys  map[string]string
	err   error
	calls int
}

func (m *mapLookup) SessionKeyForSessionID(_ context.Context, sessionID string) (string, bool, error) {
	m.calls++
	if m.err != nil {
		return "", false, m.err
	}
	key, ok := m.keys[sessionID]
	return key, ok, nil
}

func TestObserve_DetectsGap(t *testing.T) {
	var gaps []Gap
	tr := New(Options{OnGap: func(g Gap) { gaps = append(gaps, g) }})

	for _, seq := range []int64{0, 1, 2} {
		_, gap := tr.Observe("run-1", seq)
		require.False(t, gap)
	}
	gap, ok := tr.Observe("run-1", 5)
	require.True(t, ok)
	assert.Equal(t, Gap{RunID: "run-1", Expected: 3, Received: 5}, gap)
	assert.Equal(t, []Gap{gap}, gaps)

	_, ok = tr.Observe("run-1", 6)
	assert.False(t, ok, "sequence continues from the received value")
}

func TestObserve_RunsAreIndependent(t *testing.T) {
	tr := New(Options{})
	tr.Observe("a", 1)
	tr.Observe("b", 10)
	_, gap := tr.Observe("a", 2)
	assert.False(t, gap)
	_, gap = tr.Observe("b", 11)
	assert.False(t, gap)
}

func TestObserve_IgnoresLateEvents(t *testing.T) {
	tr := New(Options{})
	tr.Observe("a", 4)
	_, gap := tr.Observe("a", 3)
	assert.False(t, gap)
	_, gap = tr.Observe("a", 5)
	assert.False(t, gap)
}

func TestClearRunResetsSequence(t *testing.T) {
	tr := New(Options{})
	tr.Observe("a", 7)
	tr.ClearRun("a")
	_, gap := tr.Observe("a", 0)
	assert.False(t, gap)
}

func TestSessionKeyForRun_FallsBackToDurableLookup(t *testing.T) {
	lookup := &mapLookup{keys: map[string]string{"sess-uuid": "main"}}
	tr := New(Options{Lookup: lookup})

	key, ok := tr.SessionKeyForRun(context.Background(), "sess-uuid")
	require.True(t, ok)
	assert.Equal(t, "main", key)
	assert.Equal(t, 1, lookup.calls)

	key, ok = tr.SessionKeyForRun(context.Background(), "sess-uuid")
	require.True(t, ok)
	assert.Equal(t, "main", key)
	assert.Equal(t, 1, lookup.calls, "second resolution served from memory")

	_, ok = tr.SessionKeyForRun(context.Background(), "unknown")
	assert.False(t, ok)
}

func TestSessionKeyForRun_LookupErrorIsNotFound(t *testing.T) {
	tr := New(Options{Lookup: &mapLookup{err: errors.New("db closed")}})
	_, ok := tr.SessionKeyForRun(context.Background(), "x")
	assert.False(t, ok)
}

func TestAbort_IsIdempotent(t *testing.T) {
	tr := New(Options{})
	ctx, _ := tr.StartChat(context.Background(), "run-1", "main", "sess-1")

	assert.True(t, tr.Abort("run-1"))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.False(t, tr.Abort("run-1"), "second abort is a no-op")
	assert.False(t, tr.Abort("never-started"))

	run, ok := tr.Chat("run-1")
	require.True(t, ok)
	assert.True(t, run.Aborted())

	tr.ClearRun("run-1")
	assert.False(t, tr.Abort("run-1"), "abort after finish is a no-op")
}

func TestAbortSession(t *testing.T) {
	tr := New(Options{})
	tr.StartChat(context.Background(), "r1", "main", "s")
	tr.StartChat(context.Background(), "r2", "main", "s")
	tr.StartChat(context.Background(), "r3", "other", "s")

	ids := tr.AbortSession("main")
	assert.ElementsMatch(t, []string{"r1", "r2"}, ids)
	assert.Empty(t, tr.AbortSession("main"))
}

func TestAppendDelta_Throttles(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tr := New(Options{DeltaInterval: 150 * time.Millisecond, Now: func() time.Time { return now }})
	tr.StartChat(context.Background(), "r1", "main", "s")

	text, ok := tr.AppendDelta("r1", "Hel")
	require.True(t, ok, "first delta is sent immediately")
	assert.Equal(t, "Hel", text)

	now = now.Add(50 * time.Millisecond)
	_, ok = tr.AppendDelta("r1", "lo")
	assert.False(t, ok)

	now = now.Add(200 * time.Millisecond)
	text, ok = tr.AppendDelta("r1", "!")
	require.True(t, ok)
	assert.Equal(t, "Hello!", text)
	assert.Equal(t, "Hello!", tr.BufferedText("r1"))

	_, ok = tr.AppendDelta("unknown", "x")
	assert.False(t, ok)
}
