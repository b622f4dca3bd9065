package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(ttl time.Duration, max int) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return New(Options{TTL: ttl, MaxEntries: max, Now: clock.Now}), clock
}

func TestCache_DuplicateWithinTTL(t *testing.T) {
	cache, clock := newTestCache(5*time.Minute, 10)

	assert.True(t, cache.ShouldProcess("chat:1"))
	cache.Remember("chat:1")
	assert.False(t, cache.ShouldProcess("chat:1"))

	clock.Advance(4 * time.Minute)
	assert.False(t, cache.ShouldProcess("chat:1"), "still inside TTL")
}

func TestCache_KeyIsNewAfterTTL(t *testing.T) {
	cache, clock := newTestCache(5*time.Minute, 10)

	cache.Remember("chat:1")
	clock.Advance(5 * time.Minute)
	assert.True(t, cache.ShouldProcess("chat:1"))
}

func TestCache_CapacityEvictsOldestFirst(t *testing.T) {
	cache, clock := newTestCache(time.Hour, 3)

	for i := 0; i < 5; i++ {
		cache.Remember(fmt.Sprintf("k%d", i))
		clock.Advance(time.Second)
		assert.LessOrEqual(t, cache.Len(), 3)
	}

	assert.True(t, cache.ShouldProcess("k0"))
	assert.True(t, cache.ShouldProcess("k1"))
	assert.False(t, cache.ShouldProcess("k2"))
	assert.False(t, cache.ShouldProcess("k3"))
	assert.False(t, cache.ShouldProcess("k4"))
}

func TestCache_RememberRefreshesOrder(t *testing.T) {
	cache, clock := newTestCache(time.Hour, 2)

	cache.Remember("a")
	clock.Advance(time.Second)
	cache.Remember("b")
	clock.Advance(time.Second)
	cache.Remember("a")
	cache.Remember("c")

	assert.False(t, cache.ShouldProcess("a"))
	assert.True(t, cache.ShouldProcess("b"), "b was the oldest after a was refreshed")
	assert.False(t, cache.ShouldProcess("c"))
}

func TestCache_SweepRemovesExpiredThenOldest(t *testing.T) {
	cache, clock := newTestCache(time.Minute, 100)

	cache.Remember("old-1")
	cache.Remember("old-2")
	clock.Advance(2 * time.Minute)
	cache.Remember("fresh")

	removed := cache.Sweep()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, cache.Len())
	assert.False(t, cache.ShouldProcess("fresh"))
}

func TestCache_ClaimIsAtomic(t *testing.T) {
	cache, _ := newTestCache(time.Minute, 1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, owned := cache.Claim("same-key"); owned {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestCache_OutcomeIsReturnedOnRetry(t *testing.T) {
	cache, _ := newTestCache(time.Minute, 10)

	_, owned := cache.Claim("send-1")
	require.True(t, owned)

	entry, owned := cache.Claim("send-1")
	require.False(t, owned)
	assert.Nil(t, entry.Outcome, "in-flight entry carries no outcome")

	cache.RememberOutcome("send-1", Outcome{OK: true, Payload: map[string]any{"runId": "r1"}})
	entry, ok := cache.Lookup("send-1")
	require.True(t, ok)
	require.NotNil(t, entry.Outcome)
	assert.True(t, entry.Outcome.OK)
	assert.Equal(t, map[string]any{"runId": "r1"}, entry.Outcome.Payload)
}

func TestCache_Forget(t *testing.T) {
	cache, _ := newTestCache(time.Minute, 10)
	cache.Remember("k")
	cache.Forget("k")
	assert.True(t, cache.ShouldProcess("k"))
	assert.Equal(t, 0, cache.Len())
}

func TestCache_Defaults(t *testing.T) {
	cache := New(Options{})
	assert.Equal(t, DefaultTTL, cache.ttl)
	assert.Equal(t, DefaultMaxEntries, cache.maxEntries)
}
