// Package dedupe is the idempotency ledger used by request handlers that
// accept a client-supplied idempotency key.
package dedupe

import (
	"container/list"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a key is remembered.
	DefaultTTL = 5 * time.Minute
	// DefaultMaxEntries bounds the ledger size.
	DefaultMaxEntries = 1000
)

// Outcome is the cached result of the operation a key guarded.
type Outcome struct {
	OK      bool
	Payload any
	Err     error
}

// Entry is a remembered key. Outcome is nil while the operation is still in
// flight.
type Entry struct {
	TS      time.Time
	Outcome *Outcome
}

type cacheEntry struct {
	Entry
	element *list.Element
}

// Options configures a Cache. Zero values fall back to the defaults.
type Options struct {
	TTL        time.Duration
	MaxEntries int
	Now        func() time.Time
}

// Cache is a TTL and size bounded set of seen keys. A key is a duplicate only
// while it is younger than the TTL; capacity pressure may forget keys early
// but never reports a new key as seen.
type Cache struct {
	mu         sync.Mutex
	seen       map[string]*cacheEntry
	order      *list.List // oldest at front
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// New creates a cache. Expired entries are removed by Sweep, which the
// owner runs on a fixed interval.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		seen:       make(map[string]*cacheEntry),
		order:      list.New(),
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		now:        opts.Now,
	}
}

// ShouldProcess reports whether key has not been seen within the TTL.
func (c *Cache) ShouldProcess(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.liveLocked(key)
	return !ok
}

// Remember marks key as seen now, without an outcome.
func (c *Cache) Remember(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key, nil)
}

// RememberOutcome marks key as seen now and caches the operation's result so
// a retry can be answered without re-running it.
func (c *Cache) RememberOutcome(key string, outcome Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key, &outcome)
}

// Claim atomically checks key and marks it if new. It returns the existing
// entry and false when key is a duplicate, or a zero Entry and true when the
// caller now owns the key.
func (c *Cache) Claim(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.liveLocked(key); ok {
		return e.Entry, false
	}
	c.markLocked(key, nil)
	return Entry{}, true
}

// Forget drops key, e.g. when the guarded operation failed before producing
// any side effect and a retry should run again.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.seen[key]; ok {
		c.order.Remove(e.element)
		delete(c.seen, key)
	}
}

// Lookup returns the live entry for key.
func (c *Cache) Lookup(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.liveLocked(key)
	if !ok {
		return Entry{}, false
	}
	return e.Entry, true
}

// Len returns the number of entries currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Sweep deletes entries older than the TTL, then deletes the oldest entries
// until the cache is within capacity. It returns the number removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.seen {
		if now.Sub(e.TS) >= c.ttl {
			c.order.Remove(e.element)
			delete(c.seen, key)
			removed++
		}
	}
	for len(c.seen) > c.maxEntries {
		c.evictOldestLocked()
		removed++
	}
	return removed
}

func (c *Cache) liveLocked(key string) (*cacheEntry, bool) {
	e, ok := c.seen[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.TS) >= c.ttl {
		return nil, false
	}
	return e, true
}

func (c *Cache) markLocked(key string, outcome *Outcome) {
	now := c.now()
	if e, ok := c.seen[key]; ok {
		e.TS = now
		if outcome != nil {
			e.Outcome = outcome
		}
		c.order.MoveToBack(e.element)
		return
	}
	for len(c.seen) >= c.maxEntries {
		c.evictOldestLocked()
	}
	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		Entry:   Entry{TS: now, Outcome: outcome},
		element: elem,
	}
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}
