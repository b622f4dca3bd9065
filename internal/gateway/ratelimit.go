package gateway

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/basket/go-claw-gateway/internal/auth"
)

// Upgrade attempts per remote address. Generous enough for reconnect storms
// from a handful of local clients.
const (
	upgradesPerMinute = 120
	upgradeBurst      = 30
)

// TokenBucket implements a simple token bucket rate limiter.
type TokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time // tracks last request for eviction
	mu         sync.Mutex
}

// NewTokenBucket creates a token bucket with the given rate and burst capacity.
func NewTokenBucket(requestsPerMinute, burstSize int) *TokenBucket {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if burstSize <= 0 {
		burstSize = 1
	}
	now := time.Now()
	return &TokenBucket{
		tokens:     float64(burstSize),
		maxTokens:  float64(burstSize),
		refillRate: float64(requestsPerMinute) / 60.0,
		lastRefill: now,
		lastAccess: now,
	}
}

// Allow checks if a request is allowed and consumes a token if so.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.refillLocked(now)
	tb.lastAccess = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

// RetryAfter is how long until the next token is available.
func (tb *TokenBucket) RetryAfter() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(time.Now())
	if tb.tokens >= 1.0 {
		return 0
	}
	secs := (1.0 - tb.tokens) / tb.refillRate
	return time.Duration(math.Ceil(secs * float64(time.Second)))
}

func (tb *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
}

// LastAccess returns the time of the last Allow() call.
func (tb *TokenBucket) LastAccess() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastAccess
}

// UpgradeLimiter throttles WebSocket upgrade attempts per remote address.
// Per-connection request limits live on the connection itself.
type UpgradeLimiter struct {
	buckets map[string]*TokenBucket
	rpm     int
	burst   int
	mu      sync.RWMutex
}

func NewUpgradeLimiter(requestsPerMinute, burstSize int) *UpgradeLimiter {
	return &UpgradeLimiter{
		buckets: make(map[string]*TokenBucket),
		rpm:     requestsPerMinute,
		burst:   burstSize,
	}
}

// EvictStale removes buckets that haven't been accessed within maxAge.
func (rl *UpgradeLimiter) EvictStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for key, bucket := range rl.buckets {
		if bucket.LastAccess().Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("upgrade limiter eviction", "evicted", evicted, "remaining", len(rl.buckets))
	}
	return evicted
}

// BucketCount returns the current number of tracked buckets.
func (rl *UpgradeLimiter) BucketCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.buckets)
}

// Wrap rejects upgrade attempts over the limit with 429.
func (rl *UpgradeLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if ip := auth.RemoteIP(r.RemoteAddr); ip != "" {
			key = ip
		}
		bucket := rl.getBucket(key)
		if !bucket.Allow() {
			secs := int(math.Ceil(bucket.RetryAfter().Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// getBucket returns the token bucket for the given key, creating one if needed.
func (rl *UpgradeLimiter) getBucket(key string) *TokenBucket {
	rl.mu.RLock()
	bucket, exists := rl.buckets[key]
	rl.mu.RUnlock()
	if exists {
		return bucket
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if bucket, exists = rl.buckets[key]; exists {
		return bucket
	}
	bucket = NewTokenBucket(rl.rpm, rl.burst)
	rl.buckets[key] = bucket
	return bucket
}
