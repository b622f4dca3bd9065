package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/go-claw-gateway/internal/gateway"
)

func TestTokenBucket_BurstThenDeny(t *testing.T) {
	tb := gateway.NewTokenBucket(60, 3)
	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("burst request %d denied", i)
		}
	}
	if tb.Allow() {
		t.Fatal("expected request over burst to be denied")
	}
	if wait := tb.RetryAfter(); wait <= 0 || wait > time.Second {
		t.Fatalf("retry after = %v, want (0, 1s]", wait)
	}
}

func TestTokenBucket_RefillOverTime(t *testing.T) {
	tb := gateway.NewTokenBucket(6000, 1) // 100 tokens/s
	if !tb.Allow() {
		t.Fatal("first request denied")
	}
	if tb.Allow() {
		t.Fatal("second immediate request should be denied")
	}
	time.Sleep(50 * time.Millisecond)
	if !tb.Allow() {
		t.Fatal("expected refill after 50ms")
	}
}

func TestUpgradeLimiter_PerAddressIsolation(t *testing.T) {
	rl := gateway.NewUpgradeLimiter(60, 1)
	handler := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := do("10.0.0.1:5000"); rec.Code != http.StatusOK {
		t.Fatalf("first: %d", rec.Code)
	}
	// Same host on another port shares the bucket.
	rec := do("10.0.0.1:5001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
	if rec := do("10.0.0.2:5000"); rec.Code != http.StatusOK {
		t.Fatalf("other address: %d", rec.Code)
	}
	if rl.BucketCount() != 2 {
		t.Fatalf("bucket count = %d", rl.BucketCount())
	}
}

func TestUpgradeLimiter_EvictStale(t *testing.T) {
	rl := gateway.NewUpgradeLimiter(60, 5)
	handler := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	for _, remote := range []string{"10.0.0.1:1", "10.0.0.2:1"} {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.RemoteAddr = remote
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	time.Sleep(20 * time.Millisecond)
	if n := rl.EvictStale(10 * time.Millisecond); n != 2 {
		t.Fatalf("evicted %d, want 2", n)
	}
	if rl.BucketCount() != 0 {
		t.Fatalf("bucket count = %d", rl.BucketCount())
	}
}
