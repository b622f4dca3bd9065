package cron_test

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/go-claw-gateway/internal/cron"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func stopScheduler(t *testing.T, s *cron.Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestScheduler_EveryFires(t *testing.T) {
	sched := cron.NewScheduler(slog.Default())
	var runs atomic.Int32
	if err := sched.Every("tick", time.Second, func(context.Context) { runs.Add(1) }); err != nil {
		t.Fatalf("every: %v", err)
	}
	sched.Start()
	defer stopScheduler(t, sched)

	waitFor(t, 4*time.Second, func() bool { return runs.Load() >= 1 })
}

func TestScheduler_RejectsBadJobs(t *testing.T) {
	sched := cron.NewScheduler(nil)
	if err := sched.Every("zero", 0, func(context.Context) {}); err == nil {
		t.Fatal("expected error for zero interval")
	}
	if err := sched.Every("", time.Second, func(context.Context) {}); err == nil {
		t.Fatal("expected error for blank name")
	}
}

func TestScheduler_ReplaceAndRemove(t *testing.T) {
	sched := cron.NewScheduler(nil)
	noop := func(context.Context) {}
	for _, name := range []string{"tick", "health", "tick"} {
		if err := sched.Every(name, time.Minute, noop); err != nil {
			t.Fatalf("every %s: %v", name, err)
		}
	}
	if got := sched.Jobs(); len(got) != 2 || got[0] != "health" || got[1] != "tick" {
		t.Fatalf("jobs = %v", got)
	}

	sched.Start()
	defer stopScheduler(t, sched)

	next, ok := sched.Next("tick")
	if !ok || !next.After(time.Now()) {
		t.Fatalf("next tick = %v ok=%v", next, ok)
	}
	sched.Remove("tick")
	sched.Remove("missing")
	if _, ok := sched.Next("tick"); ok {
		t.Fatal("removed job must not be scheduled")
	}
}

func TestScheduler_StopCancelsJobContext(t *testing.T) {
	sched := cron.NewScheduler(nil)
	started := make(chan struct{})
	var once atomic.Bool
	if err := sched.Every("slow", time.Second, func(ctx context.Context) {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-ctx.Done()
	}); err != nil {
		t.Fatalf("every: %v", err)
	}
	sched.Start()

	select {
	case <-started:
	case <-time.After(4 * time.Second):
		t.Fatal("job never started")
	}
	stopScheduler(t, sched)
}

func TestScheduler_PanicIsRecovered(t *testing.T) {
	sched := cron.NewScheduler(nil)
	var runs atomic.Int32
	if err := sched.Every("boom", time.Second, func(context.Context) {
		runs.Add(1)
		panic("boom")
	}); err != nil {
		t.Fatalf("every: %v", err)
	}
	sched.Start()
	defer stopScheduler(t, sched)

	waitFor(t, 5*time.Second, func() bool { return runs.Load() >= 2 })
}
