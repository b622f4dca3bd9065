// Package cron runs the gateway's periodic housekeeping (tick, health
// refresh, dedupe sweep, presence prune) as named robfig/cron entries.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// JobFunc is one periodic task. ctx is cancelled when the scheduler stops.
type JobFunc func(ctx context.Context)

// Scheduler owns a cron runner. Jobs recover from panics and a job that is
// still running when its next slot comes up is skipped.
type Scheduler struct {
	runner *cronlib.Cron
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]cronlib.EntryID
	started bool
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "maintenance")
	cronLogger := cronlib.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn))
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner: cronlib.New(
			cronlib.WithLogger(cronLogger),
			cronlib.WithChain(cronlib.SkipIfStillRunning(cronLogger), cronlib.Recover(cronLogger)),
		),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cronlib.EntryID),
	}
}

// Every registers fn to run every interval under name, replacing any job
// already registered under that name. Intervals below one second are
// rounded up by the runner.
func (s *Scheduler) Every(name string, interval time.Duration, fn JobFunc) error {
	if interval <= 0 {
		return fmt.Errorf("cron: job %q needs a positive interval", name)
	}
	return s.add(name, cronlib.Every(interval), fn)
}

func (s *Scheduler) add(name string, sched cronlib.Schedule, fn JobFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("cron: job name and func are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.runner.Remove(id)
	}
	ctx := s.ctx
	logger := s.logger
	s.entries[name] = s.runner.Schedule(sched, cronlib.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		fn(ctx)
		logger.Debug("periodic job ran", "job", name, "duration", time.Since(start))
	}))
	return nil
}

// Remove unregisters the named job. Unknown names are ignored.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.runner.Remove(id)
		delete(s.entries, name)
	}
}

// Jobs returns the registered job names, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Next returns the next scheduled run of the named job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.runner.Entry(id)
	if !entry.Valid() {
		return time.Time{}, false
	}
	return entry.Next, true
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.runner.Start()
	s.logger.Info("maintenance scheduler started", "jobs", len(s.entries))
}

// Stop cancels job contexts and waits for running jobs to return, or for
// ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.runner.Stop()
	select {
	case <-done.Done():
		s.logger.Info("maintenance scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
