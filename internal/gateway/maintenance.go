package gateway

import (
	"context"
	"time"
)

const (
	dedupeSweepInterval  = time.Minute
	pairingSweepInterval = time.Minute
	upgradeEvictInterval = 5 * time.Minute
)

type maintenanceJob struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context)
}

// registerMaintenance installs the periodic tasks on the scheduler.
func (s *Server) registerMaintenance() error {
	limits := s.currentSettings().Limits
	jobs := []maintenanceJob{
		{"tick", limits.TickInterval(), func(context.Context) { s.Tick() }},
		{"health", limits.HealthRefresh(), func(ctx context.Context) { s.refreshHealth(ctx, true) }},
		{"dedupe-sweep", dedupeSweepInterval, func(context.Context) {
			if n := s.dedupe.Sweep(); n > 0 {
				s.logger.Debug("dedupe entries expired", "count", n)
			}
		}},
		{"presence-prune", limits.PresencePruneAfter(), func(context.Context) {
			if n := s.presence.Prune(limits.PresencePruneAfter()); n > 0 {
				s.logger.Debug("presence entries pruned", "count", n)
			}
		}},
		{"pairing-expire", pairingSweepInterval, func(ctx context.Context) {
			n, err := s.store.ExpirePairing(ctx, limits.PairingTTL())
			if err != nil {
				s.logger.Warn("expire pairing requests", "error", err)
				return
			}
			if n > 0 {
				s.logger.Info("pairing requests expired", "count", n)
			}
		}},
		{"upgrade-limiter-evict", upgradeEvictInterval, func(context.Context) {
			s.upgrades.EvictStale(upgradeEvictInterval)
		}},
	}
	for _, job := range jobs {
		if job.interval <= 0 {
			s.logger.Debug("periodic job disabled", "job", job.name)
			continue
		}
		if err := s.sched.Every(job.name, job.interval, job.run); err != nil {
			return err
		}
	}
	return nil
}
