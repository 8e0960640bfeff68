package app

import (
	"context"
	"time"

	"pulse/internal/config"
	"pulse/internal/sweep"
	logx "pulse/pkg/logx"
)

// addJobs registers the periodic maintenance sweeps.
func (a *App) addJobs(cfg *config.Config) error {
	jobs := []sweep.Job{
		{
			Name:  "registry.cleanup",
			Every: time.Minute,
			Run:   a.cleanupRegistries,
		},
		{
			Name:  "presence.reconcile",
			Every: interval(cfg.Presence.ReconcileInterval, 5*time.Minute),
			Run: func(ctx context.Context) error {
				n, err := a.presence.Reconcile(ctx)
				if n > 0 {
					a.log.Info("ghost connections repaired", logx.Int("users", n))
				}
				return err
			},
		},
		{
			Name:  "presence.flush",
			Every: interval(cfg.Presence.ActivityFlushInterval, time.Minute),
			Run:   a.presence.FlushActivity,
		},
		{
			Name:  "session.inactivity",
			Every: interval(cfg.Session.SweepInterval, time.Minute),
			Run: func(context.Context) error {
				if n := a.hub.SweepInactive(); n > 0 {
					a.log.Debug("inactive sessions closed", logx.Int("sessions", n))
				}
				return nil
			},
		},
	}
	if a.metrics != nil {
		jobs = append(jobs, sweep.Job{
			Name:  "metrics.snapshot",
			Every: interval(cfg.Metrics.Interval, time.Minute),
			Run:   a.metrics.LogSnapshot,
		})
	}
	for _, j := range jobs {
		if err := a.sweeps.Add(j); err != nil {
			return err
		}
	}
	return nil
}

// cleanupRegistries drops expired entries from every bounded registry.
func (a *App) cleanupRegistries(context.Context) error {
	removed := 0
	for _, l := range a.limiters.All() {
		removed += l.Cleanup()
	}
	removed += a.queue.Cleanup()
	removed += a.presence.Cleanup()
	removed += a.hub.Cleanup()
	if removed > 0 {
		a.log.Debug("registry cleanup", logx.Int("removed", removed))
	}
	return nil
}
