package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler drives the periodic background work: the queue drain (the
// primary mutation path), the bulk reconciliation sweep, and the retention
// cleanup. Jobs run on cron schedules and skip silently once the context is
// cancelled.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
}

// NewScheduler creates an empty scheduler bound to ctx.
func NewScheduler(ctx context.Context) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:  ctx,
	}
}

// Add registers a named job on the given cron spec ("@every 30s", "@daily").
func (s *Scheduler) Add(spec, name string, run func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		if s.ctx.Err() != nil {
			return
		}
		if err := run(s.ctx); err != nil {
			// A drain or sweep racing an explicit trigger is routine.
			if errors.Is(err, ErrSyncInProgress) {
				slog.Debug("scheduled job skipped",
					"component", "scheduler",
					"job", name,
				)
				return
			}
			slog.Warn("scheduled job failed",
				"component", "scheduler",
				"job", name,
				"error", err,
			)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

// Start begins running scheduled jobs in the cron goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started", "component", "scheduler", "jobs", len(s.cron.Entries()))
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	slog.Info("scheduler stopped", "component", "scheduler")
}
