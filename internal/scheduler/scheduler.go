// Package scheduler runs periodic background sync passes, the
// gateway's analog of a background-sync registration: even without a
// wake-up message or a reconnect event, the queue gets drained on a
// schedule while the server is reachable.
package scheduler

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps a cron runner for the gateway's background jobs.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// New creates a scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:   cron.New(),
		logger: logger.With("component", "scheduler"),
	}
}

// AddJob registers fn under a standard cron expression.
func (s *Scheduler) AddJob(name, expr string, fn func()) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	_, err := s.cron.AddFunc(expr, func() {
		s.logger.Debug("scheduled job fired", "job", name)
		fn()
	})
	if err != nil {
		return fmt.Errorf("add job %s: %w", name, err)
	}
	s.logger.Info("job scheduled", "job", name, "schedule", expr)
	return nil
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}
