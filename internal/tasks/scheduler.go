package tasks

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// errBackoff is how long the scheduler waits after a failed pass before
// resuming the normal cadence.
const errBackoff = 5 * time.Minute

// Scheduler runs sync passes on a fixed cadence until its context is
// cancelled. Errors are logged and retried after a backoff, never fatal.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	logger   *log.Logger
}

// NewScheduler creates a scheduler running a pass every interval.
func NewScheduler(engine *Engine, interval time.Duration, logger *log.Logger) *Scheduler {
	return &Scheduler{engine: engine, interval: interval, logger: logger}
}

// Run executes an immediate pass and then one per interval until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("sync scheduler started", "interval", s.interval)

	s.pass(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.pass(ctx)
		}
	}
}

func (s *Scheduler) pass(ctx context.Context) {
	agg, err := s.engine.SyncAllDue(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("sync pass failed", "error", err, "backoff", errBackoff)
		select {
		case <-ctx.Done():
		case <-time.After(errBackoff):
		}
		return
	}

	s.logger.Info("sync pass complete", "synced", agg.Synced, "skipped", agg.Skipped, "failed", agg.Failed)
}
