package coins

import (
	"context"
	"log/slog"
	"time"

	"coinsync/internal/domain"
	"coinsync/internal/gather"
)

var _ gather.Gatherer = (*Scheduler)(nil)

// Runner executes one pipeline pass.
type Runner interface {
	Execute(ctx context.Context) (domain.RunSummary, error)
}

// Scheduler runs a pipeline immediately and then once every Interval until
// its context is cancelled. A failed pass is logged and the schedule goes on.
type Scheduler struct {
	Runner   Runner
	Interval time.Duration

	// OnRun, when set, observes every pass.
	OnRun func(domain.RunSummary, error)

	Logger *slog.Logger
}

// Name returns the gatherer identifier.
func (s *Scheduler) Name() string { return "coins-daemon" }

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	interval := s.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		summary, err := s.Runner.Execute(ctx)
		if s.OnRun != nil {
			s.OnRun(summary, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Error("scheduled run failed", "err", err)
		}
		log.Info("next run scheduled", "in", interval)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
