package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/moltwatch/internal/metrics"
	"github.com/xkilldash9x/moltwatch/internal/orchestrator"
)

// Scheduler triggers a collection every interval. It implements suture.Service.
// A failed run is logged and the schedule continues; only context cancellation
// ends Serve.
type Scheduler struct {
	runner   orchestrator.Runner
	interval time.Duration
	logger   *zap.Logger
}

// NewScheduler creates a Scheduler. The interval must be positive.
func NewScheduler(runner orchestrator.Runner, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		runner:   runner,
		interval: interval,
		logger:   logger.Named("scheduler"),
	}
}

// Serve implements suture.Service.
func (s *Scheduler) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Scheduler started.", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped.")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	summary, err := s.runner.Run(ctx)
	if err != nil {
		metrics.TriggerRequests.WithLabelValues("schedule", outcomeFailed).Inc()
		s.logger.Error("Scheduled collection failed.", zap.Error(err))
		return
	}
	metrics.TriggerRequests.WithLabelValues("schedule", outcomeOK).Inc()
	s.logger.Info("Scheduled collection finished.",
		zap.String("run_id", summary.RunID),
		zap.Int64("duration_ms", summary.DurationMS))
}

// String implements fmt.Stringer; suture uses it to name the service in events.
func (s *Scheduler) String() string { return "scheduler" }
