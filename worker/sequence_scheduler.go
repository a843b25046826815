package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"leadflow/services"
	"leadflow/utils"
)

// StepRunner executes due sequence steps; satisfied by *services.OutreachService.
type StepRunner interface {
	RunDueSteps(ctx context.Context) (int, error)
}

var _ StepRunner = (*services.OutreachService)(nil)

// SequenceScheduler periodically executes every due sequence step.
type SequenceScheduler struct {
	Runner   StepRunner
	Interval time.Duration
	Logger   *logrus.Entry
}

func NewSequenceScheduler(runner StepRunner, interval time.Duration) *SequenceScheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SequenceScheduler{
		Runner:   runner,
		Interval: interval,
		Logger:   utils.ComponentLogger("sequence_scheduler"),
	}
}

func (s *SequenceScheduler) Start(ctx context.Context) {
	s.Logger.WithField("interval", s.Interval.String()).Info("Sequence scheduler started")

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("Sequence scheduler shutting down...")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *SequenceScheduler) runOnce(ctx context.Context) {
	created, err := s.Runner.RunDueSteps(ctx)
	if err != nil {
		if ctx.Err() == nil {
			utils.LogError("sequence_scheduler_run", err, map[string]interface{}{"created": created})
		}
		return
	}
	if created > 0 {
		s.Logger.WithField("messages", created).Info("Due sequence steps executed")
	}
}
