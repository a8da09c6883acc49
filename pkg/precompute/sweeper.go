package precompute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/afterdarksys/querycached/pkg/store"
)

// DefaultActivityWindow limits a sweep to subjects active this recently.
const DefaultActivityWindow = 24 * time.Hour

// JobSource returns the precomputed listings of one subject.
type JobSource func(subject string) ([]Job, error)

// Sweeper feeds the precomputed listings of recently active subjects to a
// Runner.
type Sweeper struct {
	subjects store.SubjectSource
	jobs     JobSource
	runner   *Runner
	window   time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewSweeper creates a Sweeper. A zero window uses DefaultActivityWindow.
func NewSweeper(subjects store.SubjectSource, jobs JobSource, runner *Runner, window time.Duration, logger *zap.Logger) *Sweeper {
	if window <= 0 {
		window = DefaultActivityWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		subjects: subjects,
		jobs:     jobs,
		runner:   runner,
		window:   window,
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock replaces the sweep clock.
func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }

// Sweep runs every eligible job of every subject active within the window.
// Subjects whose jobs cannot be listed are logged and skipped.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	since := s.now().Add(-s.window)
	subjects, err := s.subjects.Subjects(ctx, since)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list active subjects: %w", err)
	}

	var (
		jobs []Job
		errs []error
	)
	for _, sub := range subjects {
		js, err := s.jobs(sub.ID)
		if err != nil {
			s.logger.Warn("Skipping subject", zap.String("subject", sub.ID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		jobs = append(jobs, js...)
	}

	s.logger.Info("Sweeping precomputed listings",
		zap.Int("subjects", len(subjects)), zap.Int("jobs", len(jobs)), zap.Time("since", since))
	report, err := s.runner.Run(ctx, jobs)
	if err != nil {
		errs = append(errs, err)
	}
	return report, errors.Join(errs...)
}
