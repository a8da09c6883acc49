package precompute

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RunnerConfig bounds a batch run.
type RunnerConfig struct {
	Concurrency int           // parallel jobs
	Timeout     time.Duration // per job
	RetryCount  int
	RetryDelay  time.Duration
}

// RunStats tracks batch run statistics.
type RunStats struct {
	LastRun      time.Time
	TotalRun     int64
	SuccessCount int64
	FailureCount int64
	SkipCount    int64
	Duration     time.Duration
	InProgress   bool
}

// Outcome of a single job.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// Metrics receives job outcomes.
type Metrics interface {
	JobFinished(identity, outcome string, d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) JobFinished(string, string, time.Duration) {}

// Runner recomputes eligible jobs on a bounded worker pool and records
// every success with the Scheduler.
type Runner struct {
	scheduler *Scheduler
	config    RunnerConfig
	logger    *zap.Logger
	metrics   Metrics

	mu    sync.RWMutex
	stats RunStats
}

// NewRunner creates a Runner. Zero config fields take defaults.
func NewRunner(s *Scheduler, config RunnerConfig, logger *zap.Logger, metrics Metrics) *Runner {
	if config.Concurrency <= 0 {
		config.Concurrency = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}
	if config.RetryCount < 0 {
		config.RetryCount = 0
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Runner{scheduler: s, config: config, logger: logger, metrics: metrics}
}

// Report summarises one Run.
type Report struct {
	Ran     int
	Skipped int
	Failed  int
}

// Run checks every job with Preflight and recomputes the eligible ones.
// Jobs start in the given order. One failing job does not stop the rest.
func (r *Runner) Run(ctx context.Context, jobs []Job) (Report, error) {
	r.mu.Lock()
	if r.stats.InProgress {
		r.mu.Unlock()
		return Report{}, fmt.Errorf("precompute run already in progress")
	}
	r.stats.InProgress = true
	r.stats.LastRun = time.Now()
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.stats.InProgress = false
		r.stats.Duration = time.Since(r.stats.LastRun)
		r.mu.Unlock()
	}()

	var (
		mu     sync.Mutex
		report Report
	)
	count := func(outcome string) {
		mu.Lock()
		defer mu.Unlock()
		switch outcome {
		case OutcomeSuccess:
			report.Ran++
		case OutcomeFailure:
			report.Failed++
		case OutcomeSkipped:
			report.Skipped++
		}
	}

	var g errgroup.Group
	g.SetLimit(r.config.Concurrency)
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			start := time.Now()
			outcome, err := r.runJob(ctx, job)
			r.metrics.JobFinished(job.Identity, outcome, time.Since(start))
			r.record(outcome)
			count(outcome)
			return err
		})
	}
	err := g.Wait()

	r.logger.Info("Precompute run finished",
		zap.Int("jobs", len(jobs)), zap.Int("ran", report.Ran),
		zap.Int("skipped", report.Skipped), zap.Int("failed", report.Failed))
	if err != nil {
		return report, fmt.Errorf("precompute completed with %d errors: %w", report.Failed, err)
	}
	return report, ctx.Err()
}

// runJob recomputes one job with retries, then records the run.
func (r *Runner) runJob(ctx context.Context, job Job) (string, error) {
	ok, err := r.scheduler.Preflight(ctx, job)
	if err != nil {
		return OutcomeFailure, fmt.Errorf("preflight %s: %w", job, err)
	}
	if !ok {
		return OutcomeSkipped, nil
	}

	var lastErr error
	for attempt := 0; attempt <= r.config.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.config.RetryDelay):
			case <-ctx.Done():
				return OutcomeFailure, ctx.Err()
			}
		}

		jctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
		lastErr = job.Query.Update(jctx)
		cancel()
		if lastErr != nil {
			r.logger.Warn("Precompute attempt failed", zap.Stringer("job", job),
				zap.Int("attempt", attempt+1), zap.Error(lastErr))
			continue
		}

		if err := r.scheduler.Postflight(ctx, job); err != nil {
			// the listing is fresh; it may just run again early
			r.logger.Warn("Failed to record precompute run", zap.Stringer("job", job), zap.Error(err))
		}
		r.logger.Debug("Precomputed listing", zap.Stringer("job", job), zap.String("key", job.Query.Key()))
		return OutcomeSuccess, nil
	}
	return OutcomeFailure, fmt.Errorf("failed to precompute %s after %d attempts: %w",
		job, r.config.RetryCount+1, lastErr)
}

func (r *Runner) record(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch outcome {
	case OutcomeSuccess:
		r.stats.TotalRun++
		r.stats.SuccessCount++
	case OutcomeFailure:
		r.stats.TotalRun++
		r.stats.FailureCount++
	case OutcomeSkipped:
		r.stats.SkipCount++
	}
}

// Stats returns run statistics.
func (r *Runner) Stats() RunStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}
