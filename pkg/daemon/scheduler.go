package daemon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/afterdarksys/querycached/pkg/cache"
	"github.com/afterdarksys/querycached/pkg/precompute"
)

// Scheduler runs the background tasks: the precompute sweep and the
// cleanup of expired rows in the database tiers.
type Scheduler struct {
	chain           *cache.Chain
	sweeper         *precompute.Sweeper
	sweepInterval   time.Duration
	cleanupInterval time.Duration
	logger          *zap.Logger

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

// NewScheduler creates a background scheduler. A nil sweeper only cleans.
func NewScheduler(chain *cache.Chain, sweeper *precompute.Sweeper, sweepInterval, cleanupInterval time.Duration, logger *zap.Logger) *Scheduler {
	if sweepInterval <= 0 {
		sweepInterval = time.Hour
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Hour // default to hourly cleanup
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		chain:           chain,
		sweeper:         sweeper,
		sweepInterval:   sweepInterval,
		cleanupInterval: cleanupInterval,
		logger:          logger,
		done:            make(chan struct{}),
	}
}

// Start begins the background loops. They end on Stop or when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.loop(ctx, s.cleanupInterval, s.runCleanup)
	if s.sweeper != nil {
		s.loop(ctx, s.sweepInterval, s.runSweep)
	}
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, run func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		// Run once at startup
		run(ctx)

		for {
			select {
			case <-ticker.C:
				run(ctx)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the loops and waits for a running task to finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	start := time.Now()
	if err := s.chain.CleanupExpired(ctx); err != nil {
		s.logger.Warn("Cache cleanup failed", zap.Error(err))
		return
	}
	s.logger.Debug("Cache cleanup completed", zap.Duration("duration", time.Since(start)))
}

func (s *Scheduler) runSweep(ctx context.Context) {
	report, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.logger.Warn("Precompute sweep finished with errors", zap.Error(err))
	}
	s.logger.Info("Precompute sweep done",
		zap.Int("ran", report.Ran), zap.Int("skipped", report.Skipped), zap.Int("failed", report.Failed))
}

// RunNow triggers an immediate cleanup and sweep.
func (s *Scheduler) RunNow(ctx context.Context) {
	s.runCleanup(ctx)
	if s.sweeper != nil {
		s.runSweep(ctx)
	}
}
