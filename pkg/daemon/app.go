package daemon

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/afterdarksys/querycached/pkg/cache"
	"github.com/afterdarksys/querycached/pkg/config"
	"github.com/afterdarksys/querycached/pkg/listing"
	"github.com/afterdarksys/querycached/pkg/lock"
	"github.com/afterdarksys/querycached/pkg/metrics"
	"github.com/afterdarksys/querycached/pkg/precompute"
	"github.com/afterdarksys/querycached/pkg/querycache"
	"github.com/afterdarksys/querycached/pkg/store"
)

// App is the wired query cache: tiers, store, engine, listings and the
// precompute pipeline. Commands that do not run the daemon use it too.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *metrics.Collector
	Chain     *cache.Chain
	Store     store.Backend
	Locker    *lock.Locker
	Engine    *querycache.Engine
	Listings  *listing.Listings
	Writer    *listing.Writer
	Scheduler *precompute.Scheduler
	Runner    *precompute.Runner
	Sweeper   *precompute.Sweeper
}

// NewApp opens the cache tiers and the primary store described by cfg.
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	collector := metrics.NewCollector("querycached")

	chain, err := cache.FromConfig(ctx, cfg.Cache, logger, cache.WithObserver(collector))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	st, err := store.FromConfig(ctx, cfg.Store)
	if err != nil {
		chain.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	// locks live in the first shared tier: redis when configured, else
	// the authoritative database
	locker := lock.New(chain.WithoutLocal().Tiers()[0],
		lock.WithTTL(config.Seconds(cfg.Query.LockTTL)),
		lock.WithTimeout(config.Seconds(cfg.Query.LockTimeout)),
		lock.WithLogger(logger.Named("lock")))

	eng := querycache.NewEngine(chain, locker,
		querycache.WithStore(st),
		querycache.WithLogger(logger.Named("query")),
		querycache.WithMetrics(collector),
		querycache.WithMaxItems(cfg.Query.MaxCachedItems),
		querycache.WithPruneChance(cfg.Query.PruneChance))
	listings := listing.NewListings(eng)
	writer := listing.NewWriter(listings, eng.NewHooks(cfg.Query.WriteRetries), st, st, logger.Named("listing"))

	sched := precompute.NewScheduler(chain, locker,
		precompute.WithInterval(config.Seconds(cfg.Precompute.Interval)),
		precompute.WithLogger(logger.Named("precompute")))
	runner := precompute.NewRunner(sched, precompute.RunnerConfig{
		Concurrency: cfg.Precompute.Concurrency,
		Timeout:     config.Seconds(cfg.Precompute.Timeout),
		RetryCount:  cfg.Precompute.RetryCount,
		RetryDelay:  config.Seconds(cfg.Precompute.RetryDelay),
	}, logger.Named("precompute"), collector)
	sweeper := precompute.NewSweeper(st, listings.PrecomputedJobs, runner,
		config.Seconds(cfg.Precompute.ActivityWindow), logger.Named("sweep"))

	return &App{
		Config:    cfg,
		Logger:    logger,
		Metrics:   collector,
		Chain:     chain,
		Store:     st,
		Locker:    locker,
		Engine:    eng,
		Listings:  listings,
		Writer:    writer,
		Scheduler: sched,
		Runner:    runner,
		Sweeper:   sweeper,
	}, nil
}

// Close releases the store and the cache tiers.
func (a *App) Close() error {
	serr := a.Store.Close()
	cerr := a.Chain.Close()
	if serr != nil {
		return serr
	}
	return cerr
}
