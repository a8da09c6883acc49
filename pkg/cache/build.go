package cache

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/afterdarksys/querycached/pkg/config"
	"github.com/afterdarksys/querycached/pkg/dbutil"
)

// FromConfig builds the tier chain memory -> [redis] -> sqlite|postgres.
// Remote tiers sit behind a circuit breaker.
func FromConfig(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger, opts ...ChainOption) (*Chain, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	breaker := func(c Cache) Cache {
		return NewBreakerCache(c, uint32(cfg.BreakerThreshold), config.Seconds(cfg.BreakerTimeout), logger)
	}

	tiers := []Cache{NewMemoryCache(cfg.MemorySize, config.Seconds(cfg.MemoryTTL))}

	if cfg.RedisAddr != "" {
		r, err := NewRedis(ctx, cfg.RedisAddr, cfg.RedisDB, config.Seconds(cfg.RedisTTL))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis tier: %w", err)
		}
		tiers = append(tiers, breaker(r))
	}

	switch cfg.Backend {
	case "sqlite", "":
		s, err := NewSQLite(cfg.Path)
		if err != nil {
			closeAll(tiers)
			return nil, fmt.Errorf("failed to initialize sqlite tier: %w", err)
		}
		tiers = append(tiers, s)
	case "postgres", "postgresql":
		p, err := NewPostgresWithConfig(ctx, cfg.PostgresDSN, dbutil.DefaultPool)
		if err != nil {
			closeAll(tiers)
			return nil, fmt.Errorf("failed to initialize postgres tier: %w", err)
		}
		tiers = append(tiers, breaker(p))
	default:
		closeAll(tiers)
		return nil, fmt.Errorf("unsupported cache backend: %s", cfg.Backend)
	}

	opts = append([]ChainOption{WithLogger(logger)}, opts...)
	if cfg.NegativeTTL > 0 {
		opts = append(opts, WithNegativeCaching(config.Seconds(cfg.NegativeTTL)))
	}
	return NewChain(tiers, opts...)
}

func closeAll(tiers []Cache) {
	for _, t := range tiers {
		t.Close()
	}
}
