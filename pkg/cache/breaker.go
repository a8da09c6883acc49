package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerCache isolates a remote tier behind a circuit breaker. While the
// breaker is open every call fails fast and the chain falls through to the
// next tier.
type BreakerCache struct {
	inner Cache
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerCache trips after threshold consecutive failures and probes the
// tier again after timeout.
func NewBreakerCache(inner Cache, threshold uint32, timeout time.Duration, logger *zap.Logger) *BreakerCache {
	if threshold == 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Cache tier breaker changed state",
				zap.String("tier", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		// Misses and lost add races are answers, not failures.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrCacheMiss) || errors.Is(err, ErrNotStored)
		},
	}
	return &BreakerCache{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

// State reports the breaker state ("closed", "open", "half-open").
func (b *BreakerCache) State() string { return b.cb.State().String() }

func (b *BreakerCache) Name() string { return b.inner.Name() }

func (b *BreakerCache) do(fn func() (any, error)) (any, error) {
	v, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("tier %s unavailable: %w", b.inner.Name(), err)
	}
	return v, err
}

func (b *BreakerCache) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := b.do(func() (any, error) { return b.inner.Get(ctx, key) })
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (b *BreakerCache) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	v, err := b.do(func() (any, error) { return b.inner.GetMulti(ctx, keys) })
	if err != nil {
		return nil, err
	}
	return v.(map[string][]byte), nil
}

func (b *BreakerCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := b.do(func() (any, error) { return nil, b.inner.Set(ctx, key, value, ttl) })
	return err
}

func (b *BreakerCache) SetMulti(ctx context.Context, values map[string][]byte, ttl time.Duration) error {
	_, err := b.do(func() (any, error) { return nil, b.inner.SetMulti(ctx, values, ttl) })
	return err
}

func (b *BreakerCache) Add(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := b.do(func() (any, error) { return nil, b.inner.Add(ctx, key, value, ttl) })
	return err
}

func (b *BreakerCache) Delete(ctx context.Context, key string) error {
	_, err := b.do(func() (any, error) { return nil, b.inner.Delete(ctx, key) })
	return err
}

func (b *BreakerCache) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	v, err := b.do(func() (any, error) { return CompareAndDelete(ctx, b.inner, key, expected) })
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (b *BreakerCache) DeleteMulti(ctx context.Context, keys []string) error {
	_, err := b.do(func() (any, error) { return nil, b.inner.DeleteMulti(ctx, keys) })
	return err
}

func (b *BreakerCache) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	v, err := b.do(func() (any, error) { return b.inner.Incr(ctx, key, delta) })
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (b *BreakerCache) Stats(ctx context.Context) (*Stats, error) {
	return b.inner.Stats(ctx)
}

func (b *BreakerCache) CleanupExpired(ctx context.Context) error {
	if c, ok := b.inner.(Cleaner); ok {
		return c.CleanupExpired(ctx)
	}
	return nil
}

func (b *BreakerCache) Close() error {
	return b.inner.Close()
}
