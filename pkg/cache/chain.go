package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// negative marks a key known to be absent. The leading NUL keeps it apart
// from any JSON row or counter a caller could store.
var negative = []byte("\x00querycached:negative")

// Observer receives per-tier outcomes of chain operations.
type Observer interface {
	TierHit(tier string)
	ChainMiss()
	TierError(tier, op string)
}

type nopObserver struct{}

func (nopObserver) TierHit(string)           {}
func (nopObserver) ChainMiss()               {}
func (nopObserver) TierError(string, string) {}

// Chain is an ordered list of tiers, fastest first. The last tier is the
// authoritative one. Reads probe the tiers in order and backfill the
// faster tiers on a hit; writes go to every tier, authoritative first.
type Chain struct {
	tiers       []Cache
	negativeTTL time.Duration
	observer    Observer
	logger      *zap.Logger
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithNegativeCaching stores a miss marker in every tier for ttl after a
// full miss so the next read of the key stops at the first tier.
func WithNegativeCaching(ttl time.Duration) ChainOption {
	return func(c *Chain) { c.negativeTTL = ttl }
}

func WithObserver(o Observer) ChainOption {
	return func(c *Chain) {
		if o != nil {
			c.observer = o
		}
	}
}

func WithLogger(l *zap.Logger) ChainOption {
	return func(c *Chain) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewChain creates a chain over tiers.
func NewChain(tiers []Cache, opts ...ChainOption) (*Chain, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("cache chain needs at least one tier")
	}
	c := &Chain{
		tiers:    tiers,
		observer: nopObserver{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Chain) with(tiers []Cache) *Chain {
	cp := *c
	cp.tiers = tiers
	return &cp
}

// Local returns a chain with tier placed in front of the existing tiers.
// The receiver is not modified, so a request-scoped tier never outlives
// the request that created it.
func (c *Chain) Local(tier Cache) *Chain {
	tiers := make([]Cache, 0, len(c.tiers)+1)
	tiers = append(tiers, tier)
	tiers = append(tiers, c.tiers...)
	return c.with(tiers)
}

// WithoutLocal returns a chain over the shared tiers only. Read-modify-write
// paths use it so a stale in-process copy is never the base of a write.
func (c *Chain) WithoutLocal() *Chain {
	tiers := make([]Cache, 0, len(c.tiers))
	for _, t := range c.tiers {
		if !isLocal(t) {
			tiers = append(tiers, t)
		}
	}
	if len(tiers) == 0 {
		tiers = append(tiers, c.Authoritative())
	}
	return c.with(tiers)
}

// Authoritative returns the last tier.
func (c *Chain) Authoritative() Cache { return c.tiers[len(c.tiers)-1] }

// Tiers returns the tiers in probe order.
func (c *Chain) Tiers() []Cache { return append([]Cache(nil), c.tiers...) }

// Get probes the tiers in order. A hit is copied into every faster tier.
// Unavailable tiers are skipped; the result is ErrCacheMiss when no tier
// holds the key or the key is negatively cached.
func (c *Chain) Get(ctx context.Context, key string) ([]byte, error) {
	for i, tier := range c.tiers {
		val, err := tier.Get(ctx, key)
		if errors.Is(err, ErrCacheMiss) {
			continue
		}
		if err != nil {
			c.tierError(tier, "get", err, zap.String("key", key))
			continue
		}

		c.observer.TierHit(tier.Name())
		ttl := time.Duration(0)
		if IsNegative(val) {
			ttl = c.negativeTTL
		}
		for _, faster := range c.tiers[:i] {
			if err := faster.Set(ctx, key, val, ttl); err != nil {
				c.tierError(faster, "backfill", err, zap.String("key", key))
			}
		}
		if IsNegative(val) {
			return nil, ErrCacheMiss
		}
		return val, nil
	}

	c.observer.ChainMiss()
	if c.negativeTTL > 0 {
		c.fanOut("set_negative", func(t Cache) error {
			return t.Set(ctx, key, negative, c.negativeTTL)
		})
	}
	return nil, ErrCacheMiss
}

// GetOr returns def instead of ErrCacheMiss.
func (c *Chain) GetOr(ctx context.Context, key string, def []byte) []byte {
	val, err := c.Get(ctx, key)
	if err != nil {
		return def
	}
	return val
}

// GetMulti returns the keys found in any tier. Each tier is asked only for
// the keys the faster tiers could not resolve.
func (c *Chain) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	found := make(map[string][]byte, len(keys))
	missing := keys

	for i, tier := range c.tiers {
		if len(missing) == 0 {
			break
		}
		vals, err := tier.GetMulti(ctx, missing)
		if err != nil {
			c.tierError(tier, "get_multi", err, zap.Int("keys", len(missing)))
			continue
		}
		if len(vals) == 0 {
			continue
		}

		c.observer.TierHit(tier.Name())
		c.backfill(ctx, c.tiers[:i], vals)

		next := missing[:0:0]
		for _, key := range missing {
			if val, ok := vals[key]; ok {
				found[key] = val
			} else {
				next = append(next, key)
			}
		}
		missing = next
	}

	for key, val := range found {
		if IsNegative(val) {
			delete(found, key)
		}
	}

	if len(missing) > 0 {
		c.observer.ChainMiss()
		if c.negativeTTL > 0 {
			marks := make(map[string][]byte, len(missing))
			for _, key := range missing {
				marks[key] = negative
			}
			c.fanOut("set_negative", func(t Cache) error {
				return t.SetMulti(ctx, marks, c.negativeTTL)
			})
		}
	}
	return found, nil
}

func (c *Chain) backfill(ctx context.Context, tiers []Cache, vals map[string][]byte) {
	if len(tiers) == 0 {
		return
	}
	pos := make(map[string][]byte, len(vals))
	neg := make(map[string][]byte)
	for key, val := range vals {
		if IsNegative(val) {
			neg[key] = val
		} else {
			pos[key] = val
		}
	}
	for _, t := range tiers {
		if len(pos) > 0 {
			if err := t.SetMulti(ctx, pos, 0); err != nil {
				c.tierError(t, "backfill", err)
			}
		}
		if len(neg) > 0 {
			if err := t.SetMulti(ctx, neg, c.negativeTTL); err != nil {
				c.tierError(t, "backfill", err)
			}
		}
	}
}

// Set writes value to every tier. Failures are logged, never returned.
func (c *Chain) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	c.fanOut("set", func(t Cache) error { return t.Set(ctx, key, value, ttl) })
}

// SetMulti writes every value to every tier. Failures are logged.
func (c *Chain) SetMulti(ctx context.Context, values map[string][]byte, ttl time.Duration) {
	if len(values) == 0 {
		return
	}
	c.fanOut("set_multi", func(t Cache) error { return t.SetMulti(ctx, values, ttl) })
}

// SetDurable writes value to the authoritative tier and returns its error.
// The faster tiers are only written once the value has been persisted.
func (c *Chain) SetDurable(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	auth := c.Authoritative()
	if err := auth.Set(ctx, key, value, ttl); err != nil {
		c.observer.TierError(auth.Name(), "set_durable")
		return fmt.Errorf("failed to persist %s: %w", key, err)
	}
	c.fanOutFaster("set", func(t Cache) error { return t.Set(ctx, key, value, ttl) })
	return nil
}

// SetMultiDurable is SetDurable for a batch.
func (c *Chain) SetMultiDurable(ctx context.Context, values map[string][]byte, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}
	auth := c.Authoritative()
	if err := auth.SetMulti(ctx, values, ttl); err != nil {
		c.observer.TierError(auth.Name(), "set_durable")
		return fmt.Errorf("failed to persist %d entries: %w", len(values), err)
	}
	c.fanOutFaster("set_multi", func(t Cache) error { return t.SetMulti(ctx, values, ttl) })
	return nil
}

// Add stores value only if the authoritative tier does not hold a live
// value for key. On success the value is copied into the faster tiers.
func (c *Chain) Add(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	auth := c.Authoritative()
	err := auth.Add(ctx, key, value, ttl)
	if errors.Is(err, ErrNotStored) && c.negativeTTL > 0 {
		// a negative marker is not a live value
		cleared, cerr := CompareAndDelete(ctx, auth, key, negative)
		if cerr != nil {
			return cerr
		}
		if cleared {
			err = auth.Add(ctx, key, value, ttl)
		}
	}
	if err != nil {
		return err
	}
	c.fanOutFaster("set", func(t Cache) error { return t.Set(ctx, key, value, ttl) })
	return nil
}

// Delete removes key from every tier.
func (c *Chain) Delete(ctx context.Context, key string) {
	c.fanOut("delete", func(t Cache) error { return t.Delete(ctx, key) })
}

// DeleteMulti removes keys from every tier.
func (c *Chain) DeleteMulti(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	c.fanOut("delete_multi", func(t Cache) error { return t.DeleteMulti(ctx, keys) })
}

// Incr increments the authoritative counter and mirrors the result into
// the faster tiers.
func (c *Chain) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	auth := c.Authoritative()
	n, err := auth.Incr(ctx, key, delta)
	if err != nil && c.negativeTTL > 0 {
		if cleared, cerr := CompareAndDelete(ctx, auth, key, negative); cerr == nil && cleared {
			n, err = auth.Incr(ctx, key, delta)
		}
	}
	if err != nil {
		return 0, err
	}
	val := []byte(fmt.Sprintf("%d", n))
	c.fanOutFaster("set", func(t Cache) error { return t.Set(ctx, key, val, 0) })
	return n, nil
}

// Stats returns per-tier statistics in probe order. Tiers whose stats
// cannot be read are omitted.
func (c *Chain) Stats(ctx context.Context) []*Stats {
	out := make([]*Stats, 0, len(c.tiers))
	for _, t := range c.tiers {
		s, err := t.Stats(ctx)
		if err != nil {
			c.tierError(t, "stats", err)
			continue
		}
		s.Tier = t.Name()
		out = append(out, s)
	}
	return out
}

// CleanupExpired sweeps every tier that needs it.
func (c *Chain) CleanupExpired(ctx context.Context) error {
	var errs []error
	for _, t := range c.tiers {
		if cl, ok := t.(Cleaner); ok {
			if err := cl.CleanupExpired(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// Close closes every tier.
func (c *Chain) Close() error {
	var errs []error
	for _, t := range c.tiers {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (c *Chain) fanOut(op string, fn func(Cache) error) {
	auth := c.Authoritative()
	if err := fn(auth); err != nil {
		c.tierError(auth, op, err)
	}
	c.fanOutFaster(op, fn)
}

func (c *Chain) fanOutFaster(op string, fn func(Cache) error) {
	for _, t := range c.tiers[:len(c.tiers)-1] {
		if err := fn(t); err != nil {
			c.tierError(t, op, err)
		}
	}
}

func (c *Chain) tierError(t Cache, op string, err error, fields ...zap.Field) {
	c.observer.TierError(t.Name(), op)
	c.logger.Warn("Cache tier operation failed",
		append([]zap.Field{zap.String("tier", t.Name()), zap.String("op", op), zap.Error(err)}, fields...)...)
}

// IsNegative reports whether val is the marker negative caching stores for
// a known-absent key. Callers reading a tier directly must check it before
// decoding.
func IsNegative(val []byte) bool {
	return bytes.Equal(val, negative)
}
