// Package querycache keeps sorted, size-capped listings in a multi-tier
// cache. A listing is stored as one row of item tuples per query key and
// is either updated incrementally on the write path or recomputed from the
// primary store.
package querycache

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/afterdarksys/querycached/pkg/cache"
	"github.com/afterdarksys/querycached/pkg/lock"
	"github.com/afterdarksys/querycached/pkg/store"
	"github.com/afterdarksys/querycached/pkg/tuple"
)

const (
	DefaultMaxItems    = 1000
	DefaultPruneChance = 0.1
)

var (
	// ErrCannotInsert is returned by Insert on queries whose membership
	// cannot be decided from the inserted item alone.
	ErrCannotInsert = errors.New("query does not support incremental insert")
	// ErrCannotUpdate is returned by AddQueries when a query supports
	// neither of the requested operations.
	ErrCannotUpdate = errors.New("cannot update query")
	// ErrNoStore is returned when a recompute is requested without a
	// primary store attached.
	ErrNoStore = errors.New("no primary store attached")
)

// Metrics receives query cache events.
type Metrics interface {
	Recomputed(family string, d time.Duration, err error)
	Inserted(family string, n int)
	Deleted(family string, n int)
	Pruned(family string, n int)
	StaleRow(family string)
}

type nopMetrics struct{}

func (nopMetrics) Recomputed(string, time.Duration, error) {}
func (nopMetrics) Inserted(string, int)                    {}
func (nopMetrics) Deleted(string, int)                     {}
func (nopMetrics) Pruned(string, int)                      {}
func (nopMetrics) StaleRow(string)                         {}

// Engine holds what every query needs: the cache chain, the locker that
// guards row rewrites and the primary store recomputes read from.
type Engine struct {
	chain       *cache.Chain
	locker      *lock.Locker
	store       store.Store
	logger      *zap.Logger
	metrics     Metrics
	maxItems    int
	pruneChance float64
	rand        func() float64
	now         func() time.Time
	flight      singleflight.Group
}

type Option func(*Engine)

// WithStore attaches the primary store used to recompute missing rows.
func WithStore(s store.Store) Option {
	return func(e *Engine) { e.store = s }
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithMaxItems sets the retention cap of every row.
func WithMaxItems(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxItems = n
		}
	}
}

// WithPruneChance sets the per-insert prune probability used by Mutator.
func WithPruneChance(p float64) Option {
	return func(e *Engine) {
		if p >= 0 && p <= 1 {
			e.pruneChance = p
		}
	}
}

// WithRand replaces the random source used for prune decisions. fn must
// return values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(e *Engine) {
		if fn != nil {
			e.rand = fn
		}
	}
}

// WithClock replaces the clock used to stamp written entries.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an Engine over chain. Row rewrites are serialized by
// locker.
func NewEngine(chain *cache.Chain, locker *lock.Locker, opts ...Option) *Engine {
	e := &Engine{
		chain:       chain,
		locker:      locker,
		logger:      zap.NewNop(),
		metrics:     nopMetrics{},
		maxItems:    DefaultMaxItems,
		pruneChance: DefaultPruneChance,
		rand:        rand.Float64,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxItems returns the retention cap.
func (e *Engine) MaxItems() int { return e.maxItems }

// Chain returns the cache chain queries read through.
func (e *Engine) Chain() *cache.Chain { return e.chain }

// Locker returns the locker guarding row rewrites.
func (e *Engine) Locker() *lock.Locker { return e.locker }

// LockName is the lock guarding the row of key.
func LockName(key string) string { return "modify_query(" + key + ")" }

// Family is the listing family of key, the part before the first dot.
// Metrics are labelled by family to keep cardinality bounded.
func Family(key string) string {
	family, _, _ := strings.Cut(key, ".")
	return family
}

// FetchMulti fetches every query with one cache round trip per chain.
// Already fetched queries are skipped unless force is set. Forced fetches
// bypass request-scoped tiers.
func (e *Engine) FetchMulti(ctx context.Context, queries []*Query, force bool) error {
	return e.fetchMulti(ctx, queries, force, true)
}

func (e *Engine) fetchMulti(ctx context.Context, queries []*Query, force, recompute bool) error {
	groups := make(map[*cache.Chain][]*Query)
	var order []*cache.Chain
	for _, q := range queries {
		if !force && q.isFetched() {
			continue
		}
		if _, ok := groups[q.chain]; !ok {
			order = append(order, q.chain)
		}
		groups[q.chain] = append(groups[q.chain], q)
	}

	var errs []error
	for _, c := range order {
		group := groups[c]
		if force {
			c = c.WithoutLocal()
		}
		keys := make([]string, 0, len(group))
		seen := make(map[string]struct{}, len(group))
		for _, q := range group {
			if _, ok := seen[q.def.Key]; !ok {
				seen[q.def.Key] = struct{}{}
				keys = append(keys, q.def.Key)
			}
		}

		rows, err := c.GetMulti(ctx, keys)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to fetch %d queries: %w", len(keys), err))
			continue
		}

		for _, q := range group {
			entries, ok := e.decode(q, rows[q.def.Key])
			if !ok && recompute && !q.def.Precomputed && e.store != nil {
				res, err := e.recompute(ctx, q)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if res.persistErr != nil {
					e.logger.Warn("Failed to persist recomputed query",
						zap.String("key", q.def.Key), zap.Error(res.persistErr))
				}
				entries = res.entries
			}
			q.set(entries)
		}
	}
	return errors.Join(errs...)
}

// decode parses a cached row. A missing or stale row reports false.
func (e *Engine) decode(q *Query, data []byte) ([]tuple.Entry, bool) {
	if data == nil || cache.IsNegative(data) {
		return nil, false
	}
	entries, err := tuple.DecodeRow(q.def.Sort, data)
	if err != nil {
		e.logger.Warn("Discarding stale query row", zap.String("key", q.def.Key), zap.Error(err))
		e.metrics.StaleRow(Family(q.def.Key))
		return nil, false
	}
	tuple.SortEntries(q.def.Sort, entries)
	return entries, true
}

type recomputed struct {
	entries    []tuple.Entry
	persistErr error
}

// recompute runs the query against the store and rewrites its row. The
// store call happens before the row lock is taken. Concurrent recomputes
// of one key share a single store call.
func (e *Engine) recompute(ctx context.Context, q *Query) (recomputed, error) {
	if e.store == nil {
		return recomputed{}, fmt.Errorf("%w: %s", ErrNoStore, q.def.Key)
	}
	v, err, _ := e.flight.Do(q.def.Key, func() (any, error) {
		start := time.Now()
		items, err := e.store.RunQuery(ctx, q.def.Criteria, q.def.Sort, e.maxItems)
		if err != nil {
			e.metrics.Recomputed(Family(q.def.Key), time.Since(start), err)
			e.logger.Error("Failed to recompute query", zap.String("key", q.def.Key), zap.Error(err))
			return nil, fmt.Errorf("failed to recompute %s: %w", q.def.Key, err)
		}
		ts, err := tuple.EncodeAll(q.def.Sort, q.def.Filter, items)
		if err != nil {
			e.metrics.Recomputed(Family(q.def.Key), time.Since(start), err)
			return nil, fmt.Errorf("failed to encode %s: %w", q.def.Key, err)
		}
		entries := e.normalize(q.def.Sort, e.stamp(ts), true)

		persistErr := e.locker.With(ctx, func(ctx context.Context) error {
			return e.writeRow(ctx, q, entries)
		}, LockName(q.def.Key))
		e.metrics.Recomputed(Family(q.def.Key), time.Since(start), nil)
		e.logger.Debug("Recomputed query", zap.String("key", q.def.Key), zap.Int("items", len(entries)))
		return recomputed{entries: entries, persistErr: persistErr}, nil
	})
	if err != nil {
		return recomputed{}, err
	}
	res := v.(recomputed)
	res.entries = append([]tuple.Entry(nil), res.entries...)
	return res, nil
}

// readRow loads the row of q from the authoritative tier. Callers hold
// the row lock.
func (e *Engine) readRow(ctx context.Context, q *Query) ([]tuple.Entry, bool, error) {
	data, err := q.chain.Authoritative().Get(ctx, q.def.Key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", q.def.Key, err)
	}
	entries, ok := e.decode(q, data)
	return entries, ok, nil
}

// readRows is readRow for many queries sharing one chain.
func (e *Engine) readRows(ctx context.Context, c *cache.Chain, queries []*Query) (map[string][]tuple.Entry, error) {
	keys := make([]string, len(queries))
	for i, q := range queries {
		keys[i] = q.def.Key
	}
	rows, err := c.Authoritative().GetMulti(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to read %d queries: %w", len(keys), err)
	}
	out := make(map[string][]tuple.Entry, len(queries))
	for _, q := range queries {
		if entries, ok := e.decode(q, rows[q.def.Key]); ok {
			out[q.def.Key] = entries
		}
	}
	return out, nil
}

func (e *Engine) writeRow(ctx context.Context, q *Query, entries []tuple.Entry) error {
	data, err := tuple.EncodeRow(q.def.Sort, entries)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", q.def.Key, err)
	}
	return q.chain.SetDurable(ctx, q.def.Key, data, 0)
}

func (e *Engine) stamp(ts []tuple.Tuple) []tuple.Entry {
	now := e.now().UnixNano()
	out := make([]tuple.Entry, len(ts))
	for i, t := range ts {
		out[i] = tuple.Entry{Tuple: t, Written: now}
	}
	return out
}

// normalize dedupes entries keeping the first occurrence, sorts them and,
// if truncate is set, cuts them to the retention cap.
func (e *Engine) normalize(spec tuple.Spec, entries []tuple.Entry, truncate bool) []tuple.Entry {
	seen := make(map[string]struct{}, len(entries))
	out := make([]tuple.Entry, 0, len(entries))
	for _, en := range entries {
		if _, ok := seen[en.Tuple.ID]; ok {
			continue
		}
		seen[en.Tuple.ID] = struct{}{}
		out = append(out, en)
	}
	tuple.SortEntries(spec, out)
	if truncate && len(out) > e.maxItems {
		out = out[:e.maxItems]
	}
	return out
}

// merge overlays fresh onto cached. A fresh entry replaces a cached one
// with the same id; among fresh entries the last one wins.
func merge(cached, fresh []tuple.Entry) []tuple.Entry {
	out := make([]tuple.Entry, 0, len(cached)+len(fresh))
	replaced := make(map[string]struct{}, len(fresh))
	for i := len(fresh) - 1; i >= 0; i-- {
		if _, ok := replaced[fresh[i].Tuple.ID]; ok {
			continue
		}
		replaced[fresh[i].Tuple.ID] = struct{}{}
		out = append(out, fresh[i])
	}
	for _, en := range cached {
		if _, ok := replaced[en.Tuple.ID]; !ok {
			out = append(out, en)
		}
	}
	return out
}

// remove drops entries whose id is in ids and reports how many went.
func remove(entries []tuple.Entry, ids map[string]struct{}) ([]tuple.Entry, int) {
	out := entries[:0:0]
	for _, en := range entries {
		if _, ok := ids[en.Tuple.ID]; !ok {
			out = append(out, en)
		}
	}
	return out, len(entries) - len(out)
}
