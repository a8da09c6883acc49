package querycache

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"go.uber.org/zap"

	"github.com/afterdarksys/querycached/pkg/cache"
	"github.com/afterdarksys/querycached/pkg/store"
	"github.com/afterdarksys/querycached/pkg/thing"
	"github.com/afterdarksys/querycached/pkg/tuple"
)

// Def describes a cached listing.
type Def struct {
	// Key is the cache key of the row, e.g. "links.pics.hot.all".
	Key string
	// Sort is the order of the listing, highest ranked first.
	Sort tuple.Spec
	// Filter picks the entity whose id is stored, such as the second side
	// of a relation. Nil stores the item itself.
	Filter thing.Filter
	// Criteria recomputes the listing from the primary store.
	Criteria store.Criteria
	// Precomputed listings are only ever filled by batch recomputes.
	Precomputed bool
}

// insertable are the orderings where a new item's position is decided by
// its own attributes.
var insertable = []tuple.Spec{
	{tuple.Desc("date")},
	{tuple.Desc("hot"), tuple.Desc("date")},
	{tuple.Desc("score"), tuple.Desc("date")},
	{tuple.Desc("controversy"), tuple.Desc("date")},
}

// Query is a cached listing. It starts unfetched; Fetch loads its row and
// later writes keep the in-memory copy in step with what was persisted.
// A Query is safe for concurrent use.
type Query struct {
	def   Def
	eng   *Engine
	chain *cache.Chain

	mu      sync.Mutex
	fetched bool
	entries []tuple.Entry
}

// Query returns the listing described by def. An empty key or sort is a
// programming error.
func (e *Engine) Query(def Def) *Query {
	if def.Key == "" {
		panic("querycache: query without key")
	}
	if len(def.Sort) == 0 {
		panic(fmt.Sprintf("querycache: query %s without sort", def.Key))
	}
	if def.Filter == nil {
		def.Filter = thing.Identity
	}
	return &Query{def: def, eng: e, chain: e.chain}
}

// WithLocal returns an unfetched copy of q that reads through tier before
// the shared tiers. tier is typically a request cache.
func (q *Query) WithLocal(tier cache.Cache) *Query {
	return &Query{def: q.def, eng: q.eng, chain: q.chain.Local(tier)}
}

func (q *Query) Key() string              { return q.def.Key }
func (q *Query) Sort() tuple.Spec         { return q.def.Sort }
func (q *Query) Criteria() store.Criteria { return q.def.Criteria }
func (q *Query) IsPrecomputed() bool      { return q.def.Precomputed }

func (q *Query) String() string { return fmt.Sprintf("Query(%s, %s)", q.def.Key, q.def.Sort) }

// CanInsert reports whether items can be added without recomputing. Only
// orderings led by a monotonic attribute with date as tiebreak qualify,
// and only without a time window.
func (q *Query) CanInsert() bool {
	if q.def.Precomputed || q.def.Criteria.Window > 0 {
		return false
	}
	for _, spec := range insertable {
		if spec.Equal(q.def.Sort) {
			return true
		}
	}
	return false
}

// CanDelete is always true.
func (q *Query) CanDelete() bool { return true }

// Fetch loads the row if q is unfetched or force is set. A miss on a
// listing that is not precomputed is recomputed from the store.
func (q *Query) Fetch(ctx context.Context, force bool) error {
	return q.eng.FetchMulti(ctx, []*Query{q}, force)
}

// Update recomputes q from the store and replaces its row, whether or not
// the listing is precomputed.
func (q *Query) Update(ctx context.Context) error {
	res, err := q.eng.recompute(ctx, q)
	if err != nil {
		return err
	}
	q.set(res.entries)
	return res.persistErr
}

// Replace writes ts as the whole row of q. It is used by batch recomputes
// that render tuples themselves.
func (q *Query) Replace(ctx context.Context, ts []tuple.Tuple) error {
	e := q.eng
	entries := e.normalize(q.def.Sort, e.stamp(ts), true)
	err := e.locker.With(ctx, func(ctx context.Context) error {
		return e.writeRow(ctx, q, entries)
	}, LockName(q.def.Key))
	if err != nil {
		return err
	}
	q.set(entries)
	return nil
}

// Insert merges items into the row. An item already in the listing takes
// its new sort values. The row is sorted, cut to the retention cap and
// rewritten under the row lock.
func (q *Query) Insert(ctx context.Context, items ...thing.Entity) error {
	if !q.CanInsert() {
		return fmt.Errorf("%w: %s", ErrCannotInsert, q)
	}
	if len(items) == 0 {
		return nil
	}
	e := q.eng
	ts, err := tuple.EncodeAll(q.def.Sort, q.def.Filter, items)
	if err != nil {
		return err
	}
	fresh := e.stamp(ts)

	return e.locker.With(ctx, func(ctx context.Context) error {
		cached, ok, err := e.readRow(ctx, q)
		if err != nil {
			return err
		}
		if !ok && e.store != nil {
			// the next read recomputes the whole listing
			e.logger.Debug("Query not cached, skipping insert", zap.String("key", q.def.Key))
			q.reset()
			return nil
		}
		if e.belowCap(q.def.Sort, cached, fresh) {
			q.set(cached)
			return nil
		}

		e.logger.Debug("Inserting into query", zap.String("key", q.def.Key), zap.Int("count", len(fresh)))
		entries := e.normalize(q.def.Sort, merge(cached, fresh), true)
		if err := e.writeRow(ctx, q, entries); err != nil {
			return err
		}
		e.metrics.Inserted(Family(q.def.Key), len(fresh))
		q.set(entries)
		return nil
	}, LockName(q.def.Key))
}

// belowCap reports whether a full row would not change: every fresh
// entry is new and ranks below the last retained one.
func (e *Engine) belowCap(spec tuple.Spec, cached, fresh []tuple.Entry) bool {
	if len(cached) < e.maxItems {
		return false
	}
	last := cached[e.maxItems-1].Tuple
	present := make(map[string]struct{}, len(cached))
	for _, en := range cached {
		present[en.Tuple.ID] = struct{}{}
	}
	for _, f := range fresh {
		if _, ok := present[f.Tuple.ID]; ok {
			return false
		}
		if tuple.Compare(spec, f.Tuple, last) <= 0 {
			return false
		}
	}
	return true
}

// Delete removes items from the row. Nothing is written when none of them
// were cached.
func (q *Query) Delete(ctx context.Context, items ...thing.Entity) error {
	if len(items) == 0 {
		return nil
	}
	e := q.eng
	ids := make(map[string]struct{}, len(items))
	for _, item := range items {
		ids[q.def.Filter(item).ID()] = struct{}{}
	}

	return e.locker.With(ctx, func(ctx context.Context) error {
		cached, ok, err := e.readRow(ctx, q)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		entries, n := remove(cached, ids)
		if n == 0 {
			q.set(cached)
			return nil
		}

		e.logger.Debug("Deleting from query", zap.String("key", q.def.Key), zap.Int("count", n))
		if err := e.writeRow(ctx, q, entries); err != nil {
			return err
		}
		e.metrics.Deleted(Family(q.def.Key), n)
		q.set(entries)
		return nil
	}, LockName(q.def.Key))
}

// Iterate yields the cached ids in order, at most the retention cap. An
// unfetched query is fetched first; a failed fetch yields nothing.
func (q *Query) Iterate(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		if err := q.Fetch(ctx, false); err != nil {
			q.eng.logger.Warn("Failed to fetch query", zap.String("key", q.def.Key), zap.Error(err))
			return
		}
		for _, t := range q.Tuples() {
			if !yield(t.ID) {
				return
			}
		}
	}
}

// IDs returns the cached ids in order, at most the retention cap.
func (q *Query) IDs() []string { return tuple.IDs(q.Tuples()) }

// Tuples returns the cached tuples in order, at most the retention cap.
func (q *Query) Tuples() []tuple.Tuple {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.entries
	if len(entries) > q.eng.maxItems {
		entries = entries[:q.eng.maxItems]
	}
	return tuple.Tuples(entries)
}

// Len is the number of cached entries, including any beyond the cap that
// are waiting to be pruned.
func (q *Query) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// IsFetched reports whether the row has been loaded.
func (q *Query) IsFetched() bool { return q.isFetched() }

func (q *Query) isFetched() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fetched
}

func (q *Query) set(entries []tuple.Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = entries
	q.fetched = true
}

func (q *Query) snapshot() []tuple.Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]tuple.Entry(nil), q.entries...)
}

// reset marks q unfetched so the next read goes back to the cache.
func (q *Query) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
	q.fetched = false
}
