package querycache

import (
	"context"
	"fmt"
	"math"
	"slices"

	"go.uber.org/zap"

	"github.com/afterdarksys/querycached/pkg/thing"
	"github.com/afterdarksys/querycached/pkg/tuple"
)

type opKind int

const (
	opInsert opKind = iota
	opDelete
)

type op struct {
	kind    opKind
	entries []tuple.Entry
	ids     map[string]struct{}
}

type pending struct {
	queries []*Query
	ops     []op
}

func (p *pending) query() *Query { return p.queries[0] }

// Mutator batches inserts and deletes across many queries and writes them
// with one multi-get and one multi-set. Unlike Query.Insert it does not
// cut rows to the retention cap; queries that grew are pruned after Send
// with a probability that shrinks with the batch size.
//
// A Mutator is not safe for concurrent use.
type Mutator struct {
	eng     *Engine
	pending map[string]*pending
	prune   map[string]*Query
}

// NewMutator starts an empty batch.
func (e *Engine) NewMutator() *Mutator {
	return &Mutator{
		eng:     e,
		pending: make(map[string]*pending),
		prune:   make(map[string]*Query),
	}
}

func (m *Mutator) add(q *Query, o op) {
	p, ok := m.pending[q.def.Key]
	if !ok {
		p = &pending{}
		m.pending[q.def.Key] = p
	}
	if !slices.Contains(p.queries, q) {
		p.queries = append(p.queries, q)
	}
	p.ops = append(p.ops, o)
}

// Insert queues items for q. Inserting into a precomputed query is a
// programming error and panics.
func (m *Mutator) Insert(q *Query, items ...thing.Entity) error {
	if q.def.Precomputed {
		panic(fmt.Sprintf("querycache: insert into precomputed %s", q))
	}
	if len(items) == 0 {
		return nil
	}
	ts, err := tuple.EncodeAll(q.def.Sort, q.def.Filter, items)
	if err != nil {
		return err
	}
	m.add(q, op{kind: opInsert, entries: m.eng.stamp(ts)})

	if m.eng.rand() < m.eng.pruneChance/float64(len(items)) {
		m.prune[q.def.Key] = q
	}
	return nil
}

// Delete queues the removal of items from q.
func (m *Mutator) Delete(q *Query, items ...thing.Entity) {
	if len(items) == 0 {
		return
	}
	ids := make(map[string]struct{}, len(items))
	for _, item := range items {
		ids[q.def.Filter(item).ID()] = struct{}{}
	}
	m.add(q, op{kind: opDelete, ids: ids})
}

// Send writes the batch. Every touched row is locked, read, changed and
// written back in one pass, then prune candidates are trimmed. The
// Mutator is empty afterwards.
func (m *Mutator) Send(ctx context.Context) error {
	batch, prune := m.pending, m.prune
	m.pending = make(map[string]*pending)
	m.prune = make(map[string]*Query)

	if len(batch) > 0 {
		if err := m.eng.flush(ctx, batch); err != nil {
			return err
		}
	}
	if len(prune) == 0 {
		return nil
	}
	queries := make([]*Query, 0, len(prune))
	for _, key := range sortedKeys(prune) {
		queries = append(queries, prune[key])
	}
	return m.eng.prune(ctx, queries)
}

func (e *Engine) flush(ctx context.Context, batch map[string]*pending) error {
	keys := sortedKeys(batch)
	names := make([]string, len(keys))
	queries := make([]*Query, len(keys))
	for i, key := range keys {
		names[i] = LockName(key)
		queries[i] = batch[key].query()
	}

	return e.locker.With(ctx, func(ctx context.Context) error {
		rows, err := e.readRows(ctx, e.chain, queries)
		if err != nil {
			return err
		}

		writes := make(map[string][]byte, len(keys))
		results := make(map[string][]tuple.Entry, len(keys))
		counts := make(map[string][2]int, len(keys))
		var inserted, deleted int
		for _, key := range keys {
			p := batch[key]
			q := p.query()
			cached, ok := rows[key]
			if !ok && e.store != nil {
				e.logger.Debug("Query not cached, skipping batch", zap.String("key", key))
				continue
			}

			entries := cached
			var ins, del int
			for _, o := range p.ops {
				switch o.kind {
				case opInsert:
					entries = merge(entries, o.entries)
					ins += len(o.entries)
				case opDelete:
					var n int
					entries, n = remove(entries, o.ids)
					del += n
				}
			}
			if ins == 0 && del == 0 {
				continue
			}
			inserted += ins
			deleted += del
			counts[key] = [2]int{ins, del}

			entries = e.normalize(q.def.Sort, entries, false)
			data, err := tuple.EncodeRow(q.def.Sort, entries)
			if err != nil {
				return fmt.Errorf("failed to encode %s: %w", key, err)
			}
			writes[key] = data
			results[key] = entries
		}
		if len(writes) == 0 {
			return nil
		}

		e.logger.Debug("Writing query batch", zap.Int("queries", len(writes)),
			zap.Int("inserted", inserted), zap.Int("deleted", deleted))
		if err := e.chain.SetMultiDurable(ctx, writes, 0); err != nil {
			return err
		}
		for key, entries := range results {
			for _, q := range batch[key].queries {
				q.set(entries)
			}
			if c := counts[key]; c[0] > 0 {
				e.metrics.Inserted(Family(key), c[0])
			}
			if c := counts[key]; c[1] > 0 {
				e.metrics.Deleted(Family(key), c[1])
			}
		}
		return nil
	}, names...)
}

// pruneBatch caps how many entries one prune pass removes from a row: twice
// the number of inserts expected between two passes.
func (e *Engine) pruneBatch() int {
	if e.pruneChance <= 0 {
		return e.maxItems
	}
	return 2 * int(math.Ceil(1/e.pruneChance))
}

// prune trims rows beyond the retention cap. Victims are chosen from a
// forced fetch and removed under the row lock only if their write stamp is
// unchanged, so an entry rewritten since the fetch survives.
func (e *Engine) prune(ctx context.Context, queries []*Query) error {
	if err := e.fetchMulti(ctx, queries, true, false); err != nil {
		return err
	}

	limit := e.pruneBatch()
	victims := make(map[string]map[string]int64)
	var targets []*Query
	var names []string
	for _, q := range queries {
		entries := q.snapshot()
		if len(entries) <= e.maxItems {
			continue
		}
		extra := entries[e.maxItems:]
		if len(extra) > limit {
			extra = extra[len(extra)-limit:]
		}
		v := make(map[string]int64, len(extra))
		for _, en := range extra {
			v[en.Tuple.ID] = en.Written
		}
		victims[q.def.Key] = v
		targets = append(targets, q)
		names = append(names, LockName(q.def.Key))
	}
	if len(targets) == 0 {
		return nil
	}

	return e.locker.With(ctx, func(ctx context.Context) error {
		rows, err := e.readRows(ctx, e.chain, targets)
		if err != nil {
			return err
		}

		writes := make(map[string][]byte, len(targets))
		results := make(map[string][]tuple.Entry, len(targets))
		for _, q := range targets {
			cached, ok := rows[q.def.Key]
			if !ok {
				continue
			}
			v := victims[q.def.Key]
			kept := make([]tuple.Entry, 0, len(cached))
			for _, en := range cached {
				if ts, ok := v[en.Tuple.ID]; ok && ts == en.Written {
					continue
				}
				kept = append(kept, en)
			}
			if len(kept) == len(cached) {
				continue
			}
			data, err := tuple.EncodeRow(q.def.Sort, kept)
			if err != nil {
				return fmt.Errorf("failed to encode %s: %w", q.def.Key, err)
			}
			writes[q.def.Key] = data
			results[q.def.Key] = kept
		}
		if err := e.chain.SetMultiDurable(ctx, writes, 0); err != nil {
			return err
		}

		for _, q := range targets {
			kept, ok := results[q.def.Key]
			if !ok {
				continue
			}
			n := len(rows[q.def.Key]) - len(kept)
			e.logger.Debug("Pruned query", zap.String("key", q.def.Key), zap.Int("count", n))
			e.metrics.Pruned(Family(q.def.Key), n)
			q.set(kept)
		}
		return nil
	}, names...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
