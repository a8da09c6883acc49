package querycache

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"go.uber.org/zap"

	"github.com/afterdarksys/querycached/pkg/tuple"
)

// Merged is a read-only union of queries sharing one sort. Writes go to
// the member that owns the item.
type Merged struct {
	eng     *Engine
	sort    tuple.Spec
	queries []*Query
}

// Merge fetches every member in one batch and returns their union. Members
// with different sorts are a programming error. On a fetch error the union
// is still returned, holding whatever members did load.
func (e *Engine) Merge(ctx context.Context, queries ...*Query) (*Merged, error) {
	m := NewMerged(e, queries...)
	return m, e.FetchMulti(ctx, queries, false)
}

// NewMerged returns an unfetched union of queries.
func NewMerged(e *Engine, queries ...*Query) *Merged {
	if len(queries) == 0 {
		panic("querycache: merge of no queries")
	}
	sort := queries[0].def.Sort
	for _, q := range queries[1:] {
		if !q.def.Sort.Equal(sort) {
			panic(fmt.Sprintf("querycache: cannot merge %s with %s", queries[0], q))
		}
	}
	return &Merged{eng: e, sort: sort, queries: queries}
}

func (m *Merged) Sort() tuple.Spec { return m.sort }

// Queries returns the members.
func (m *Merged) Queries() []*Query { return append([]*Query(nil), m.queries...) }

// Fetch loads every member with one batch.
func (m *Merged) Fetch(ctx context.Context, force bool) error {
	return m.eng.FetchMulti(ctx, m.queries, force)
}

// Tuples returns the sorted union of the members. An id present in
// several members appears once, at its highest ranked position.
func (m *Merged) Tuples() []tuple.Tuple {
	var all []tuple.Tuple
	for _, q := range m.queries {
		all = append(all, q.Tuples()...)
	}
	tuple.Sort(m.sort, all)
	return tuple.Dedupe(all)
}

// IDs returns the ids of Tuples.
func (m *Merged) IDs() []string { return tuple.IDs(m.Tuples()) }

// Iterate yields the merged ids, fetching unfetched members first.
func (m *Merged) Iterate(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		if err := m.Fetch(ctx, false); err != nil {
			m.eng.logger.Warn("Failed to fetch merged query", zap.Error(err))
			return
		}
		for _, t := range m.Tuples() {
			if !yield(t.ID) {
				return
			}
		}
	}
}

// Update recomputes every member from the store.
func (m *Merged) Update(ctx context.Context) error {
	var errs []error
	for _, q := range m.queries {
		if err := q.Update(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
