package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/afterdarksys/querycached/pkg/thing"
	"github.com/afterdarksys/querycached/pkg/tuple"
)

// MemoryStore keeps entities in process. It backs tests and development
// setups where no database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	kinds    map[string]map[string]thing.Entity
	activity map[string]time.Time
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kinds:    make(map[string]map[string]thing.Entity),
		activity: make(map[string]time.Time),
		now:      time.Now,
	}
}

// SetClock replaces the clock used for relative windows.
func (m *MemoryStore) SetClock(now func() time.Time) { m.now = now }

func (m *MemoryStore) Put(_ context.Context, kind string, e thing.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.kinds[kind]
	if !ok {
		byID = make(map[string]thing.Entity)
		m.kinds[kind] = byID
	}
	byID[e.ID()] = e
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kinds[kind], id)
	return nil
}

func (m *MemoryStore) RunQuery(_ context.Context, c Criteria, spec tuple.Spec, limit int) ([]thing.Entity, error) {
	since, until := c.bounds(m.now())

	m.mu.RLock()
	var items []thing.Entity
	for _, e := range m.kinds[c.Kind] {
		ok, err := matches(e, c.Equals, since, until)
		if err != nil {
			m.mu.RUnlock()
			return nil, err
		}
		if ok {
			items = append(items, e)
		}
	}
	m.mu.RUnlock()

	type keyed struct {
		t tuple.Tuple
		e thing.Entity
	}
	rows := make([]keyed, 0, len(items))
	for _, e := range items {
		t, err := tuple.Encode(spec, thing.Identity, e)
		if err != nil {
			return nil, err
		}
		rows = append(rows, keyed{t, e})
	}
	// map iteration is random; break full ties on id
	slices.SortFunc(rows, func(a, b keyed) int {
		if c := tuple.Compare(spec, a.t, b.t); c != 0 {
			return c
		}
		return cmp.Compare(a.t.ID, b.t.ID)
	})

	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]thing.Entity, len(rows))
	for i, r := range rows {
		out[i] = r.e
	}
	return out, nil
}

func (m *MemoryStore) Touch(_ context.Context, subject string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if at.After(m.activity[subject]) {
		m.activity[subject] = at
	}
	return nil
}

func (m *MemoryStore) Subjects(_ context.Context, since time.Time) ([]Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Subject
	for id, at := range m.activity {
		if !at.Before(since) {
			out = append(out, Subject{ID: id, LastActivity: at})
		}
	}
	slices.SortFunc(out, func(a, b Subject) int {
		if c := b.LastActivity.Compare(a.LastActivity); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func matches(e thing.Entity, equals map[string]any, since, until time.Time) (bool, error) {
	for attr, want := range equals {
		got, ok := e.Attr(attr)
		if !ok {
			return false, nil
		}
		g, err := tuple.Normalize(got)
		if err != nil {
			return false, err
		}
		w, err := tuple.Normalize(want)
		if err != nil {
			return false, err
		}
		if g != w {
			return false, nil
		}
	}
	if since.IsZero() && until.IsZero() {
		return true, nil
	}
	raw, ok := e.Attr("date")
	if !ok {
		return false, nil
	}
	date, ok := raw.(time.Time)
	if !ok {
		return false, nil
	}
	if !since.IsZero() && date.Before(since) {
		return false, nil
	}
	if !until.IsZero() && !date.Before(until) {
		return false, nil
	}
	return true, nil
}
