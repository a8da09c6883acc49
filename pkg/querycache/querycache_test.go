package querycache

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afterdarksys/querycached/pkg/cache"
	"github.com/afterdarksys/querycached/pkg/lock"
	"github.com/afterdarksys/querycached/pkg/store"
	"github.com/afterdarksys/querycached/pkg/thing"
	"github.com/afterdarksys/querycached/pkg/tuple"
)

var (
	t0      = time.Unix(1700000000, 0)
	topSort = tuple.Spec{tuple.Desc("score"), tuple.Desc("date")}
)

func rec(id string, score int, date time.Time) *thing.Record {
	return &thing.Record{Name: id, Attrs: map[string]any{"score": score, "date": date}}
}

// countingTier counts row traffic and can run a hook before GetMulti.
type countingTier struct {
	*cache.MemoryCache
	mu        sync.Mutex
	getMultis int
	sets      int
	setMultis int
	before    func(call int)
}

func newCountingTier() *countingTier {
	return &countingTier{MemoryCache: cache.NewMemoryCache(10000, 0)}
}

func (c *countingTier) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	c.mu.Lock()
	c.getMultis++
	call, hook := c.getMultis, c.before
	c.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	return c.MemoryCache.GetMulti(ctx, keys)
}

func (c *countingTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	c.sets++
	c.mu.Unlock()
	return c.MemoryCache.Set(ctx, key, value, ttl)
}

func (c *countingTier) SetMulti(ctx context.Context, values map[string][]byte, ttl time.Duration) error {
	c.mu.Lock()
	c.setMultis++
	c.mu.Unlock()
	return c.MemoryCache.SetMulti(ctx, values, ttl)
}

func (c *countingTier) counts() (getMultis, sets, setMultis int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getMultis, c.sets, c.setMultis
}

func (c *countingTier) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getMultis, c.sets, c.setMultis = 0, 0, 0
	c.before = nil
}

type recorder struct {
	mu         sync.Mutex
	recomputed int
	inserted   int
	deleted    int
	pruned     int
	stale      int
}

func (r *recorder) Recomputed(string, time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recomputed++
}

func (r *recorder) Inserted(_ string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserted += n
}

func (r *recorder) Deleted(_ string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted += n
}

func (r *recorder) Pruned(_ string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruned += n
}

func (r *recorder) StaleRow(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stale++
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recomputed, r.inserted, r.deleted, r.pruned, r.stale = 0, 0, 0, 0, 0
}

func newEngine(t *testing.T, opts ...Option) (*Engine, *countingTier) {
	t.Helper()
	tier := newCountingTier()
	chain, err := cache.NewChain([]cache.Cache{tier})
	require.NoError(t, err)
	opts = append([]Option{WithClock(func() time.Time { return t0 })}, opts...)
	return NewEngine(chain, lock.New(tier), opts...), tier
}

func TestInsertAndDeleteScenarios(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	q := e.Query(Def{Key: "links.pics.top.all", Sort: topSort})

	a := rec("A", 10, t0.Add(-3*time.Hour))
	b := rec("B", 5, t0.Add(-2*time.Hour))
	c := rec("C", 10, t0.Add(-time.Hour))

	require.NoError(t, q.Insert(ctx, a, b))
	assert.Equal(t, []string{"A", "B"}, q.IDs())

	require.NoError(t, q.Insert(ctx, c))
	assert.Equal(t, []string{"C", "A", "B"}, q.IDs())

	require.NoError(t, q.Delete(ctx, a))
	assert.Equal(t, []string{"C", "B"}, q.IDs())

	// a second reader sees the persisted row
	other := e.Query(Def{Key: "links.pics.top.all", Sort: topSort})
	require.NoError(t, other.Fetch(ctx, false))
	assert.Equal(t, []string{"C", "B"}, other.IDs())
}

func TestInsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	q := e.Query(Def{Key: "k", Sort: topSort})

	a := rec("A", 3, t0)
	require.NoError(t, q.Insert(ctx, a))
	require.NoError(t, q.Insert(ctx, a))
	require.NoError(t, q.Insert(ctx, a, a))
	assert.Equal(t, []string{"A"}, q.IDs())
}

func TestInsertLastWriteWins(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	q := e.Query(Def{Key: "k", Sort: topSort})

	require.NoError(t, q.Insert(ctx, rec("A", 1, t0), rec("B", 5, t0)))
	assert.Equal(t, []string{"B", "A"}, q.IDs())

	require.NoError(t, q.Insert(ctx, rec("A", 10, t0)))
	assert.Equal(t, []string{"A", "B"}, q.IDs())
	assert.Equal(t, float64(10), q.Tuples()[0].Values[0])
}

func TestInsertStoresFilteredID(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	q := e.Query(Def{Key: "saved.t2_1", Sort: tuple.Spec{tuple.Desc("date")}, Filter: thing.SecondSide})

	acct := &thing.Account{AccountID: 1}
	link := &thing.Link{LinkID: 7, Date: t0}
	save := &thing.Rel{Name: "save", From: acct, To: link, Date: t0}

	require.NoError(t, q.Insert(ctx, save))
	assert.Equal(t, []string{link.ID()}, q.IDs())

	require.NoError(t, q.Delete(ctx, save))
	assert.Empty(t, q.IDs())
}

func TestInsertTruncatesAndShortCircuits(t *testing.T) {
	ctx := context.Background()
	e, tier := newEngine(t, WithMaxItems(3))
	q := e.Query(Def{Key: "k", Sort: topSort})

	for i := 1; i <= 5; i++ {
		require.NoError(t, q.Insert(ctx, rec(fmt.Sprintf("i%d", i), i*10, t0)))
	}
	assert.Equal(t, []string{"i5", "i4", "i3"}, q.IDs())
	assert.Equal(t, 3, q.Len())

	tier.reset()
	require.NoError(t, q.Insert(ctx, rec("low", 1, t0)))
	_, sets, _ := tier.counts()
	assert.Zero(t, sets, "an item ranking below a full row is not written")
	assert.Equal(t, []string{"i5", "i4", "i3"}, q.IDs())

	// an existing item dropping below the tail still rewrites the row
	require.NoError(t, q.Insert(ctx, rec("i4", 2, t0)))
	assert.Equal(t, []string{"i5", "i3", "i4"}, q.IDs())
}

func TestCanInsert(t *testing.T) {
	e, _ := newEngine(t)
	tests := []struct {
		name string
		def  Def
		want bool
	}{
		{"new", Def{Key: "k", Sort: tuple.Spec{tuple.Desc("date")}}, true},
		{"hot", Def{Key: "k", Sort: tuple.Spec{tuple.Desc("hot"), tuple.Desc("date")}}, true},
		{"top", Def{Key: "k", Sort: topSort}, true},
		{"controversial", Def{Key: "k", Sort: tuple.Spec{tuple.Desc("controversy"), tuple.Desc("date")}}, true},
		{"top without tiebreak", Def{Key: "k", Sort: tuple.Spec{tuple.Desc("score")}}, false},
		{"ascending", Def{Key: "k", Sort: tuple.Spec{tuple.Asc("date")}}, false},
		{"windowed", Def{Key: "k", Sort: topSort, Criteria: store.Criteria{Window: time.Hour}}, false},
		{"precomputed", Def{Key: "k", Sort: topSort, Precomputed: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := e.Query(tt.def)
			assert.Equal(t, tt.want, q.CanInsert())
			assert.True(t, q.CanDelete())
		})
	}
}

func TestInsertRejectsWindowedQuery(t *testing.T) {
	e, _ := newEngine(t)
	q := e.Query(Def{Key: "k", Sort: topSort, Criteria: store.Criteria{Window: 24 * time.Hour}})
	err := q.Insert(context.Background(), rec("A", 1, t0))
	assert.ErrorIs(t, err, ErrCannotInsert)
}

func TestDeleteSkipsWriteWhenNothingRemoved(t *testing.T) {
	ctx := context.Background()
	e, tier := newEngine(t)
	q := e.Query(Def{Key: "k", Sort: topSort})
	require.NoError(t, q.Insert(ctx, rec("A", 1, t0)))

	tier.reset()
	require.NoError(t, q.Delete(ctx, rec("missing", 1, t0)))
	_, sets, setMultis := tier.counts()
	assert.Zero(t, sets+setMultis)
	assert.Equal(t, []string{"A"}, q.IDs())
}

func seededStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	s.SetClock(func() time.Time { return t0 })
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		l := &thing.Link{LinkID: int64(i), SubredditID: 1, Date: t0.Add(-time.Duration(i) * time.Hour), Ups: i}
		require.NoError(t, s.Put(ctx, "link", l))
	}
	return s
}

func TestFetchMissRecomputesFromStore(t *testing.T) {
	ctx := context.Background()
	rc := &recorder{}
	e, tier := newEngine(t, WithStore(seededStore(t)), WithMetrics(rc))
	def := Def{
		Key:      "links.1.new",
		Sort:     tuple.Spec{tuple.Desc("date")},
		Criteria: store.Criteria{Kind: "link", Equals: map[string]any{"sr_id": 1}},
	}

	q := e.Query(def)
	require.NoError(t, q.Fetch(ctx, false))
	assert.Equal(t, []string{"t3_1", "t3_2", "t3_3", "t3_4"}, q.IDs())
	assert.Equal(t, 1, rc.recomputed)

	raw, err := tier.Get(ctx, "links.1.new")
	require.NoError(t, err)
	entries, err := tuple.DecodeRow(def.Sort, raw)
	require.NoError(t, err)
	assert.Len(t, entries, 4)

	// fetched once, later fetches are no-ops until forced
	require.NoError(t, q.Fetch(ctx, false))
	require.NoError(t, e.Query(def).Fetch(ctx, false))
	assert.Equal(t, 1, rc.recomputed)
}

func TestPrecomputedMissStaysEmpty(t *testing.T) {
	ctx := context.Background()
	rc := &recorder{}
	e, _ := newEngine(t, WithStore(seededStore(t)), WithMetrics(rc))
	def := Def{
		Key:         "links.1.top.week",
		Sort:        topSort,
		Criteria:    store.Criteria{Kind: "link", Equals: map[string]any{"sr_id": 1}, Window: 7 * 24 * time.Hour},
		Precomputed: true,
	}

	q := e.Query(def)
	require.NoError(t, q.Fetch(ctx, false))
	assert.True(t, q.IsFetched())
	assert.Empty(t, q.IDs())
	assert.Zero(t, rc.recomputed)

	require.NoError(t, q.Update(ctx))
	assert.Equal(t, []string{"t3_4", "t3_3", "t3_2", "t3_1"}, q.IDs())

	fresh := e.Query(def)
	require.NoError(t, fresh.Fetch(ctx, false))
	assert.Equal(t, q.IDs(), fresh.IDs())
}

func TestStaleRowIsAMiss(t *testing.T) {
	ctx := context.Background()
	rc := &recorder{}
	e, tier := newEngine(t, WithMetrics(rc))

	old, err := tuple.EncodeRow(tuple.Spec{tuple.Desc("date")}, []tuple.Entry{
		{Tuple: tuple.Tuple{ID: "A", Values: []any{float64(1)}}},
	})
	require.NoError(t, err)
	require.NoError(t, tier.Set(ctx, "k", old, 0))

	q := e.Query(Def{Key: "k", Sort: topSort})
	require.NoError(t, q.Fetch(ctx, false))
	assert.Empty(t, q.IDs())
	assert.Equal(t, 1, rc.stale)

	withStore, _ := newEngine(t, WithStore(seededStore(t)))
	require.NoError(t, withStore.chain.Authoritative().Set(ctx, "k", old, 0))
	q = withStore.Query(Def{Key: "k", Sort: topSort, Criteria: store.Criteria{Kind: "link"}})
	require.NoError(t, q.Fetch(ctx, false))
	assert.Len(t, q.IDs(), 4, "a stale row is recomputed")
}

type failingStore struct{}

func (failingStore) RunQuery(context.Context, store.Criteria, tuple.Spec, int) ([]thing.Entity, error) {
	return nil, fmt.Errorf("store unavailable")
}

func TestFailedRecomputeLeavesQueryRetryable(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, WithStore(failingStore{}))
	q := e.Query(Def{Key: "k", Sort: topSort, Criteria: store.Criteria{Kind: "link"}})

	assert.Error(t, q.Fetch(ctx, false))
	assert.False(t, q.IsFetched())
	assert.Empty(t, func() []string {
		var ids []string
		for id := range q.Iterate(ctx) {
			ids = append(ids, id)
		}
		return ids
	}())
}

type blockingStore struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan struct{}
}

func (b *blockingStore) RunQuery(ctx context.Context, _ store.Criteria, _ tuple.Spec, _ int) ([]thing.Entity, error) {
	b.mu.Lock()
	b.calls++
	first := b.calls == 1
	b.mu.Unlock()
	if first {
		close(b.started)
	}
	<-b.release
	return []thing.Entity{rec("A", 1, t0)}, nil
}

func TestConcurrentMissesShareOneRecompute(t *testing.T) {
	ctx := context.Background()
	bs := &blockingStore{started: make(chan struct{}), release: make(chan struct{})}
	e, _ := newEngine(t, WithStore(bs))
	def := Def{Key: "k", Sort: topSort, Criteria: store.Criteria{Kind: "link"}}

	var wg sync.WaitGroup
	results := make([][]string, 4)
	for i := range results {
		if i == 1 {
			<-bs.started
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q := e.Query(def)
			if assert.NoError(t, q.Fetch(ctx, false)) {
				results[i] = q.IDs()
			}
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(bs.release)
	wg.Wait()

	assert.Equal(t, 1, bs.calls)
	for _, ids := range results {
		assert.Equal(t, []string{"A"}, ids)
	}
}

func TestFetchMultiUsesOneRoundTrip(t *testing.T) {
	ctx := context.Background()
	e, tier := newEngine(t)
	a := e.Query(Def{Key: "a", Sort: topSort})
	b := e.Query(Def{Key: "b", Sort: topSort})
	c := e.Query(Def{Key: "c", Sort: topSort})
	require.NoError(t, a.Insert(ctx, rec("A", 1, t0)))
	require.NoError(t, b.Insert(ctx, rec("B", 1, t0)))

	readers := []*Query{e.Query(Def{Key: "a", Sort: topSort}), e.Query(Def{Key: "b", Sort: topSort}), c}
	tier.reset()
	require.NoError(t, e.FetchMulti(ctx, readers, false))
	getMultis, _, _ := tier.counts()
	assert.Equal(t, 1, getMultis)
	assert.Equal(t, []string{"A"}, readers[0].IDs())
	assert.Equal(t, []string{"B"}, readers[1].IDs())
	assert.Empty(t, readers[2].IDs())

	require.NoError(t, e.FetchMulti(ctx, readers, false))
	getMultis, _, _ = tier.counts()
	assert.Equal(t, 1, getMultis, "fetched queries are not read again")

	require.NoError(t, e.FetchMulti(ctx, readers, true))
	getMultis, _, _ = tier.counts()
	assert.Equal(t, 2, getMultis)
}

func TestWithLocalReadsRequestTierFirst(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	shared := e.Query(Def{Key: "k", Sort: topSort})
	require.NoError(t, shared.Insert(ctx, rec("A", 1, t0)))

	req := cache.NewRequestCache()
	q := shared.WithLocal(req)
	assert.False(t, q.IsFetched())
	require.NoError(t, q.Fetch(ctx, false))
	assert.Equal(t, []string{"A"}, q.IDs())

	_, err := req.Get(ctx, "k")
	assert.NoError(t, err, "the hit is backfilled into the request tier")
}

func TestIterateTruncatesAndRestarts(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, WithMaxItems(2), WithRand(func() float64 { return 0.999 }))
	q := e.Query(Def{Key: "k", Sort: topSort})

	m := e.NewMutator()
	require.NoError(t, m.Insert(q, rec("A", 3, t0), rec("B", 2, t0), rec("C", 1, t0)))
	require.NoError(t, m.Send(ctx))
	assert.Equal(t, 3, q.Len(), "batched inserts are not truncated")

	collect := func() []string {
		var ids []string
		for id := range q.Iterate(ctx) {
			ids = append(ids, id)
		}
		return ids
	}
	assert.Equal(t, []string{"A", "B"}, collect())
	assert.Equal(t, []string{"A", "B"}, collect())

	for id := range q.Iterate(ctx) {
		assert.Equal(t, "A", id)
		break
	}
}

func TestMergedScenario(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	asc := tuple.Spec{tuple.Asc("n")}
	q1 := e.Query(Def{Key: "q1", Sort: asc})
	q2 := e.Query(Def{Key: "q2", Sort: asc})
	require.NoError(t, q1.Replace(ctx, []tuple.Tuple{{ID: "X", Values: []any{1.0}}, {ID: "Y", Values: []any{2.0}}}))
	require.NoError(t, q2.Replace(ctx, []tuple.Tuple{{ID: "Y", Values: []any{2.0}}, {ID: "Z", Values: []any{3.0}}}))

	m, err := e.Merge(ctx, e.Query(Def{Key: "q1", Sort: asc}), e.Query(Def{Key: "q2", Sort: asc}))
	require.NoError(t, err)
	assert.Equal(t, []string{"X", "Y", "Z"}, m.IDs())

	var ids []string
	for id := range m.Iterate(ctx) {
		ids = append(ids, id)
	}
	assert.Equal(t, []string{"X", "Y", "Z"}, ids)
}

func TestMergeRejectsDifferentSorts(t *testing.T) {
	e, _ := newEngine(t)
	a := e.Query(Def{Key: "a", Sort: topSort})
	b := e.Query(Def{Key: "b", Sort: tuple.Spec{tuple.Desc("date")}})
	assert.Panics(t, func() { NewMerged(e, a, b) })
}

func TestMergedEqualsSortedUnion(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	r := rand.New(rand.NewPCG(1, 2))

	for round := 0; round < 20; round++ {
		a := e.Query(Def{Key: fmt.Sprintf("a%d", round), Sort: topSort})
		b := e.Query(Def{Key: fmt.Sprintf("b%d", round), Sort: topSort})
		union := map[string]*thing.Record{}
		for i := 0; i < 30; i++ {
			item := rec(fmt.Sprintf("i%d", r.IntN(40)), r.IntN(10), t0.Add(time.Duration(r.IntN(100))*time.Second))
			if _, ok := union[item.Name]; ok {
				continue
			}
			union[item.Name] = item
			target := a
			if r.IntN(2) == 0 {
				target = b
			}
			require.NoError(t, target.Insert(ctx, item))
		}

		m, err := e.Merge(ctx, a, b)
		require.NoError(t, err)

		var items []thing.Entity
		for _, item := range union {
			items = append(items, item)
		}
		want, err := tuple.EncodeAll(topSort, nil, items)
		require.NoError(t, err)
		tuple.Sort(topSort, want)

		got := m.Tuples()
		require.Len(t, got, len(want))
		for i := range got {
			assert.Zero(t, tuple.Compare(topSort, want[i], got[i]), "position %d", i)
		}
	}
}

func TestMutatorRejectsPrecomputed(t *testing.T) {
	ctx := context.Background()
	e, tier := newEngine(t)
	q := e.Query(Def{Key: "k", Sort: topSort, Precomputed: true})
	m := e.NewMutator()

	assert.Panics(t, func() { _ = m.Insert(q, rec("A", 1, t0)) })
	require.NoError(t, m.Send(ctx))
	_, err := tier.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}

func TestMutatorBatchesRoundTrips(t *testing.T) {
	ctx := context.Background()
	rc := &recorder{}
	e, tier := newEngine(t, WithRand(func() float64 { return 0.999 }), WithMetrics(rc))
	a := e.Query(Def{Key: "a", Sort: topSort})
	b := e.Query(Def{Key: "b", Sort: topSort})
	c := e.Query(Def{Key: "c", Sort: tuple.Spec{tuple.Desc("date")}})

	require.NoError(t, a.Insert(ctx, rec("old", 1, t0)))
	require.Equal(t, 1, rc.inserted)
	tier.reset()
	rc.reset()

	m := e.NewMutator()
	require.NoError(t, m.Insert(a, rec("A", 5, t0)))
	require.NoError(t, m.Insert(b, rec("B", 5, t0)))
	require.NoError(t, m.Insert(c, rec("C", 5, t0)))
	m.Delete(a, rec("old", 1, t0))
	require.NoError(t, m.Send(ctx))

	getMultis, sets, setMultis := tier.counts()
	assert.Equal(t, 1, getMultis)
	assert.Equal(t, 1, setMultis)
	assert.Zero(t, sets)
	assert.Equal(t, []string{"A"}, a.IDs())
	assert.Equal(t, []string{"B"}, b.IDs())
	assert.Equal(t, []string{"C"}, c.IDs())
	assert.Equal(t, 3, rc.inserted)
	assert.Equal(t, 1, rc.deleted)

	// the mutator is empty after Send
	tier.reset()
	require.NoError(t, m.Send(ctx))
	getMultis, _, _ = tier.counts()
	assert.Zero(t, getMultis)
}

func TestNegativeMarkerIsNotAStaleRow(t *testing.T) {
	ctx := context.Background()
	tier := cache.NewMemoryCache(100, 0)
	chain, err := cache.NewChain([]cache.Cache{tier}, cache.WithNegativeCaching(time.Minute))
	require.NoError(t, err)
	rc := &recorder{}
	e := NewEngine(chain, lock.New(tier), WithClock(func() time.Time { return t0 }), WithMetrics(rc))

	// misses leave the marker in the tier the row locks read from
	for _, key := range []string{"a", "b"} {
		_, err := chain.Get(ctx, key)
		require.ErrorIs(t, err, cache.ErrCacheMiss)
	}

	a := e.Query(Def{Key: "a", Sort: topSort})
	require.NoError(t, a.Insert(ctx, rec("A", 1, t0)))
	assert.Equal(t, []string{"A"}, a.IDs())

	b := e.Query(Def{Key: "b", Sort: topSort})
	m := e.NewMutator()
	require.NoError(t, m.Insert(b, rec("B", 1, t0)))
	require.NoError(t, m.Send(ctx))
	assert.Equal(t, []string{"B"}, b.IDs())

	assert.Zero(t, rc.stale)
	fresh := e.Query(Def{Key: "b", Sort: topSort})
	require.NoError(t, fresh.Fetch(ctx, false))
	assert.Equal(t, []string{"B"}, fresh.IDs())
}

func TestMutatorPrunesToCap(t *testing.T) {
	ctx := context.Background()
	rc := &recorder{}
	e, _ := newEngine(t, WithRand(func() float64 { return 0 }), WithMetrics(rc))
	q := e.Query(Def{Key: "k", Sort: topSort})

	items := make([]thing.Entity, 0, DefaultMaxItems+1)
	for i := 0; i <= DefaultMaxItems; i++ {
		items = append(items, rec(fmt.Sprintf("i%d", i), i, t0))
	}
	m := e.NewMutator()
	require.NoError(t, m.Insert(q, items...))
	require.NoError(t, m.Send(ctx))

	fresh := e.Query(Def{Key: "k", Sort: topSort})
	require.NoError(t, fresh.Fetch(ctx, false))
	require.Equal(t, DefaultMaxItems, fresh.Len())
	assert.Equal(t, fmt.Sprintf("i%d", DefaultMaxItems), fresh.IDs()[0])
	assert.NotContains(t, fresh.IDs(), "i0")
	assert.Equal(t, 1, rc.pruned)
}

func TestPruneRemovesAtMostOneBatch(t *testing.T) {
	ctx := context.Background()
	// chance 0.5 caps a pass at 2*ceil(1/0.5) = 4 removals
	chance := 1.0
	e, _ := newEngine(t, WithMaxItems(2), WithPruneChance(0.5), WithRand(func() float64 { return chance }))
	q := e.Query(Def{Key: "k", Sort: topSort})

	var items []thing.Entity
	for i := 0; i < 10; i++ {
		items = append(items, rec(fmt.Sprintf("i%d", i), i, t0))
	}
	m := e.NewMutator()
	require.NoError(t, m.Insert(q, items...))
	require.NoError(t, m.Send(ctx))
	require.Equal(t, 10, q.Len())

	chance = 0
	require.NoError(t, m.Insert(q, rec("top", 100, t0)))
	require.NoError(t, m.Send(ctx))
	assert.Equal(t, 7, q.Len())
	assert.Equal(t, []string{"top", "i9"}, q.IDs())
	assert.NotContains(t, tuple.IDs(tuple.Tuples(q.snapshot())), "i0")
}

func TestPruneKeepsEntriesRewrittenAfterFetch(t *testing.T) {
	ctx := context.Background()
	e, tier := newEngine(t, WithMaxItems(2), WithRand(func() float64 { return 0.999 }))
	q := e.Query(Def{Key: "k", Sort: topSort})

	m := e.NewMutator()
	require.NoError(t, m.Insert(q, rec("a", 3, t0), rec("b", 2, t0), rec("c", 1, t0)))
	require.NoError(t, m.Send(ctx))

	// a writer restamps "c" between the prune fetch and the locked read
	tier.reset()
	tier.before = func(call int) {
		if call != 2 {
			return
		}
		raw, err := tier.MemoryCache.Get(ctx, "k")
		require.NoError(t, err)
		entries, err := tuple.DecodeRow(topSort, raw)
		require.NoError(t, err)
		for i := range entries {
			if entries[i].Tuple.ID == "c" {
				entries[i].Written++
			}
		}
		data, err := tuple.EncodeRow(topSort, entries)
		require.NoError(t, err)
		require.NoError(t, tier.MemoryCache.Set(ctx, "k", data, 0))
	}
	require.NoError(t, e.prune(ctx, []*Query{q}))
	assert.Equal(t, 3, q.Len())

	tier.reset()
	require.NoError(t, e.prune(ctx, []*Query{q}))
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, []string{"a", "b"}, q.IDs())
}

func TestSortInvariant(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, WithMaxItems(25))
	q := e.Query(Def{Key: "k", Sort: topSort})
	r := rand.New(rand.NewPCG(3, 4))

	for i := 0; i < 200; i++ {
		item := rec(fmt.Sprintf("i%d", r.IntN(50)), r.IntN(20), t0.Add(time.Duration(r.IntN(1000))*time.Second))
		if r.IntN(4) == 0 {
			require.NoError(t, q.Delete(ctx, item))
		} else {
			require.NoError(t, q.Insert(ctx, item))
		}
		ts := q.Tuples()
		require.LessOrEqual(t, len(ts), 25)
		for j := 1; j < len(ts); j++ {
			require.LessOrEqual(t, tuple.Compare(topSort, ts[j-1], ts[j]), 0)
		}
	}
}

func TestAddQueries(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, WithRand(func() float64 { return 0.999 }))
	hot := e.Query(Def{Key: "links.1.hot", Sort: topSort})
	week := e.Query(Def{Key: "links.1.top.week", Sort: topSort, Criteria: store.Criteria{Window: 7 * 24 * time.Hour}})

	a := rec("A", 1, t0)
	err := e.AddQueries(ctx, []*Query{hot, week}, []thing.Entity{a}, nil)
	assert.ErrorIs(t, err, ErrCannotUpdate)
	assert.Equal(t, []string{"A"}, hot.IDs())

	require.NoError(t, week.Replace(ctx, []tuple.Tuple{{ID: "A", Values: []any{1.0, 0.0}}}))
	require.NoError(t, e.AddQueries(ctx, []*Query{hot, week}, nil, []thing.Entity{a}))
	assert.Empty(t, hot.IDs())
	assert.Empty(t, week.IDs())
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	calls := 0
	err := Retry(ctx, 3, func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("write: %w", lock.ErrLockTimeout)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = Retry(ctx, 5, func(context.Context) error {
		calls++
		return fmt.Errorf("boom")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)

	calls = 0
	err = Retry(ctx, 2, func(context.Context) error {
		calls++
		return lock.ErrLockHeld
	})
	assert.ErrorIs(t, err, lock.ErrLockHeld)
	assert.Equal(t, 2, calls)
}

func TestHooksDropUpdatesOnContention(t *testing.T) {
	ctx := context.Background()
	tier := newCountingTier()
	chain, err := cache.NewChain([]cache.Cache{tier})
	require.NoError(t, err)
	locker := lock.New(tier, lock.WithTimeout(150*time.Millisecond))
	e := NewEngine(chain, locker, WithRand(func() float64 { return 0.999 }))
	q := e.Query(Def{Key: "k", Sort: topSort})

	held, err := locker.Acquire(ctx, LockName("k"))
	require.NoError(t, err)

	hooks := e.NewHooks(2)
	hooks.OnEntityCreated(ctx, []*Query{q}, rec("A", 1, t0))
	_, err = tier.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	require.NoError(t, held.Release(ctx))
	hooks.OnEntityCreated(ctx, []*Query{q}, rec("A", 1, t0))
	assert.Equal(t, []string{"A"}, q.IDs())
}

func TestRelationshipHooks(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, WithRand(func() float64 { return 0.999 }))
	saved := e.Query(Def{Key: "saved.t2_1", Sort: tuple.Spec{tuple.Desc("date")}, Filter: thing.SecondSide})

	acct := &thing.Account{AccountID: 1}
	l1 := &thing.Link{LinkID: 1, Date: t0}
	l2 := &thing.Link{LinkID: 2, Date: t0}
	s1 := &thing.Rel{Name: "save", From: acct, To: l1, Date: t0.Add(-time.Minute)}
	s2 := &thing.Rel{Name: "save", From: acct, To: l2, Date: t0}

	hooks := e.NewHooks(3)
	hooks.OnRelationshipCreated(ctx, []*Query{saved}, s1, s2)
	assert.Equal(t, []string{l2.ID(), l1.ID()}, saved.IDs())

	hooks.OnRelationshipDeleted(ctx, []*Query{saved}, s2)
	assert.Equal(t, []string{l1.ID()}, saved.IDs())

	// deleting the link itself also clears it from the listing
	hooks.OnEntityDeleted(ctx, []*Query{saved}, l1)
	assert.Empty(t, saved.IDs())
}

func TestFamily(t *testing.T) {
	assert.Equal(t, "links", Family("links.pics.hot.all"))
	assert.Equal(t, "inbox", Family("inbox"))
	assert.Equal(t, "modify_query(k)", LockName("k"))
}
