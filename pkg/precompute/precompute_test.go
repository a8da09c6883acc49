package precompute

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/afterdarksys/querycached/pkg/cache"
	"github.com/afterdarksys/querycached/pkg/lock"
	"github.com/afterdarksys/querycached/pkg/store"
)

var t0 = time.Unix(1700000000, 0)

type fakeQuery struct {
	key   string
	fails int32
	calls atomic.Int32
}

func (q *fakeQuery) Key() string { return q.key }

func (q *fakeQuery) Update(context.Context) error {
	if n := q.calls.Add(1); n <= q.fails {
		return errors.New("store unavailable")
	}
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newScheduler(t *testing.T, c *clock) (*Scheduler, *cache.Chain) {
	t.Helper()
	tier := cache.NewMemoryCache(1000, 0)
	chain, err := cache.NewChain([]cache.Cache{tier})
	require.NoError(t, err)
	return NewScheduler(chain, lock.New(tier), WithClock(c.Now)), chain
}

func TestPreflightEligibilityWindow(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: t0}
	s, _ := newScheduler(t, c)
	job := Job{Scope: "t2_1", Identity: "submitted.top.week", Query: &fakeQuery{key: "k"}}

	ok, err := s.Preflight(ctx, job)
	require.NoError(t, err)
	assert.True(t, ok, "never ran")

	require.NoError(t, s.Postflight(ctx, job))

	c.Advance(DefaultInterval - time.Second)
	ok, err = s.Preflight(ctx, job)
	require.NoError(t, err)
	assert.False(t, ok)

	forced := job
	forced.Force = true
	ok, err = s.Preflight(ctx, forced)
	require.NoError(t, err)
	assert.True(t, ok)

	c.Advance(time.Second)
	ok, err = s.Preflight(ctx, job)
	require.NoError(t, err)
	assert.True(t, ok, "due exactly one interval later")

	// a run inside a second is due a full interval after the run, not
	// after the start of that second
	c = &clock{now: t0.Add(900 * time.Millisecond)}
	s, _ = newScheduler(t, c)
	require.NoError(t, s.Postflight(ctx, job))
	c.Advance(DefaultInterval - 500*time.Millisecond)
	ok, err = s.Preflight(ctx, job)
	require.NoError(t, err)
	assert.False(t, ok)

	c.Advance(600 * time.Millisecond)
	ok, err = s.Preflight(ctx, job)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPreflightUnscopedAlwaysRuns(t *testing.T) {
	ctx := context.Background()
	s, _ := newScheduler(t, &clock{now: t0})
	job := Job{Identity: "links.top.all", Query: &fakeQuery{}}

	require.NoError(t, s.Postflight(ctx, job))
	ok, err := s.Preflight(ctx, job)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPostflightKeepsSiblingIdentities(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: t0}
	s, chain := newScheduler(t, c)

	require.NoError(t, s.Postflight(ctx, Job{Scope: "t5_a", Identity: "links.top.day"}))
	c.Advance(time.Minute)
	require.NoError(t, s.Postflight(ctx, Job{Scope: "t5_a", Identity: "links.top.week"}))

	runs, err := s.LastRuns(ctx, "t5_a")
	require.NoError(t, err)
	assert.Equal(t, map[string]time.Time{
		"links.top.day":  t0,
		"links.top.week": t0.Add(time.Minute),
	}, runs)

	raw, err := chain.Get(ctx, RecordKey("t5_a"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"links.top.day":1700000000,"links.top.week":1700000060}`, string(raw))
}

func TestPostflightOverNegativeMarker(t *testing.T) {
	ctx := context.Background()
	tier := cache.NewMemoryCache(1000, 0)
	chain, err := cache.NewChain([]cache.Cache{tier}, cache.WithNegativeCaching(time.Minute))
	require.NoError(t, err)
	core, logs := observer.New(zap.WarnLevel)
	s := NewScheduler(chain, lock.New(tier), WithClock((&clock{now: t0}).Now), WithLogger(zap.New(core)))
	job := Job{Scope: "t2_1", Identity: "submitted.top.week", Query: &fakeQuery{key: "k"}}

	// a first Preflight misses and leaves the marker behind
	ok, err := s.Preflight(ctx, job)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Postflight(ctx, job))
	assert.Zero(t, logs.Len(), "a negative marker is not an unreadable record")
	runs, err := s.LastRuns(ctx, "t2_1")
	require.NoError(t, err)
	assert.Equal(t, map[string]time.Time{"submitted.top.week": t0}, runs)
}

func TestConcurrentPostflightsLoseNothing(t *testing.T) {
	ctx := context.Background()
	s, _ := newScheduler(t, &clock{now: t0})
	identities := []string{"a", "b", "c", "d", "e", "f"}

	var wg sync.WaitGroup
	for _, id := range identities {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Postflight(ctx, Job{Scope: "t2_x", Identity: id}))
		}()
	}
	wg.Wait()

	runs, err := s.LastRuns(ctx, "t2_x")
	require.NoError(t, err)
	assert.Len(t, runs, len(identities))
}

func TestRunnerRunsOnlyEligibleJobs(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: t0}
	s, _ := newScheduler(t, c)
	r := NewRunner(s, RunnerConfig{Concurrency: 2}, nil, nil)

	day := &fakeQuery{key: "links.5.top.day"}
	week := &fakeQuery{key: "links.5.top.week"}
	jobs := []Job{
		{Scope: "t5_5", Identity: "links.top.day", Query: day},
		{Scope: "t5_5", Identity: "links.top.week", Query: week},
	}

	report, err := r.Run(ctx, jobs)
	require.NoError(t, err)
	assert.Equal(t, Report{Ran: 2}, report)

	c.Advance(time.Hour)
	report, err = r.Run(ctx, jobs)
	require.NoError(t, err)
	assert.Equal(t, Report{Skipped: 2}, report)
	assert.EqualValues(t, 1, day.calls.Load())
	assert.EqualValues(t, 1, week.calls.Load())

	stats := r.Stats()
	assert.EqualValues(t, 2, stats.SuccessCount)
	assert.EqualValues(t, 2, stats.SkipCount)
	assert.False(t, stats.InProgress)
}

func TestRunnerRetriesThenRecords(t *testing.T) {
	ctx := context.Background()
	s, _ := newScheduler(t, &clock{now: t0})
	r := NewRunner(s, RunnerConfig{RetryCount: 2, RetryDelay: time.Millisecond}, nil, nil)

	q := &fakeQuery{key: "submitted.1.top.month", fails: 2}
	job := Job{Scope: "t2_1", Identity: "submitted.top.month", Query: q}
	report, err := r.Run(ctx, []Job{job})
	require.NoError(t, err)
	assert.Equal(t, Report{Ran: 1}, report)
	assert.EqualValues(t, 3, q.calls.Load())

	ok, err := s.Preflight(ctx, job)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunnerFailureLeavesJobEligible(t *testing.T) {
	ctx := context.Background()
	s, _ := newScheduler(t, &clock{now: t0})
	r := NewRunner(s, RunnerConfig{RetryDelay: time.Millisecond}, nil, nil)

	bad := &fakeQuery{key: "bad", fails: 100}
	good := &fakeQuery{key: "good"}
	jobs := []Job{
		{Scope: "t2_1", Identity: "bad", Query: bad},
		{Scope: "t2_1", Identity: "good", Query: good},
	}
	report, err := r.Run(ctx, jobs)
	require.Error(t, err)
	assert.Equal(t, Report{Ran: 1, Failed: 1}, report)

	ok, err := s.Preflight(ctx, jobs[0])
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 1, r.Stats().FailureCount)
}

func TestSweeperVisitsActiveSubjects(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: t0}
	s, _ := newScheduler(t, c)
	r := NewRunner(s, RunnerConfig{}, nil, nil)

	st := store.NewMemoryStore()
	require.NoError(t, st.Touch(ctx, "t2_active", t0.Add(-time.Hour)))
	require.NoError(t, st.Touch(ctx, "t2_idle", t0.Add(-48*time.Hour)))

	queries := map[string]*fakeQuery{}
	var mu sync.Mutex
	source := func(subject string) ([]Job, error) {
		mu.Lock()
		defer mu.Unlock()
		q := &fakeQuery{key: "submitted." + subject + ".top.week"}
		queries[subject] = q
		return []Job{{Scope: subject, Identity: "submitted.top.week", Query: q}}, nil
	}

	sw := NewSweeper(st, source, r, 24*time.Hour, nil)
	sw.SetClock(c.Now)
	report, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Ran: 1}, report)
	require.Contains(t, queries, "t2_active")
	assert.NotContains(t, queries, "t2_idle")
	assert.EqualValues(t, 1, queries["t2_active"].calls.Load())
}

func TestSweeperSkipsUnknownSubjects(t *testing.T) {
	ctx := context.Background()
	s, _ := newScheduler(t, &clock{now: t0})
	st := store.NewMemoryStore()
	require.NoError(t, st.Touch(ctx, "bogus", t0))
	require.NoError(t, st.Touch(ctx, "t2_ok", t0))

	q := &fakeQuery{key: "ok"}
	source := func(subject string) ([]Job, error) {
		if subject == "bogus" {
			return nil, errors.New("unknown subject")
		}
		return []Job{{Scope: subject, Identity: "ok", Query: q}}, nil
	}
	sw := NewSweeper(st, source, NewRunner(s, RunnerConfig{}, nil, nil), 0, nil)
	sw.SetClock(func() time.Time { return t0 })

	report, err := sw.Sweep(ctx)
	require.Error(t, err)
	assert.Equal(t, Report{Ran: 1}, report)
	assert.EqualValues(t, 1, q.calls.Load())
}
