package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afterdarksys/querycached/pkg/thing"
	"github.com/afterdarksys/querycached/pkg/tuple"
)

var base = time.Unix(1700000000, 0)

func seed(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()
	links := []*thing.Link{
		{LinkID: 1, SubredditID: 10, AuthorID: 100, Date: base.Add(-3 * time.Hour), Ups: 5},
		{LinkID: 2, SubredditID: 10, AuthorID: 101, Date: base.Add(-2 * time.Hour), Ups: 50},
		{LinkID: 3, SubredditID: 10, AuthorID: 100, Date: base.Add(-48 * time.Hour), Ups: 500},
		{LinkID: 4, SubredditID: 11, AuthorID: 100, Date: base.Add(-1 * time.Hour), Ups: 1},
		{LinkID: 5, SubredditID: 10, AuthorID: 102, Date: base.Add(-1 * time.Hour), Ups: 9, Spam: true},
	}
	for _, l := range links {
		require.NoError(t, b.Put(ctx, "link", l))
	}
	acct := &thing.Account{AccountID: 100}
	require.NoError(t, b.Put(ctx, RelKind("save"), &thing.Rel{Name: "save", From: acct, To: links[0], Date: base.Add(-time.Minute)}))
	require.NoError(t, b.Put(ctx, RelKind("save"), &thing.Rel{Name: "save", From: acct, To: links[2], Date: base}))
}

func ids(items []thing.Entity) []string {
	out := make([]string, len(items))
	for i, e := range items {
		out[i] = e.ID()
	}
	return out
}

func exerciseBackend(t *testing.T, b Backend) {
	ctx := context.Background()
	seed(t, b)

	newSort := tuple.Spec{tuple.Desc("date")}
	topSort := tuple.Spec{tuple.Desc("score"), tuple.Desc("date")}
	inSR := Criteria{Kind: "link", Equals: map[string]any{"sr_id": int64(10), "spam": false}}

	t.Run("filters and orders", func(t *testing.T) {
		got, err := b.RunQuery(ctx, inSR, newSort, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"t3_2", "t3_1", "t3_3"}, ids(got))

		got, err = b.RunQuery(ctx, inSR, topSort, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"t3_3", "t3_2"}, ids(got))
	})

	t.Run("relative window", func(t *testing.T) {
		c := inSR
		c.Window = 24 * time.Hour
		got, err := b.RunQuery(ctx, c, topSort, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"t3_2", "t3_1"}, ids(got))
	})

	t.Run("absolute bounds", func(t *testing.T) {
		c := inSR
		c.Since = base.Add(-3 * time.Hour)
		c.Until = base.Add(-2 * time.Hour)
		got, err := b.RunQuery(ctx, c, newSort, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"t3_1"}, ids(got))
	})

	t.Run("relations keep both sides", func(t *testing.T) {
		c := Criteria{Kind: RelKind("save"), Equals: map[string]any{"thing1_id": "t2_2s"}}
		got, err := b.RunQuery(ctx, c, newSort, 0)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, []string{"t3_3", "t3_1"}, tuple.IDs(mustEncode(t, newSort, got)))
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, b.Remove(ctx, "link", "t3_2"))
		got, err := b.RunQuery(ctx, inSR, newSort, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"t3_1", "t3_3"}, ids(got))
	})

	t.Run("subjects by activity", func(t *testing.T) {
		require.NoError(t, b.Touch(ctx, "t2_a", base.Add(-2*time.Hour)))
		require.NoError(t, b.Touch(ctx, "t2_b", base.Add(-time.Hour)))
		require.NoError(t, b.Touch(ctx, "t2_c", base.Add(-72*time.Hour)))
		require.NoError(t, b.Touch(ctx, "t2_a", base.Add(-5*time.Hour)), "older activity is ignored")

		subs, err := b.Subjects(ctx, base.Add(-24*time.Hour))
		require.NoError(t, err)
		require.Len(t, subs, 2)
		assert.Equal(t, "t2_b", subs[0].ID)
		assert.Equal(t, "t2_a", subs[1].ID)
		assert.True(t, subs[1].LastActivity.Equal(base.Add(-2*time.Hour)))
	})
}

func mustEncode(t *testing.T, spec tuple.Spec, items []thing.Entity) []tuple.Tuple {
	t.Helper()
	ts, err := tuple.EncodeAll(spec, thing.SecondSide, items)
	require.NoError(t, err)
	return ts
}

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore()
	m.SetClock(func() time.Time { return base })
	exerciseBackend(t, m)
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	defer s.Close()
	s.now = func() time.Time { return base }
	exerciseBackend(t, s)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("QUERYCACHED_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("QUERYCACHED_TEST_POSTGRES_DSN not set")
	}
	s, err := NewPostgresStore(context.Background(), dsn)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.db.Exec("DELETE FROM things; DELETE FROM subject_activity")
	require.NoError(t, err)
	s.now = func() time.Time { return base }
	exerciseBackend(t, s)
}

func TestSQLStoreRejectsUnknownAttributes(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.RunQuery(context.Background(), Criteria{Kind: "link", Equals: map[string]any{"nope": 1}}, nil, 0)
	assert.Error(t, err)
	_, err = s.RunQuery(context.Background(), Criteria{Kind: "link"}, tuple.Spec{tuple.Desc("nope")}, 0)
	assert.Error(t, err)
}
