package cache

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresCache(t *testing.T) {
	dsn := os.Getenv("QUERYCACHED_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("QUERYCACHED_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	c, err := NewPostgres(dsn)
	require.NoError(t, err)
	defer c.Close()

	keys := []string{"pgtest.a", "pgtest.b"}
	defer c.DeleteMulti(ctx, keys)

	require.NoError(t, c.SetMulti(ctx, map[string][]byte{keys[0]: []byte("1"), keys[1]: []byte("2")}, 0))
	got, err := c.GetMulti(ctx, append(keys, "pgtest.none"))
	require.NoError(t, err)
	assert.Len(t, got, 2)

	assert.ErrorIs(t, c.Add(ctx, keys[0], []byte("x"), 0), ErrNotStored)

	n, err := c.Incr(ctx, keys[1], 3)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
}
