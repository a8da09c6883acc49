package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/afterdarksys/querycached/pkg/dbutil"
)

// sqlCache is the authoritative tier shared by the SQLite and Postgres
// backends. Both speak the same upsert dialect; only placeholders and the
// multi-key lookup differ.
type sqlCache struct {
	db     *sql.DB
	driver string
	name   string
	ttl    time.Duration
	hits   atomic.Int64
	misses atomic.Int64
	now    func() time.Time

	// multi builds the WHERE clause and args for a batched key lookup.
	multi func(keys []string) (string, []any)
	// forUpdate is appended to the row read in Incr.
	forUpdate string
}

func (c *sqlCache) q(query string) string { return dbutil.Rebind(c.driver, query) }

func (c *sqlCache) Name() string { return c.name }

func (c *sqlCache) expiresAt(ttl time.Duration) any {
	if ttl <= 0 {
		ttl = c.ttl
	}
	exp := expiry(c.now(), ttl)
	if exp.IsZero() {
		return nil
	}
	return exp.UnixNano()
}

func (c *sqlCache) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := c.db.QueryRowContext(ctx, c.q(`
		SELECT value
		FROM query_cache
		WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)
	`), key, c.now().UnixNano()).Scan(&value)

	if errors.Is(err, sql.ErrNoRows) {
		c.misses.Add(1)
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	c.hits.Add(1)
	return value, nil
}

func (c *sqlCache) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	where, args := c.multi(keys)
	args = append(args, c.now().UnixNano())
	rows, err := c.db.QueryContext(ctx, c.q(`
		SELECT key, value
		FROM query_cache
		WHERE `+where+` AND (expires_at IS NULL OR expires_at > ?)
	`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read cache entries: %w", err)
	}

	c.hits.Add(int64(len(out)))
	c.misses.Add(int64(len(keys) - len(out)))
	return out, nil
}

const upsertSQL = `
	INSERT INTO query_cache (key, value, created_at, updated_at, expires_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at,
		expires_at = excluded.expires_at
`

func (c *sqlCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := c.now().UnixNano()
	_, err := c.db.ExecContext(ctx, c.q(upsertSQL), key, value, now, now, c.expiresAt(ttl))
	if err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

func (c *sqlCache) SetMulti(ctx context.Context, values map[string][]byte, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, c.q(upsertSQL))
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := c.now().UnixNano()
	exp := c.expiresAt(ttl)
	for key, value := range values {
		if _, err := stmt.ExecContext(ctx, key, value, now, now, exp); err != nil {
			return fmt.Errorf("failed to set cache entry %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache entries: %w", err)
	}
	return nil
}

// Add overwrites only rows that have already expired.
func (c *sqlCache) Add(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := c.now().UnixNano()
	res, err := c.db.ExecContext(ctx, c.q(`
		INSERT INTO query_cache (key, value, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at
		WHERE query_cache.expires_at IS NOT NULL AND query_cache.expires_at <= ?
	`), key, value, now, now, c.expiresAt(ttl), now)
	if err != nil {
		return fmt.Errorf("failed to add cache entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to add cache entry: %w", err)
	}
	if n == 0 {
		return ErrNotStored
	}
	return nil
}

func (c *sqlCache) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	res, err := c.db.ExecContext(ctx, c.q(`
		DELETE FROM query_cache
		WHERE key = ? AND value = ? AND (expires_at IS NULL OR expires_at > ?)
	`), key, expected, c.now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to delete cache entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return n > 0, nil
}

func (c *sqlCache) Delete(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx, c.q("DELETE FROM query_cache WHERE key = ?"), key)
	if err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

func (c *sqlCache) DeleteMulti(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	where, args := c.multi(keys)
	_, err := c.db.ExecContext(ctx, c.q("DELETE FROM query_cache WHERE "+where), args...)
	if err != nil {
		return fmt.Errorf("failed to delete cache entries: %w", err)
	}
	return nil
}

func (c *sqlCache) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := c.now().UnixNano()
	var raw []byte
	var n int64
	err = tx.QueryRowContext(ctx, c.q(`
		SELECT value
		FROM query_cache
		WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)
	`+c.forUpdate), key, now).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("failed to read counter: %w", err)
	default:
		if n, err = strconv.ParseInt(string(raw), 10, 64); err != nil {
			return 0, fmt.Errorf("counter %s is not an integer: %w", key, err)
		}
	}

	n += delta
	value := []byte(strconv.FormatInt(n, 10))
	if _, err := tx.ExecContext(ctx, c.q(upsertSQL), key, value, now, now, c.expiresAt(0)); err != nil {
		return 0, fmt.Errorf("failed to write counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit counter: %w", err)
	}
	return n, nil
}

func (c *sqlCache) Stats(ctx context.Context) (*Stats, error) {
	stats := Stats{Tier: c.name}
	now := c.now().UnixNano()

	// Get total entries
	err := c.db.QueryRowContext(ctx, c.q(`
		SELECT COUNT(*), COALESCE(SUM(LENGTH(value)), 0)
		FROM query_cache
		WHERE expires_at IS NULL OR expires_at > ?
	`), now).Scan(&stats.Entries, &stats.SizeBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to get entry count: %w", err)
	}

	stats.Hits, stats.Misses = c.hits.Load(), c.misses.Load()
	stats.HitRate = hitRate(stats.Hits, stats.Misses)
	return &stats, nil
}

// CleanupExpired removes all expired entries
func (c *sqlCache) CleanupExpired(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, c.q(
		"DELETE FROM query_cache WHERE expires_at IS NOT NULL AND expires_at <= ?"),
		c.now().UnixNano())
	return err
}

func (c *sqlCache) Close() error {
	return c.db.Close()
}
