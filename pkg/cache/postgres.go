package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/afterdarksys/querycached/pkg/dbutil"
)

// PostgresCache is the authoritative tier shared by every host.
type PostgresCache struct {
	*sqlCache
}

func NewPostgres(dsn string) (*PostgresCache, error) {
	return NewPostgresWithConfig(context.Background(), dsn, dbutil.DefaultPool)
}

// NewPostgresWithConfig creates a Postgres cache with custom connection pool settings
func NewPostgresWithConfig(ctx context.Context, dsn string, pool dbutil.Pool) (*PostgresCache, error) {
	db, err := dbutil.OpenPostgres(ctx, dsn, pool)
	if err != nil {
		return nil, err
	}

	// Initialize schema
	if err := initPostgresSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	c := &PostgresCache{}
	c.sqlCache = &sqlCache{
		db:        db,
		driver:    dbutil.Postgres,
		name:      "postgres",
		now:       time.Now,
		forUpdate: " FOR UPDATE",
		multi: func(keys []string) (string, []any) {
			return "key = ANY(?)", []any{pq.Array(keys)}
		},
	}
	return c, nil
}

func initPostgresSchema(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS query_cache (
		key TEXT PRIMARY KEY,
		value BYTEA NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		expires_at BIGINT
	);

	CREATE INDEX IF NOT EXISTS idx_query_cache_expires_at ON query_cache(expires_at);
	`

	_, err := db.ExecContext(ctx, schema)
	return err
}
