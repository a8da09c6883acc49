package cache

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/afterdarksys/querycached/pkg/dbutil"
)

// SQLiteCache is the authoritative tier for a single host.
type SQLiteCache struct {
	*sqlCache
	path string
}

func NewSQLite(path string) (*SQLiteCache, error) {
	if path == "" {
		var err error
		if path, err = dbutil.DefaultPath("cache.db"); err != nil {
			return nil, err
		}
	}

	db, err := dbutil.OpenSQLite(path)
	if err != nil {
		return nil, err
	}

	// Initialize schema
	if err := initSQLiteSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	c := &SQLiteCache{path: path}
	c.sqlCache = &sqlCache{
		db:     db,
		driver: dbutil.SQLite,
		name:   "sqlite",
		now:    time.Now,
		multi: func(keys []string) (string, []any) {
			args := make([]any, len(keys))
			for i, k := range keys {
				args[i] = k
			}
			return "key IN (" + dbutil.Placeholders(len(keys)) + ")", args
		},
	}
	return c, nil
}

// Path returns the database file backing the tier.
func (c *SQLiteCache) Path() string { return c.path }

func initSQLiteSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS query_cache (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_query_cache_expires_at ON query_cache(expires_at);
	`

	_, err := db.Exec(schema)
	return err
}
