// Package dbutil opens the SQL databases shared by the authoritative cache
// tier and the primary store.
package dbutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	SQLite   = "sqlite3"
	Postgres = "postgres"
)

// Pool configures the connection pool of a Postgres database.
type Pool struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// DefaultPool is tuned for a daemon sharing the database with other writers.
var DefaultPool = Pool{
	MaxOpen:     25,
	MaxIdle:     5,
	MaxLifetime: 5 * time.Minute,
	MaxIdleTime: 1 * time.Minute,
}

// DefaultPath returns ~/.querycached/<name>.
func DefaultPath(name string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".querycached", name), nil
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(path string) (*sql.DB, error) {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open(SQLite, path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)
	return db, nil
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string, pool Pool) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open(Postgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(pool.MaxOpen)
	db.SetMaxIdleConns(pool.MaxIdle)
	db.SetConnMaxLifetime(pool.MaxLifetime)
	db.SetConnMaxIdleTime(pool.MaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	return db, nil
}

// Rebind rewrites ? placeholders into $1..$n for Postgres.
func Rebind(driver, query string) string {
	if driver != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Placeholders returns "?, ?, ?" for n arguments.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
