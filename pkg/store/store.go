// Package store defines the primary store that cached queries are computed
// from, with an in-memory implementation and a SQL one.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/afterdarksys/querycached/pkg/config"
	"github.com/afterdarksys/querycached/pkg/thing"
	"github.com/afterdarksys/querycached/pkg/tuple"
)

// Criteria selects the rows of a listing.
type Criteria struct {
	// Kind is the entity or relation type: "link", "comment", "message",
	// or "rel:<name>" for relationships.
	Kind string
	// Equals restricts attributes to exact values.
	Equals map[string]any
	// Window keeps rows dated within the last Window, relative to the time
	// the query runs. Queries with a Window are never updated incrementally.
	Window time.Duration
	// Since and Until are absolute date bounds, Since inclusive and Until
	// exclusive. Zero means unbounded.
	Since time.Time
	Until time.Time
}

// Entity kinds.
const (
	KindLink    = "link"
	KindComment = "comment"
	KindMessage = "message"
)

// RelKind names the relation kind for rel.
func RelKind(name string) string { return "rel:" + name }

// Store runs listing queries against the primary store.
type Store interface {
	// RunQuery returns at most limit items matching c ordered by spec.
	RunQuery(ctx context.Context, c Criteria, spec tuple.Spec, limit int) ([]thing.Entity, error)
}

// Writer records entities into a store.
type Writer interface {
	Put(ctx context.Context, kind string, e thing.Entity) error
	Remove(ctx context.Context, kind, id string) error
}

// Subject is a scope whose precomputed listings may need recomputing,
// such as an account, with the last time it changed.
type Subject struct {
	ID           string
	LastActivity time.Time
}

// SubjectSource lists subjects by recent activity.
type SubjectSource interface {
	// Touch records activity on subject at.
	Touch(ctx context.Context, subject string, at time.Time) error
	// Subjects returns subjects active at or after since, most recent first.
	Subjects(ctx context.Context, since time.Time) ([]Subject, error)
}

// Backend is everything the daemon needs from a store.
type Backend interface {
	Store
	Writer
	SubjectSource
	Close() error
}

// FromConfig opens the configured store.
func FromConfig(ctx context.Context, cfg config.StoreConfig) (Backend, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		return NewSQLiteStore(cfg.Path)
	case "postgres", "postgresql":
		return NewPostgresStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.Backend)
	}
}

func (c Criteria) bounds(now time.Time) (since, until time.Time) {
	since, until = c.Since, c.Until
	if c.Window > 0 {
		if w := now.Add(-c.Window); w.After(since) {
			since = w
		}
	}
	return since, until
}
