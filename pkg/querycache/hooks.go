package querycache

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/afterdarksys/querycached/pkg/lock"
	"github.com/afterdarksys/querycached/pkg/thing"
)

// AddQueries applies one write to many queries in a single batch. Each
// query takes the inserts if it can, else the deletes if there are any.
// Queries that can do neither are reported with ErrCannotUpdate after the
// rest of the batch has been written.
func (e *Engine) AddQueries(ctx context.Context, queries []*Query, inserts, deletes []thing.Entity) error {
	m := e.NewMutator()
	var errs []error
	for _, q := range queries {
		switch {
		case len(inserts) > 0 && q.CanInsert():
			if err := m.Insert(q, inserts...); err != nil {
				return err
			}
		case len(deletes) > 0 && q.CanDelete():
			m.Delete(q, deletes...)
		default:
			errs = append(errs, fmt.Errorf("%w: %s", ErrCannotUpdate, q))
		}
	}
	if err := m.Send(ctx); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// Retry runs fn until it succeeds, fails with an error that is not lock
// contention, or attempts runs out.
func Retry(ctx context.Context, attempts int, fn func(context.Context) error) error {
	attempts = max(attempts, 1)
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || !lock.IsRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

// Hooks applies write-path events to listings. Callers decide which
// queries an event affects; see the listing package.
type Hooks struct {
	eng      *Engine
	attempts int
	logger   *zap.Logger
}

// NewHooks returns hooks that retry lock contention attempts times before
// dropping an update.
func (e *Engine) NewHooks(attempts int) *Hooks {
	return &Hooks{eng: e, attempts: attempts, logger: e.logger}
}

func (h *Hooks) OnEntityCreated(ctx context.Context, queries []*Query, items ...thing.Entity) {
	h.apply(ctx, "entity_created", queries, items, nil)
}

func (h *Hooks) OnEntityDeleted(ctx context.Context, queries []*Query, items ...thing.Entity) {
	h.apply(ctx, "entity_deleted", queries, nil, items)
}

// OnRelationshipCreated inserts rels. Each query's filter decides which
// side of a relation is listed.
func (h *Hooks) OnRelationshipCreated(ctx context.Context, queries []*Query, rels ...thing.Relation) {
	h.apply(ctx, "relationship_created", queries, relEntities(rels), nil)
}

func (h *Hooks) OnRelationshipDeleted(ctx context.Context, queries []*Query, rels ...thing.Relation) {
	h.apply(ctx, "relationship_deleted", queries, nil, relEntities(rels))
}

// apply never fails the caller. A dropped update is corrected by the next
// recompute of the listing.
func (h *Hooks) apply(ctx context.Context, event string, queries []*Query, inserts, deletes []thing.Entity) {
	if len(queries) == 0 {
		return
	}
	err := Retry(ctx, h.attempts, func(ctx context.Context) error {
		return h.eng.AddQueries(ctx, queries, inserts, deletes)
	})
	if err == nil {
		return
	}
	if errors.Is(err, ErrCannotUpdate) && !lock.IsRetryable(err) {
		h.logger.Warn("Some listings cannot be updated incrementally",
			zap.String("event", event), zap.Error(err))
		return
	}
	h.logger.Warn("Dropping listing update",
		zap.String("event", event), zap.Int("queries", len(queries)), zap.Error(err))
}

func relEntities(rels []thing.Relation) []thing.Entity {
	out := make([]thing.Entity, len(rels))
	for i, r := range rels {
		out[i] = r
	}
	return out
}
