// Package lock provides named mutual exclusion across processes on top of a
// shared cache tier. A lock is a key written with add-if-absent semantics
// and a TTL, holding a random owner token.
package lock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/afterdarksys/querycached/pkg/cache"
)

var (
	// ErrLockHeld is returned by Acquire when another owner holds the lock.
	ErrLockHeld = errors.New("lock already held")
	// ErrLockTimeout is returned when a lock could not be taken in time.
	ErrLockTimeout = errors.New("timeout acquiring lock")
)

// IsRetryable reports whether err is a lock contention failure that may
// succeed when the operation is retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrLockHeld)
}

const keyPrefix = "lock:"

// Locker hands out locks stored in a single cache tier.
type Locker struct {
	tier    cache.Cache
	ttl     time.Duration
	timeout time.Duration
	logger  *zap.Logger
}

type Option func(*Locker)

// WithTTL bounds how long a crashed holder can block others.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithTimeout bounds how long TryAcquire waits.
func WithTimeout(timeout time.Duration) Option {
	return func(l *Locker) {
		if timeout > 0 {
			l.timeout = timeout
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a Locker on tier.
func New(tier cache.Cache, opts ...Option) *Locker {
	l := &Locker{
		tier:    tier,
		ttl:     30 * time.Second,
		timeout: 30 * time.Second,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock is a held lock.
type Lock struct {
	locker    *Locker
	name      string
	token     string
	expiresAt time.Time
}

// Name returns the lock name.
func (lk *Lock) Name() string { return lk.name }

// IsExpired reports whether the TTL has passed, after which another owner
// may have taken the lock.
func (lk *Lock) IsExpired() bool { return time.Now().After(lk.expiresAt) }

// Acquire makes a single attempt to take the lock.
func (l *Locker) Acquire(ctx context.Context, name string) (*Lock, error) {
	token := uuid.NewString()
	err := l.tier.Add(ctx, keyPrefix+name, []byte(token), l.ttl)
	if errors.Is(err, cache.ErrNotStored) {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}

	l.logger.Debug("Lock acquired", zap.String("lock", name), zap.String("token", token))
	return &Lock{
		locker:    l,
		name:      name,
		token:     token,
		expiresAt: time.Now().Add(l.ttl),
	}, nil
}

// TryAcquire retries Acquire with backoff until the lock is taken, the
// timeout passes or ctx is done.
func (l *Locker) TryAcquire(ctx context.Context, name string) (*Lock, error) {
	deadline := time.Now().Add(l.timeout)
	retryInterval := 100 * time.Millisecond

	for {
		lk, err := l.Acquire(ctx, name)
		if err == nil {
			return lk, nil
		}
		if !errors.Is(err, ErrLockHeld) {
			return nil, err
		}
		if !time.Now().Add(retryInterval).Before(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, name)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
			if retryInterval < time.Second {
				retryInterval = min(time.Duration(float64(retryInterval)*1.5), time.Second)
			}
		}
	}
}

// Release deletes the lock if it is still owned by this holder. The owner
// check and the delete are one step on tiers that support it.
func (lk *Lock) Release(ctx context.Context) error {
	deleted, err := cache.CompareAndDelete(ctx, lk.locker.tier, keyPrefix+lk.name, []byte(lk.token))
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", lk.name, err)
	}
	if !deleted {
		lk.locker.logger.Warn("Lock expired or taken over before release", zap.String("lock", lk.name))
		return nil
	}
	lk.locker.logger.Debug("Lock released", zap.String("lock", lk.name))
	return nil
}

type heldKey struct{}

func held(ctx context.Context) map[string]struct{} {
	h, _ := ctx.Value(heldKey{}).(map[string]struct{})
	return h
}

// Held reports whether ctx already carries name.
func Held(ctx context.Context, name string) bool {
	_, ok := held(ctx)[name]
	return ok
}

// With runs fn while holding every named lock. Names are taken in sorted
// order. Names already held by an enclosing With on ctx are not taken
// again, so nested calls for the same key do not deadlock.
func (l *Locker) With(ctx context.Context, fn func(ctx context.Context) error, names ...string) error {
	outer := held(ctx)
	want := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := outer[n]; !ok {
			want = append(want, n)
		}
	}
	slices.Sort(want)
	want = slices.Compact(want)

	acquired := make([]*Lock, 0, len(want))
	defer func() {
		// reverse order, detached from ctx cancellation
		rctx := context.WithoutCancel(ctx)
		for i := len(acquired) - 1; i >= 0; i-- {
			if err := acquired[i].Release(rctx); err != nil {
				l.logger.Warn("Failed to release lock", zap.String("lock", acquired[i].name), zap.Error(err))
			}
		}
	}()

	for _, n := range want {
		lk, err := l.TryAcquire(ctx, n)
		if err != nil {
			return err
		}
		acquired = append(acquired, lk)
	}

	inner := make(map[string]struct{}, len(outer)+len(want))
	for n := range outer {
		inner[n] = struct{}{}
	}
	for _, n := range want {
		inner[n] = struct{}{}
	}
	return fn(context.WithValue(ctx, heldKey{}, inner))
}
