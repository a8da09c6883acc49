// Package precompute rate-limits and runs the batch recomputes of
// time-windowed listings. Each subject keeps a record of when every one of
// its precomputed listings last ran; a listing is eligible again once the
// interval has passed.
package precompute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/afterdarksys/querycached/pkg/cache"
	"github.com/afterdarksys/querycached/pkg/lock"
)

// DefaultInterval is how often a precomputed listing may run per subject.
const DefaultInterval = 24 * time.Hour

// Recomputer rebuilds one listing from the primary store.
type Recomputer interface {
	Key() string
	Update(ctx context.Context) error
}

// Job is one precomputed listing of one subject.
type Job struct {
	// Scope is the subject fullname. Unscoped jobs are always eligible.
	Scope string
	// Identity names the listing within its scope, e.g. "links.top.week".
	Identity string
	// Force skips the eligibility check.
	Force bool
	Query Recomputer
}

func (j Job) String() string {
	if j.Scope == "" {
		return j.Identity
	}
	return j.Scope + "/" + j.Identity
}

// RecordKey is the cache key of the run record of scope.
func RecordKey(scope string) string { return "last_batch_query." + scope }

// LockName guards the run record of scope.
func LockName(scope string) string { return "last_batch_query(" + scope + ")" }

// Scheduler decides which jobs are due and records completed runs.
type Scheduler struct {
	chain    *cache.Chain
	locker   *lock.Locker
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

type Option func(*Scheduler)

// WithInterval sets the minimum time between two runs of one job.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewScheduler(chain *cache.Chain, locker *lock.Locker, opts ...Option) *Scheduler {
	s := &Scheduler{
		chain:    chain,
		locker:   locker,
		interval: DefaultInterval,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Interval returns the configured run interval.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// Preflight reports whether job should run now: it is forced, unscoped,
// has never run for its scope, or last ran at least one interval ago.
func (s *Scheduler) Preflight(ctx context.Context, job Job) (bool, error) {
	if job.Force || job.Scope == "" {
		return true, nil
	}
	data, err := s.chain.Get(ctx, RecordKey(job.Scope))
	if errors.Is(err, cache.ErrCacheMiss) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		s.logger.Warn("Ignoring unreadable run record", zap.String("scope", job.Scope), zap.Error(err))
		return true, nil
	}
	last, ok := rec[job.Identity]
	if !ok {
		return true, nil
	}
	return !s.now().Before(time.Unix(last, 0).Add(s.interval)), nil
}

// Postflight records that job ran now. The record of the scope is read,
// changed and written under the scope lock so runs of sibling listings
// are not lost.
func (s *Scheduler) Postflight(ctx context.Context, job Job) error {
	if job.Scope == "" {
		return nil
	}
	key := RecordKey(job.Scope)
	return s.locker.With(ctx, func(ctx context.Context) error {
		rec := make(map[string]int64)
		data, err := s.chain.Authoritative().Get(ctx, key)
		switch {
		case errors.Is(err, cache.ErrCacheMiss), err == nil && cache.IsNegative(data):
		case err != nil:
			return fmt.Errorf("failed to read run record %s: %w", job.Scope, err)
		default:
			if rec, err = decodeRecord(data); err != nil {
				s.logger.Warn("Replacing unreadable run record", zap.String("scope", job.Scope), zap.Error(err))
				rec = make(map[string]int64)
			}
		}

		rec[job.Identity] = ceilUnix(s.now())
		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return s.chain.SetDurable(ctx, key, out, 0)
	}, LockName(job.Scope))
}

// LastRuns returns when each listing of scope last ran.
func (s *Scheduler) LastRuns(ctx context.Context, scope string) (map[string]time.Time, error) {
	data, err := s.chain.Get(ctx, RecordKey(scope))
	if errors.Is(err, cache.ErrCacheMiss) {
		return map[string]time.Time{}, nil
	}
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(rec))
	for identity, at := range rec {
		out[identity] = time.Unix(at, 0)
	}
	return out, nil
}

// ceilUnix rounds t up to whole seconds so a run never looks older than
// it is.
func ceilUnix(t time.Time) int64 {
	sec := t.Unix()
	if t.Nanosecond() > 0 {
		sec++
	}
	return sec
}

func decodeRecord(data []byte) (map[string]int64, error) {
	rec := make(map[string]int64)
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}
