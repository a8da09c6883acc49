package cache

import (
	"bytes"
	"context"
	"errors"
	"time"
)

var (
	// ErrCacheMiss is returned when a key is absent, expired or negatively cached.
	ErrCacheMiss = errors.New("cache miss")
	// ErrNotStored is returned by Add when the key already holds a live value.
	ErrNotStored = errors.New("not stored")
)

// Cache defines one tier of the query cache. Tiers are ordered from the
// fastest and smallest to the authoritative one by a Chain.
type Cache interface {
	// Name identifies the tier in logs and metrics.
	Name() string
	Get(ctx context.Context, key string) ([]byte, error)
	// GetMulti returns only the keys that were found.
	GetMulti(ctx context.Context, keys []string) (map[string][]byte, error)
	// Set stores value. A zero ttl uses the tier default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetMulti(ctx context.Context, values map[string][]byte, ttl time.Duration) error
	// Add stores value only if key is absent; otherwise ErrNotStored.
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteMulti(ctx context.Context, keys []string) error
	// Incr adds delta to a decimal counter, creating it at zero.
	Incr(ctx context.Context, key string, delta int64) (int64, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// Local is implemented by tiers that live inside the process. They may be
// dropped and rebuilt at will, so read-modify-write paths skip them.
type Local interface {
	Local() bool
}

// CompareDeleter is implemented by tiers that can delete a key only while
// it holds an expected value, in one step.
type CompareDeleter interface {
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
}

// CompareAndDelete deletes key from t if it holds expected and reports
// whether it did. Tiers without CompareDeleter get a read then a delete,
// which can race with a concurrent writer.
func CompareAndDelete(ctx context.Context, t Cache, key string, expected []byte) (bool, error) {
	if cd, ok := t.(CompareDeleter); ok {
		return cd.CompareAndDelete(ctx, key, expected)
	}
	val, err := t.Get(ctx, key)
	if errors.Is(err, ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !bytes.Equal(val, expected) {
		return false, nil
	}
	return true, t.Delete(ctx, key)
}

// Cleaner is implemented by tiers that need expired rows swept periodically.
type Cleaner interface {
	CleanupExpired(ctx context.Context) error
}

// Stats represents cache statistics
type Stats struct {
	Tier      string  `json:"tier"`
	Entries   int64   `json:"entries"`
	SizeBytes int64   `json:"size_bytes"`
	HitRate   float64 `json:"hit_rate"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func isLocal(c Cache) bool {
	l, ok := c.(Local)
	return ok && l.Local()
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
