package cache

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryCache is a capacity-bounded in-process tier. It is the fast L1 in
// front of the shared and authoritative tiers, and also serves as the
// per-request local tier handed to Chain.WithLocal.
type MemoryCache struct {
	mu    sync.Mutex // serialises Add, Incr and CompareAndDelete
	items *ttlcache.Cache[string, []byte]
	name  string
}

// NewMemoryCache creates a new memory cache holding at most capacity
// entries, each living for ttl (zero keeps entries until evicted).
func NewMemoryCache(capacity int, ttl time.Duration) *MemoryCache {
	if capacity <= 0 {
		capacity = 1000 // default to 1000 entries
	}
	return &MemoryCache{
		items: ttlcache.New[string, []byte](
			ttlcache.WithCapacity[string, []byte](uint64(capacity)),
			ttlcache.WithTTL[string, []byte](ttl),
			ttlcache.WithDisableTouchOnHit[string, []byte](),
		),
		name: "memory",
	}
}

// NewRequestCache creates a small tier scoped to a single request or job.
func NewRequestCache() *MemoryCache {
	c := NewMemoryCache(10000, 0)
	c.name = "request"
	return c
}

func (m *MemoryCache) Name() string { return m.name }

func (m *MemoryCache) Local() bool { return true }

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	item := m.items.Get(key)
	if item == nil {
		return nil, ErrCacheMiss
	}
	return item.Value(), nil
}

func (m *MemoryCache) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if v, err := m.Get(ctx, key); err == nil {
			out[key] = v
		}
	}
	return out, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.items.Set(key, value, itemTTL(ttl))
	return nil
}

func (m *MemoryCache) SetMulti(ctx context.Context, values map[string][]byte, ttl time.Duration) error {
	for key, value := range values {
		m.items.Set(key, value, itemTTL(ttl))
	}
	return nil
}

func (m *MemoryCache) Add(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.items.Has(key) {
		return ErrNotStored
	}
	m.items.Set(key, value, itemTTL(ttl))
	return nil
}

func (m *MemoryCache) CompareAndDelete(_ context.Context, key string, expected []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := m.items.Get(key)
	if item == nil || !bytes.Equal(item.Value(), expected) {
		return false, nil
	}
	m.items.Delete(key)
	return true, nil
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.items.Delete(key)
	return nil
}

func (m *MemoryCache) DeleteMulti(_ context.Context, keys []string) error {
	for _, key := range keys {
		m.items.Delete(key)
	}
	return nil
}

func (m *MemoryCache) Incr(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	if item := m.items.Get(key); item != nil {
		parsed, err := strconv.ParseInt(string(item.Value()), 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n += delta
	m.items.Set(key, []byte(strconv.FormatInt(n, 10)), ttlcache.DefaultTTL)
	return n, nil
}

// Clear removes all entries from the cache
func (m *MemoryCache) Clear() {
	m.items.DeleteAll()
}

func (m *MemoryCache) Stats(context.Context) (*Stats, error) {
	metrics := m.items.Metrics()
	var size int64
	m.items.Range(func(item *ttlcache.Item[string, []byte]) bool {
		size += int64(len(item.Value()))
		return true
	})
	hits, misses := int64(metrics.Hits), int64(metrics.Misses)
	return &Stats{
		Tier:      m.name,
		Entries:   int64(m.items.Len()),
		SizeBytes: size,
		HitRate:   hitRate(hits, misses),
		Hits:      hits,
		Misses:    misses,
	}, nil
}

// CleanupExpired removes all expired entries
func (m *MemoryCache) CleanupExpired(context.Context) error {
	m.items.DeleteExpired()
	return nil
}

func (m *MemoryCache) Close() error {
	m.items.DeleteAll()
	return nil
}

func itemTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttlcache.DefaultTTL
	}
	return ttl
}
