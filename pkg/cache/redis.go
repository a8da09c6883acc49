package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndDeleteScript removes KEYS[1] only while it holds ARGV[1].
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisCache is the shared network tier. Every process talks to the same
// instance, so it is kept consistent by write fan-out but may be flushed
// without data loss.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr string, db int, ttl time.Duration) (*RedisCache, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewRedisWithClient(client, ttl), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: "qc:",
		ttl:    ttl,
	}
}

func (r *RedisCache) Name() string { return "redis" }

func (r *RedisCache) k(key string) string { return r.prefix + key }

func (r *RedisCache) expiration(ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return r.ttl
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.k(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		r.misses.Add(1)
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	r.hits.Add(1)
	return val, nil
}

func (r *RedisCache) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = r.k(key)
	}
	vals, err := r.client.MGet(ctx, prefixed...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entries: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			r.misses.Add(1)
			continue
		}
		r.hits.Add(1)
		out[keys[i]] = []byte(s)
	}
	return out, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.k(key), value, r.expiration(ttl)).Err(); err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

// SetMulti writes all values in one MULTI/EXEC round trip.
func (r *RedisCache) SetMulti(ctx context.Context, values map[string][]byte, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}
	exp := r.expiration(ttl)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, value := range values {
			pipe.Set(ctx, r.k(key), value, exp)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set cache entries: %w", err)
	}
	return nil
}

func (r *RedisCache) Add(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ok, err := r.client.SetNX(ctx, r.k(key), value, r.expiration(ttl)).Result()
	if err != nil {
		return fmt.Errorf("failed to add cache entry: %w", err)
	}
	if !ok {
		return ErrNotStored
	}
	return nil
}

func (r *RedisCache) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, r.client, []string{r.k(key)}, expected).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return n == 1, nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.k(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

func (r *RedisCache) DeleteMulti(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = r.k(key)
	}
	if err := r.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("failed to delete cache entries: %w", err)
	}
	return nil
}

func (r *RedisCache) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := r.client.IncrBy(ctx, r.k(key), delta).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment cache entry: %w", err)
	}
	return n, nil
}

func (r *RedisCache) Stats(ctx context.Context) (*Stats, error) {
	n, err := r.client.DBSize(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get entry count: %w", err)
	}
	hits, misses := r.hits.Load(), r.misses.Load()
	return &Stats{
		Tier:    r.Name(),
		Entries: n,
		HitRate: hitRate(hits, misses),
		Hits:    hits,
		Misses:  misses,
	}, nil
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
