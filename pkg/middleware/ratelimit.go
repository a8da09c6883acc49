package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter implements per-client token bucket rate limiting. Clients are
// keyed by the host part of RemoteAddr, so put it behind chi's RealIP when
// the daemon sits behind a proxy.
type RateLimiter struct {
	mu            sync.Mutex
	limiters      map[string]*tokenBucket
	rate          int // requests per minute
	burst         int
	now           func() time.Time
	cleanupTicker *time.Ticker
	done          chan struct{}
	once          sync.Once
}

// tokenBucket implements the token bucket algorithm
type tokenBucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a rate limiter allowing rate requests per minute
// per client with bursts of up to burst requests.
func NewRateLimiter(rate, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	rl := &RateLimiter{
		limiters: make(map[string]*tokenBucket),
		rate:     rate,
		burst:    burst,
		now:      time.Now,
		done:     make(chan struct{}),
	}

	// Start cleanup goroutine to remove stale limiters
	rl.cleanupTicker = time.NewTicker(5 * time.Minute)
	go rl.cleanup()

	return rl
}

// SetClock replaces the time source. Used by tests.
func (rl *RateLimiter) SetClock(now func() time.Time) {
	rl.mu.Lock()
	rl.now = now
	rl.mu.Unlock()
}

// Middleware returns an HTTP middleware that enforces the limit
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", strconv.Itoa(rl.retryAfter()))
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allow reports whether a request from client may proceed and consumes a token
func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	bucket, exists := rl.limiters[client]
	now := rl.now()
	if !exists {
		bucket = newTokenBucket(rl.rate, rl.burst, now)
		rl.limiters[client] = bucket
	}
	rl.mu.Unlock()

	return bucket.allow(now)
}

func (rl *RateLimiter) retryAfter() int {
	if rl.rate <= 0 {
		return 60
	}
	return max(1, 60/rl.rate)
}

// cleanup removes limiters inactive for more than 10 minutes
func (rl *RateLimiter) cleanup() {
	for {
		select {
		case <-rl.cleanupTicker.C:
			rl.mu.Lock()
			now := rl.now()
			for client, bucket := range rl.limiters {
				bucket.mu.Lock()
				if now.Sub(bucket.lastRefill) > 10*time.Minute {
					delete(rl.limiters, client)
				}
				bucket.mu.Unlock()
			}
			rl.mu.Unlock()
		case <-rl.done:
			return
		}
	}
}

// Close stops the cleanup goroutine
func (rl *RateLimiter) Close() {
	rl.once.Do(func() {
		rl.cleanupTicker.Stop()
		close(rl.done)
	})
}

// Stats returns rate limiter statistics
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return map[string]interface{}{
		"clients": len(rl.limiters),
		"rate":    rl.rate,
		"burst":   rl.burst,
	}
}

func newTokenBucket(ratePerMinute, burst int, now time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		capacity:   float64(burst),
		refillRate: float64(ratePerMinute) / 60.0, // convert to per-second
		lastRefill: now,
	}
}

// allow refills the bucket for the time elapsed since the last call and
// consumes a token if one is available
func (tb *tokenBucket) allow(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if elapsed := now.Sub(tb.lastRefill).Seconds(); elapsed > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
		tb.lastRefill = now
	}

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

func clientKey(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
