// Package ratelimit caps how often a key may perform an action inside a
// window. The OTP gate uses it to blunt brute force on 4-digit codes.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	// Forget drops the key's history once it no longer needs limiting.
	Forget(ctx context.Context, key string) error
}

type bucket struct {
	l    *rate.Limiter
	seen time.Time
}

// MemoryLimiter is a per-key token bucket refilling limit tokens per window.
// A bucket untouched for a whole window is full again, so it is evicted on
// the next sweep.
type MemoryLimiter struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	buckets   map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{limit: limit, window: window, buckets: make(map[string]*bucket), now: time.Now}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := m.now()
	m.mu.Lock()
	if now.Sub(m.lastSweep) >= m.window {
		m.sweep(now)
	}
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{l: rate.NewLimiter(rate.Every(m.window/time.Duration(m.limit)), m.limit)}
		m.buckets[key] = b
	}
	b.seen = now
	m.mu.Unlock()
	return b.l.AllowN(now, 1), nil
}

// sweep evicts idle buckets. Caller holds mu.
func (m *MemoryLimiter) sweep(now time.Time) {
	for k, b := range m.buckets {
		if now.Sub(b.seen) >= m.window {
			delete(m.buckets, k)
		}
	}
	m.lastSweep = now
}

func (m *MemoryLimiter) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.buckets, key)
	m.mu.Unlock()
	return nil
}

// fixed window counter; the first hit in a window sets the expiry
const windowScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = redis.call('INCR', key)
if current == 1 then
    redis.call('PEXPIRE', key, ttl)
end

if current > limit then
    return {0, current, limit}
end
return {1, current, limit}
`

// RedisLimiter shares the window across API replicas.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	script *redis.Script
}

func NewRedisLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, window: window, script: redis.NewScript(windowScript)}
}

// Allow fails closed: a Redis error is returned rather than letting the
// attempt through.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	res, err := r.script.Run(ctx, r.client, []string{r.prefix + key}, r.limit, r.window.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return false, fmt.Errorf("rate limit %s: unexpected script result %v", key, res)
	}
	allowed, _ := vals[0].(int64)
	return allowed == 1, nil
}

func (r *RedisLimiter) Forget(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}
