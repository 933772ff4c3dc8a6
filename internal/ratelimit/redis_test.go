package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLimiter(t *testing.T, limit int, window time.Duration) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return NewRedisLimiter(rc, "otp:verify:", limit, window), mr
}

func TestRedisLimiterWindow(t *testing.T) {
	l, mr := newRedisLimiter(t, 3, time.Minute)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "trip-1")
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	if ok, err := l.Allow(ctx, "trip-1"); err != nil || ok {
		t.Fatalf("fourth attempt should be limited, got ok=%v err=%v", ok, err)
	}
	if ok, _ := l.Allow(ctx, "trip-2"); !ok {
		t.Fatal("keys must not share a window")
	}
	if ttl := mr.TTL("otp:verify:trip-1"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("window key ttl = %s", ttl)
	}

	mr.FastForward(time.Minute + time.Second)
	if ok, _ := l.Allow(ctx, "trip-1"); !ok {
		t.Fatal("a new window should allow again")
	}
}

func TestRedisLimiterForget(t *testing.T) {
	l, mr := newRedisLimiter(t, 1, time.Hour)
	ctx := context.Background()
	l.Allow(ctx, "trip-1")
	if ok, _ := l.Allow(ctx, "trip-1"); ok {
		t.Fatal("expected limit")
	}
	if err := l.Forget(ctx, "trip-1"); err != nil {
		t.Fatal(err)
	}
	if mr.Exists("otp:verify:trip-1") {
		t.Fatal("window key should be deleted")
	}
	if ok, _ := l.Allow(ctx, "trip-1"); !ok {
		t.Fatal("forgotten key should start fresh")
	}
}

func TestRedisLimiterFailsClosed(t *testing.T) {
	l, mr := newRedisLimiter(t, 5, time.Minute)
	mr.Close()
	ok, err := l.Allow(context.Background(), "trip-1")
	if err == nil || ok {
		t.Fatalf("expected an error and no allowance, got ok=%v err=%v", ok, err)
	}
}

func TestRedisLimiterRejectsMalformedScriptResult(t *testing.T) {
	l, _ := newRedisLimiter(t, 5, time.Minute)
	l.script = redis.NewScript(`return 1`)
	if ok, err := l.Allow(context.Background(), "trip-1"); err == nil || ok {
		t.Fatalf("expected a parse error, got ok=%v err=%v", ok, err)
	}

	l.script = redis.NewScript(`return {1, 1}`)
	if ok, err := l.Allow(context.Background(), "trip-1"); err == nil || ok {
		t.Fatalf("expected a parse error for a short result, got ok=%v err=%v", ok, err)
	}
}
