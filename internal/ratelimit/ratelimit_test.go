package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiterCapsBurst(t *testing.T) {
	l := NewMemoryLimiter(3, time.Hour)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow(ctx, "trip-1"); !ok {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	if ok, _ := l.Allow(ctx, "trip-1"); ok {
		t.Fatal("fourth attempt should be limited")
	}
	if ok, _ := l.Allow(ctx, "trip-2"); !ok {
		t.Fatal("keys must not share a bucket")
	}
	if err := l.Forget(ctx, "trip-1"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := l.Allow(ctx, "trip-1"); !ok {
		t.Fatal("forgotten key should start fresh")
	}
}

func TestMemoryLimiterRefills(t *testing.T) {
	l := NewMemoryLimiter(2, 20*time.Millisecond)
	ctx := context.Background()
	l.Allow(ctx, "k")
	l.Allow(ctx, "k")
	if ok, _ := l.Allow(ctx, "k"); ok {
		t.Fatal("expected limit")
	}
	time.Sleep(30 * time.Millisecond)
	if ok, _ := l.Allow(ctx, "k"); !ok {
		t.Fatal("expected a refilled token")
	}
}

func TestMemoryLimiterEvictsIdleBuckets(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(2, time.Minute)
	l.now = func() time.Time { return now }

	l.Allow(ctx, "abandoned")
	l.Allow(ctx, "abandoned")
	now = now.Add(30 * time.Second)
	l.Allow(ctx, "active")
	if len(l.buckets) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(l.buckets))
	}

	now = now.Add(40 * time.Second) // abandoned idle 70s, active idle 40s
	l.Allow(ctx, "active")
	if _, ok := l.buckets["abandoned"]; ok {
		t.Fatal("idle bucket should be evicted")
	}
	if _, ok := l.buckets["active"]; !ok {
		t.Fatal("recent bucket should be kept")
	}
	if ok, _ := l.Allow(ctx, "abandoned"); !ok {
		t.Fatal("evicted key should start with a full bucket")
	}
}
