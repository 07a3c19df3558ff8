package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryLimiterSlidingWindow(t *testing.T) {
	l := newMemoryLimiter(3, 5*time.Minute)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !l.Allow(ctx, "a@x|1.2.3.4") {
			t.Fatalf("attempt %d denied inside the limit", i+1)
		}
	}
	if l.Allow(ctx, "a@x|1.2.3.4") {
		t.Fatal("fourth attempt allowed over the limit")
	}
	if !l.Allow(ctx, "a@x|9.9.9.9") {
		t.Fatal("a different key shares the lockout")
	}

	// The window slides: once the oldest attempts age out, new ones pass.
	now = now.Add(5*time.Minute + time.Second)
	if !l.Allow(ctx, "a@x|1.2.3.4") {
		t.Fatal("attempt denied after the window passed")
	}
}

func TestMemoryLimiterSweepsDeadKeys(t *testing.T) {
	l := newMemoryLimiter(3, time.Minute)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		l.Allow(ctx, string(rune('a'+i%26))+"|10.0.0.1")
	}
	now = now.Add(2 * time.Minute)
	l.Allow(ctx, "fresh|10.0.0.1")

	l.mu.Lock()
	size := len(l.attempts)
	l.mu.Unlock()
	if size != 1 {
		t.Errorf("map holds %d keys after sweep, want 1", size)
	}
}

func TestRedisLimiterSlidingWindow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	l := newRedisLimiter(client, 2, time.Minute)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	if !l.Allow(ctx, "a@x|1.2.3.4") || !l.Allow(ctx, "a@x|1.2.3.4") {
		t.Fatal("attempts inside the limit denied")
	}
	if l.Allow(ctx, "a@x|1.2.3.4") {
		t.Fatal("attempt over the limit allowed")
	}

	now = now.Add(61 * time.Second)
	if !l.Allow(ctx, "a@x|1.2.3.4") {
		t.Fatal("attempt denied after the window passed")
	}
}

func TestRedisLimiterAllowsWhenRedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	l := newRedisLimiter(client, 1, time.Minute)
	if !l.Allow(context.Background(), "a@x|1.2.3.4") {
		t.Fatal("limiter store outage must not lock users out")
	}
}

func TestNewLoginLimiterPicksBackend(t *testing.T) {
	if _, ok := NewLoginLimiter(nil, 5, time.Minute).(*memoryLimiter); !ok {
		t.Error("nil client must fall back to the in-process limiter")
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	if _, ok := NewLoginLimiter(client, 5, time.Minute).(*redisLimiter); !ok {
		t.Error("a live client must select the Redis limiter")
	}
}
