package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisLockMutualExclusion(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	a := NewRedisLock(client, "job:email_batch", time.Minute)
	b := NewRedisLock(client, "job:email_batch", time.Minute)

	ok, err := a.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire failed: ok=%v err=%v", ok, err)
	}

	ok, err = b.Acquire(ctx)
	if err != nil {
		t.Fatalf("second acquire errored: %v", err)
	}
	if ok {
		t.Fatal("second acquire must be refused while lock is held")
	}

	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	ok, err = b.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire after release failed: ok=%v err=%v", ok, err)
	}
}

func TestRedisLockReleaseOnlyOwner(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	owner := NewRedisLock(client, "job:reconcile", time.Minute)
	thief := NewRedisLock(client, "job:reconcile", time.Minute)

	if ok, _ := owner.Acquire(ctx); !ok {
		t.Fatal("owner failed to acquire")
	}

	// A different instance must not be able to release the owner's lock.
	if err := thief.Release(ctx); err != nil {
		t.Fatalf("release by non-owner errored: %v", err)
	}
	if ok, _ := thief.Acquire(ctx); ok {
		t.Fatal("lock should still be held by owner after foreign release")
	}
}

func TestRedisLockExpires(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	a := NewRedisLock(client, "job:sweep", 50*time.Millisecond)
	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("acquire failed")
	}

	mr.FastForward(100 * time.Millisecond)

	b := NewRedisLock(client, "job:sweep", time.Minute)
	if ok, _ := b.Acquire(ctx); !ok {
		t.Fatal("lock should be acquirable after TTL expiry")
	}
}

func TestNilFactoryMintsNoopLocks(t *testing.T) {
	var f *Factory
	l := f.Lock("anything", time.Second)

	ok, err := l.Acquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("noop lock must always grant: ok=%v err=%v", ok, err)
	}
	if err := l.Release(context.Background()); err != nil {
		t.Fatalf("noop release: %v", err)
	}
}

func TestFactoryPrefersRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	f := NewFactory(client, nil)
	l := f.Lock("job:invitations", time.Minute)
	if _, ok := l.(*RedisLock); !ok {
		t.Fatalf("expected *RedisLock, got %T", l)
	}
}
