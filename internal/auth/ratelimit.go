package auth

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LoginLimiter throttles login attempts per identity key. Allow reports
// whether one more attempt may proceed right now.
type LoginLimiter interface {
	Allow(ctx context.Context, key string) bool
}

// NewLoginLimiter returns the Redis-backed limiter when a client is
// available and the in-process fallback otherwise. The fallback is
// per-replica, so a multi-replica deployment without Redis effectively
// multiplies the limit by the replica count.
func NewLoginLimiter(client *redis.Client, maxAttempts int, window time.Duration) LoginLimiter {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	if client != nil {
		return newRedisLimiter(client, maxAttempts, window)
	}
	return newMemoryLimiter(maxAttempts, window)
}

// Lua script for an atomic sliding-window check. Drops entries older than
// the window, counts what is left, and records the attempt only when it
// is allowed.
const slidingWindowLuaScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, 0, now - window)
if redis.call("ZCARD", key) >= limit then
    return 0
end
redis.call("ZADD", key, now, member)
redis.call("PEXPIRE", key, window)
return 1
`

type redisLimiter struct {
	client *redis.Client
	script *redis.Script
	limit  int
	window time.Duration
	now    func() time.Time
}

func newRedisLimiter(client *redis.Client, limit int, window time.Duration) *redisLimiter {
	return &redisLimiter{
		client: client,
		script: redis.NewScript(slidingWindowLuaScript),
		limit:  limit,
		window: window,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Allow runs the sliding-window script. A Redis failure allows the
// attempt and logs; locking users out because the limiter store is down
// would turn a Redis outage into a login outage.
func (l *redisLimiter) Allow(ctx context.Context, key string) bool {
	now := l.now()
	res, err := l.script.Run(ctx, l.client,
		[]string{"loginlimit:" + key},
		now.UnixMilli(),
		l.window.Milliseconds(),
		l.limit,
		strconv.FormatInt(now.UnixNano(), 10),
	).Int()
	if err != nil {
		log.Printf("[LoginLimiter] Redis check failed, allowing attempt: %v", err)
		return true
	}
	return res == 1
}

// memoryLimiter is the single-process fallback. Same sliding window,
// kept as per-key timestamp slices under one mutex.
type memoryLimiter struct {
	mu        sync.Mutex
	attempts  map[string][]time.Time
	limit     int
	window    time.Duration
	now       func() time.Time
	lastSweep time.Time
}

func newMemoryLimiter(limit int, window time.Duration) *memoryLimiter {
	return &memoryLimiter{
		attempts: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (l *memoryLimiter) Allow(ctx context.Context, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	if now.Sub(l.lastSweep) > l.window {
		l.sweepLocked(cutoff)
		l.lastSweep = now
	}

	kept := l.attempts[key][:0]
	for _, t := range l.attempts[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.limit {
		l.attempts[key] = kept
		return false
	}
	l.attempts[key] = append(kept, now)
	return true
}

// sweepLocked drops keys whose attempts all fell out of the window so an
// attacker rotating identities cannot grow the map without bound.
func (l *memoryLimiter) sweepLocked(cutoff time.Time) {
	for key, stamps := range l.attempts {
		live := false
		for _, t := range stamps {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.attempts, key)
		}
	}
}

// limiterKey builds the throttle identity from the normalized email and
// the client IP, so lockouts are scoped to the pair.
func limiterKey(normalizedEmail, ip string) string {
	return fmt.Sprintf("%s|%s", normalizedEmail, ip)
}
