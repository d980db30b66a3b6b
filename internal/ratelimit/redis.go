package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow prunes, counts and records in one step so concurrent
// callers on a key can never overshoot the limit.
//
// KEYS[1] window key. ARGV: now, floor, limit, ttl_ms, member.
var slidingWindow = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// RedisLimiter implements Limiter with a sliding-window log in Redis, so
// every instance sharing the Redis sees the same pacing.
//
// Each key holds a sorted set of event timestamps. An event is allowed when
// fewer than limit events fall inside the trailing window.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter creates a limiter allowing limit events per window. The
// client is owned by the caller; Close does not close it.
func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	if limit < 1 {
		limit = 1
	}
	if window < time.Millisecond {
		window = time.Millisecond
	}
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, window: window, now: time.Now}
}

// Allow records the event if the window has room.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := r.now().UnixMicro()
	floor := now - r.window.Microseconds()
	member := strconv.FormatInt(now, 10) + ":" + uuid.NewString()

	allowed, err := slidingWindow.Run(ctx, r.client, []string{r.prefix + key},
		now, floor, r.limit, r.window.Milliseconds(), member).Int()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis window %s: %w", key, err)
	}
	return allowed == 1, nil
}

// Close is a no-op; the Redis client belongs to the caller.
func (r *RedisLimiter) Close() error { return nil }
