package keyfold

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisRateLimiter is a fixed-window counter. Record increments the window
// counter and stamps its expiry atomically; Check only reads, so probing a
// key never consumes budget.
type redisRateLimiter struct {
	client redis.UniversalClient
	max    int
	window time.Duration
}

// NewRedisRateLimiter returns a Redis-backed fixed-window RateLimiter.
func NewRedisRateLimiter(client redis.UniversalClient, cfg RateLimitConfig) RateLimiter {
	return &redisRateLimiter{
		client: client,
		max:    cfg.MaxAttempts,
		window: cfg.Cooldown,
	}
}

// recordScript increments the counter and sets the window expiry only on
// the first increment, so the window never slides.
var recordScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

func (l *redisRateLimiter) key(k string) string {
	return "keyfold:rl:" + k
}

func (l *redisRateLimiter) Check(ctx context.Context, key string) (RateLimitDecision, error) {
	pipe := l.client.Pipeline()
	getCmd := pipe.Get(ctx, l.key(key))
	ttlCmd := pipe.PTTL(ctx, l.key(key))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return RateLimitDecision{}, err
	}

	count, err := getCmd.Int()
	if err == redis.Nil {
		return RateLimitDecision{Allowed: true, Remaining: l.max}, nil
	}
	if err != nil {
		return RateLimitDecision{}, err
	}

	decision := RateLimitDecision{
		Allowed:   count < l.max,
		Remaining: l.max - count,
	}
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	if ttl, err := ttlCmd.Result(); err == nil && ttl > 0 {
		decision.ResetAt = time.Now().Add(ttl)
	}
	return decision, nil
}

func (l *redisRateLimiter) Record(ctx context.Context, key string) error {
	return recordScript.Run(ctx, l.client, []string{l.key(key)}, l.window.Milliseconds()).Err()
}

func (l *redisRateLimiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.key(key)).Err()
}
