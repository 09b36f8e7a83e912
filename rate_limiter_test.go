package keyfold_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/keyfold/keyfold"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisRateLimiterWindow(t *testing.T) {
	mr, client := newTestRedis(t)
	limiter := keyfold.NewRedisRateLimiter(client, keyfold.RateLimitConfig{
		Enabled:     true,
		MaxAttempts: 3,
		Cooldown:    time.Minute,
	})
	ctx := context.Background()

	decision, err := limiter.Check(ctx, "signin:a@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !decision.Allowed || decision.Remaining != 3 {
		t.Errorf("fresh key decision %+v", decision)
	}

	for i := 0; i < 3; i++ {
		if err := limiter.Record(ctx, "signin:a@example.com"); err != nil {
			t.Fatal(err)
		}
	}
	decision, err = limiter.Check(ctx, "signin:a@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if decision.Allowed || decision.Remaining != 0 {
		t.Errorf("saturated key decision %+v", decision)
	}

	// Checking never consumes budget.
	for i := 0; i < 5; i++ {
		if _, err := limiter.Check(ctx, "signin:fresh@example.com"); err != nil {
			t.Fatal(err)
		}
	}
	decision, _ = limiter.Check(ctx, "signin:fresh@example.com")
	if !decision.Allowed || decision.Remaining != 3 {
		t.Errorf("checks consumed budget: %+v", decision)
	}

	// The window expires.
	mr.FastForward(2 * time.Minute)
	decision, err = limiter.Check(ctx, "signin:a@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !decision.Allowed {
		t.Errorf("window did not expire: %+v", decision)
	}
}

func TestRedisRateLimiterReset(t *testing.T) {
	_, client := newTestRedis(t)
	limiter := keyfold.NewRedisRateLimiter(client, keyfold.RateLimitConfig{
		Enabled:     true,
		MaxAttempts: 1,
		Cooldown:    time.Minute,
	})
	ctx := context.Background()

	if err := limiter.Record(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if decision, _ := limiter.Check(ctx, "k"); decision.Allowed {
		t.Error("expected saturated window")
	}
	if err := limiter.Reset(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if decision, _ := limiter.Check(ctx, "k"); !decision.Allowed {
		t.Error("reset did not clear the window")
	}
}

func TestRedisRateLimiterKeysAreIndependent(t *testing.T) {
	_, client := newTestRedis(t)
	limiter := keyfold.NewRedisRateLimiter(client, keyfold.RateLimitConfig{
		Enabled:     true,
		MaxAttempts: 1,
		Cooldown:    time.Minute,
	})
	ctx := context.Background()

	if err := limiter.Record(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if decision, _ := limiter.Check(ctx, "b"); !decision.Allowed {
		t.Error("unrelated key throttled")
	}
}
