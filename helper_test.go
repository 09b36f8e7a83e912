package keyfold_test

import (
	"context"
	"sync"
	"testing"

	"github.com/keyfold/keyfold"
	"github.com/keyfold/keyfold/memstore"
)

// newTestEngine builds an engine on an in-memory store with cheap hashing
// parameters so the suite stays fast.
func newTestEngine(t *testing.T, mutate func(*keyfold.Config)) (*keyfold.Engine, *memstore.Store) {
	t.Helper()

	cfg := keyfold.DefaultConfig()
	cfg.Password = keyfold.PasswordConfig{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
	cfg.Verification.EnumerationDelay = 0
	if mutate != nil {
		mutate(&cfg)
	}

	store := memstore.New()
	b := keyfold.New().
		WithConfig(cfg).
		WithUserStore(store)
	if cfg.Mode != keyfold.ModeLegacy {
		b = b.WithIdentifierStore(store)
	}
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine, store
}

// memLimiter is a deterministic in-process RateLimiter for tests.
type memLimiter struct {
	mu    sync.Mutex
	max   int
	count map[string]int
}

func newMemLimiter(max int) *memLimiter {
	return &memLimiter{max: max, count: make(map[string]int)}
}

func (l *memLimiter) Check(_ context.Context, key string) (keyfold.RateLimitDecision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	remaining := l.max - l.count[key]
	if remaining < 0 {
		remaining = 0
	}
	return keyfold.RateLimitDecision{Allowed: l.count[key] < l.max, Remaining: remaining}, nil
}

func (l *memLimiter) Record(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count[key]++
	return nil
}

func (l *memLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.count, key)
	return nil
}

// newTestEngineWithLimiter wires a memLimiter capped at max failures.
func newTestEngineWithLimiter(t *testing.T, max int) (*keyfold.Engine, *memstore.Store) {
	t.Helper()

	cfg := keyfold.DefaultConfig()
	cfg.Password = keyfold.PasswordConfig{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
	cfg.Verification.EnumerationDelay = 0
	cfg.RateLimit.MaxAttempts = max

	store := memstore.New()
	engine, err := keyfold.New().
		WithConfig(cfg).
		WithUserStore(store).
		WithIdentifierStore(store).
		WithRateLimiter(newMemLimiter(max)).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine, store
}
