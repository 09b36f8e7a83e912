package keyfold

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Challenge is one pending verification code. Only the code's hash is
// stored; the plaintext exists solely in the SendVerification response.
type Challenge struct {
	Key          string    `json:"key"`
	CodeHash     string    `json:"code_hash"`
	UserID       string    `json:"user_id"`
	IdentifierID string    `json:"identifier_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	Attempts     int       `json:"attempts"`
}

// ChallengeStore persists pending verification challenges. Get returns
// ErrVerificationInvalid for unknown or expired keys; IncrementAttempts
// returns the attempt count including the one just recorded.
type ChallengeStore interface {
	Save(ctx context.Context, ch Challenge, ttl time.Duration) error
	Get(ctx context.Context, key string) (*Challenge, error)
	IncrementAttempts(ctx context.Context, key string) (int, error)
	Delete(ctx context.Context, key string) error
}

// memoryChallengeStore is the single-process default. Expired entries are
// dropped lazily on access.
type memoryChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]Challenge
}

// NewMemoryChallengeStore returns an in-process ChallengeStore.
func NewMemoryChallengeStore() ChallengeStore {
	return &memoryChallengeStore{challenges: make(map[string]Challenge)}
}

func (s *memoryChallengeStore) Save(_ context.Context, ch Challenge, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[ch.Key] = ch
	return nil
}

func (s *memoryChallengeStore) Get(_ context.Context, key string) (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[key]
	if !ok {
		return nil, ErrVerificationInvalid
	}
	if time.Now().After(ch.ExpiresAt) {
		delete(s.challenges, key)
		return nil, ErrVerificationInvalid
	}
	out := ch
	return &out, nil
}

func (s *memoryChallengeStore) IncrementAttempts(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[key]
	if !ok {
		return 0, ErrVerificationInvalid
	}
	ch.Attempts++
	s.challenges[key] = ch
	return ch.Attempts, nil
}

func (s *memoryChallengeStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.challenges, key)
	return nil
}

// redisChallengeStore keeps challenges in Redis so confirmation can land
// on a different process than issuance. The attempt counter lives in a
// sibling key so incrementing never rewrites the challenge body.
type redisChallengeStore struct {
	client redis.UniversalClient
}

// NewRedisChallengeStore returns a Redis-backed ChallengeStore.
func NewRedisChallengeStore(client redis.UniversalClient) ChallengeStore {
	return &redisChallengeStore{client: client}
}

func (s *redisChallengeStore) key(k string) string {
	return "keyfold:vc:" + k
}

func (s *redisChallengeStore) attemptsKey(k string) string {
	return "keyfold:vca:" + k
}

func (s *redisChallengeStore) Save(ctx context.Context, ch Challenge, ttl time.Duration) error {
	body, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("encode challenge: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(ch.Key), body, ttl)
	pipe.Del(ctx, s.attemptsKey(ch.Key))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisChallengeStore) Get(ctx context.Context, key string) (*Challenge, error) {
	body, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrVerificationInvalid
	}
	if err != nil {
		return nil, err
	}
	var ch Challenge
	if err := json.Unmarshal(body, &ch); err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	if attempts, err := s.client.Get(ctx, s.attemptsKey(key)).Int(); err == nil {
		ch.Attempts = attempts
	}
	return &ch, nil
}

func (s *redisChallengeStore) IncrementAttempts(ctx context.Context, key string) (int, error) {
	exists, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, ErrVerificationInvalid
	}
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, s.attemptsKey(key))
	pipe.Expire(ctx, s.attemptsKey(key), time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

func (s *redisChallengeStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key), s.attemptsKey(key)).Err()
}
