package keyfold

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/keyfold/keyfold/password"
	"github.com/keyfold/keyfold/token"
)

// Builder assembles an Engine. Capabilities not provided get safe
// defaults where one exists; a user store is always required, and an
// identifier store is required outside legacy mode.
type Builder struct {
	config      *Config
	users       UserStore
	identifiers IdentifierStore
	hasher      CredentialHasher
	limiter     RateLimiter
	challenges  ChallengeStore
	sink        AuditSink
	redisClient redis.UniversalClient
	logger      *log.Logger
	validators  map[IdentifierType]IdentifierValidator
	err         error
}

// New starts a builder with the default configuration.
func New() *Builder {
	return &Builder{validators: map[IdentifierType]IdentifierValidator{}}
}

// WithConfig replaces the default configuration. The config is cloned;
// later mutation of cfg does not affect the engine.
func (b *Builder) WithConfig(cfg Config) *Builder {
	c := cloneConfig(cfg)
	b.config = &c
	return b
}

// WithUserStore sets the flat user record store. Required.
func (b *Builder) WithUserStore(s UserStore) *Builder {
	b.users = s
	return b
}

// WithIdentifierStore sets the identifier store. Required outside legacy
// mode.
func (b *Builder) WithIdentifierStore(s IdentifierStore) *Builder {
	b.identifiers = s
	return b
}

// WithHasher overrides the default Argon2id credential hasher.
func (b *Builder) WithHasher(h CredentialHasher) *Builder {
	b.hasher = h
	return b
}

// WithRateLimiter sets an explicit rate limiter capability.
func (b *Builder) WithRateLimiter(l RateLimiter) *Builder {
	b.limiter = l
	return b
}

// WithRedis supplies a Redis client used to back the default rate limiter
// and challenge store when none are set explicitly.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redisClient = client
	return b
}

// WithChallengeStore sets the verification challenge store.
func (b *Builder) WithChallengeStore(s ChallengeStore) *Builder {
	b.challenges = s
	return b
}

// WithAuditSink sets the sink audit events are dispatched to.
func (b *Builder) WithAuditSink(s AuditSink) *Builder {
	b.sink = s
	return b
}

// WithLogger sets the logger for operational warnings. Defaults to the
// process standard logger.
func (b *Builder) WithLogger(l *log.Logger) *Builder {
	b.logger = l
	return b
}

// WithValidator overrides the format validator for one identifier type.
func (b *Builder) WithValidator(t IdentifierType, v IdentifierValidator) *Builder {
	b.validators[t] = v
	return b
}

// Build validates the configuration, fills in defaults and returns a
// ready engine.
func (b *Builder) Build() (*Engine, error) {
	if b.err != nil {
		return nil, b.err
	}

	cfg := defaultConfig()
	if b.config != nil {
		cfg = *b.config
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.users == nil {
		return nil, fmt.Errorf("%w: user store is required", ErrEngineNotReady)
	}
	if b.identifiers == nil && cfg.Mode != ModeLegacy {
		return nil, fmt.Errorf("%w: identifier store is required in %s mode", ErrEngineNotReady, cfg.Mode)
	}

	hasher := b.hasher
	if hasher == nil {
		hasher = password.NewHasher(password.Params{
			Memory:      cfg.Password.Memory,
			Time:        cfg.Password.Time,
			Parallelism: cfg.Password.Parallelism,
			SaltLength:  cfg.Password.SaltLength,
			KeyLength:   cfg.Password.KeyLength,
		})
	}

	// The dummy hash keeps unknown-identifier sign-ins on the same cost
	// path as real ones.
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate dummy secret: %w", err)
	}
	dummyHash, err := hasher.Hash(hex.EncodeToString(secret))
	if err != nil {
		return nil, fmt.Errorf("hash dummy secret: %w", err)
	}

	limiter := b.limiter
	if limiter == nil && cfg.RateLimit.Enabled && b.redisClient != nil {
		limiter = NewRedisRateLimiter(b.redisClient, cfg.RateLimit)
	}

	challenges := b.challenges
	if challenges == nil && cfg.Verification.Enabled {
		if b.redisClient != nil {
			challenges = NewRedisChallengeStore(b.redisClient)
		} else {
			challenges = NewMemoryChallengeStore()
		}
	}

	var tokens *token.Manager
	if cfg.Token.Enabled {
		tokens, err = token.NewManager(token.Config{
			SigningMethod: cfg.Token.SigningMethod,
			PrivateKey:    cfg.Token.PrivateKey,
			PublicKey:     cfg.Token.PublicKey,
			Issuer:        cfg.Token.Issuer,
			AccessTTL:     cfg.Token.AccessTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("token manager: %w", err)
		}
	}

	sink := b.sink
	if sink == nil {
		sink = NoOpSink{}
	}

	logger := b.logger
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	validators := defaultValidators()
	for t, v := range b.validators {
		validators[t] = v
	}

	normalizer := NewNormalizer(cfg.Normalization)
	e := &Engine{
		config:     cfg,
		normalizer: normalizer,
		translator: &queryTranslator{
			fields:     cfg.LegacyFields,
			normalizer: normalizer,
		},
		validators:  validators,
		users:       b.users,
		identifiers: b.identifiers,
		hasher:      hasher,
		limiter:     limiter,
		challenges:  challenges,
		tokens:      tokens,
		audit:       newAuditDispatcher(cfg.Audit, sink),
		metrics:     NewMetrics(cfg.Metrics),
		dummyHash:   dummyHash,
		logger:      logger,
		closed:      make(chan struct{}),
	}
	return e, nil
}
