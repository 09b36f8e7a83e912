package keyfold

import (
	"context"
	"log"
	"time"

	"github.com/keyfold/keyfold/token"
)

// Engine is the identity engine. Construct one through Builder; the zero
// value is not usable. All exported methods are safe for concurrent use
// once Build has returned.
type Engine struct {
	config     Config
	normalizer *Normalizer
	translator *queryTranslator
	validators map[IdentifierType]IdentifierValidator

	users       UserStore
	identifiers IdentifierStore
	hasher      CredentialHasher
	limiter     RateLimiter
	challenges  ChallengeStore
	tokens      *token.Manager

	audit   *auditDispatcher
	metrics *Metrics

	// dummyHash is a hash of a random secret, verified against on unknown
	// identifiers so the sign-in path costs the same either way.
	dummyHash string

	logger *log.Logger
	closed chan struct{}
}

// Mode reports the operating mode the engine was built with.
func (e *Engine) Mode() Mode {
	return e.config.Mode
}

// Close flushes the audit dispatcher. The engine must not be used after
// Close returns.
func (e *Engine) Close() error {
	select {
	case <-e.closed:
		return nil
	default:
	}
	close(e.closed)
	if e.audit != nil {
		e.audit.Close()
	}
	return nil
}

func (e *Engine) metricInc(id MetricID) {
	if e.metrics != nil {
		e.metrics.Inc(id)
	}
}

// Counters returns a point-in-time copy of all metric counters. The
// snapshot is empty when metrics are disabled.
func (e *Engine) Counters() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// AuditDropped reports how many audit events were dropped due to a full
// buffer since the engine started.
func (e *Engine) AuditDropped() uint64 {
	if e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// EngineReport summarizes engine state for operational inspection.
func (e *Engine) Report() EngineReport {
	return EngineReport{
		Mode:                 e.config.Mode,
		WarnOnLegacyUsage:    e.config.WarnOnLegacyUsage,
		MigrateExistingData:  e.config.MigrateExistingData,
		MinimumRecoveryLevel: e.config.MinimumRecoveryLevel,
		VerificationEnabled:  e.config.Verification.Enabled,
		TokenIssuanceEnabled: e.tokens != nil,
		RateLimitingActive:   e.limiter != nil && e.config.RateLimit.Enabled,
		MetricsEnabled:       e.metrics != nil && e.metrics.Enabled(),
		AuditEnabled:         e.audit != nil,
		AuditDropped:         e.AuditDropped(),
	}
}

// identifiersEnabled reports whether identifier-level operations are
// available in the current mode.
func (e *Engine) identifiersEnabled() bool {
	return e.config.Mode != ModeLegacy
}

// legacyEnabled reports whether the flat legacy surface is available.
func (e *Engine) legacyEnabled() bool {
	return e.config.Mode != ModeDirect
}

// warnLegacy logs and audits use of a legacy code path in virtual mode, so
// migrations can locate remaining callers.
func (e *Engine) warnLegacy(ctx context.Context, op, userID string) {
	if e.config.Mode != ModeVirtual {
		return
	}
	e.metricInc(MetricLegacyPathUsage)
	if e.config.WarnOnLegacyUsage && e.logger != nil {
		e.logger.Printf("keyfold: legacy path %s used (user=%s)", op, userID)
	}
	e.emitAudit(ctx, auditEventLegacyUsage, true, userID, "", nil, func() map[string]string {
		return map[string]string{"operation": op}
	})
}

// checkRate consults the limiter for a scoped key. A nil limiter or a
// disabled config always allows.
func (e *Engine) checkRate(ctx context.Context, scope, key string) error {
	if e.limiter == nil || !e.config.RateLimit.Enabled {
		return nil
	}
	decision, err := e.limiter.Check(ctx, scope+":"+key)
	if err != nil {
		// Limiter outage must not take sign-in down with it.
		if e.logger != nil {
			e.logger.Printf("keyfold: rate limiter check failed: %v", err)
		}
		return nil
	}
	if !decision.Allowed {
		e.emitRateLimit(ctx, scope, nil)
		return ErrRateLimited
	}
	return nil
}

func (e *Engine) recordRate(ctx context.Context, scope, key string) {
	if e.limiter == nil || !e.config.RateLimit.Enabled {
		return
	}
	if err := e.limiter.Record(ctx, scope+":"+key); err != nil && e.logger != nil {
		e.logger.Printf("keyfold: rate limiter record failed: %v", err)
	}
}

func (e *Engine) resetRate(ctx context.Context, scope, key string) {
	if e.limiter == nil || !e.config.RateLimit.Enabled {
		return
	}
	if err := e.limiter.Reset(ctx, scope+":"+key); err != nil && e.logger != nil {
		e.logger.Printf("keyfold: rate limiter reset failed: %v", err)
	}
}

// normalizeAndValidate runs the configured normalization then the
// per-type validator for a raw identifier value.
func (e *Engine) normalizeAndValidate(t IdentifierType, raw string) (string, error) {
	normalized := e.normalizer.Normalize(t, raw)
	if v, ok := e.validators[t]; ok {
		if err := v(t, normalized); err != nil {
			return "", err
		}
	}
	return normalized, nil
}

// classifyUser loads a user's identifiers and classifies recovery. In
// legacy mode identifiers are synthesized from the flat record and never
// persisted.
func (e *Engine) classifyUser(ctx context.Context, user *UserRecord) (RecoveryLevel, error) {
	if e.config.Mode == ModeLegacy {
		return ClassifyRecovery(deriveIdentifiers(user, nil), e.config.Types), nil
	}
	ids, err := e.identifiers.ListUserIdentifiers(ctx, user.UserID)
	if err != nil {
		return LevelNone, err
	}
	return ClassifyRecovery(ids, e.config.Types), nil
}

// GetRecoveryLevel classifies a user's current account recovery strength.
func (e *Engine) GetRecoveryLevel(ctx context.Context, userID string) (RecoveryLevel, error) {
	user, err := e.users.GetUser(ctx, userID)
	if err != nil {
		return LevelNone, err
	}
	return e.classifyUser(ctx, user)
}

// GetRecoveryActions suggests identifier additions or verifications that
// would raise the user's recovery level.
func (e *Engine) GetRecoveryActions(ctx context.Context, userID string) ([]RecoveryAction, error) {
	user, err := e.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var ids []Identifier
	if e.config.Mode == ModeLegacy {
		ids = deriveIdentifiers(user, nil)
	} else {
		ids, err = e.identifiers.ListUserIdentifiers(ctx, userID)
		if err != nil {
			return nil, err
		}
	}
	return SuggestRecoveryActions(ids, e.config.Types), nil
}

// issueToken mints an access token when token support is configured.
// Returns empty without error when disabled.
func (e *Engine) issueToken(userID string, identifierType IdentifierType, level RecoveryLevel) (string, error) {
	if e.tokens == nil {
		return "", nil
	}
	return e.tokens.Issue(token.Claims{
		UserID:         userID,
		IdentifierType: string(identifierType),
		RecoveryLevel:  level.String(),
	})
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
