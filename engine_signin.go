package keyfold

import (
	"context"
	"errors"
	"fmt"
)

// SignIn authenticates against any credential-bearing identifier. Every
// failure mode that depends on account existence returns the same
// ErrInvalidCredentials value, and unknown identifiers still pay for one
// hash verification, so response content and timing leak nothing.
func (e *Engine) SignIn(ctx context.Context, req SignInRequest) (*SignInResult, error) {
	if !e.identifiersEnabled() {
		return nil, ErrIdentifiersDisabled
	}
	if !e.config.Types.profile(req.Type).CredentialBearing {
		return nil, fmt.Errorf("%w: type %s does not bear credentials", ErrInvalidCredentials, req.Type)
	}

	normalized := e.normalizer.Normalize(req.Type, req.Value)
	rateKey := string(req.Type) + ":" + normalized

	if err := e.checkRate(ctx, "signin", rateKey); err != nil {
		e.metricInc(MetricSignInRateLimited)
		e.emitAudit(ctx, auditEventSignInRateLimited, false, "", "", err, func() map[string]string {
			return map[string]string{"type": string(req.Type)}
		})
		return nil, err
	}
	if e.config.RateLimit.EnableIPThrottle {
		if ip := clientIPFromContext(ctx); ip != "" {
			if err := e.checkRate(ctx, "signin-ip", ip); err != nil {
				e.metricInc(MetricSignInRateLimited)
				e.emitAudit(ctx, auditEventSignInRateLimited, false, "", "", err, nil)
				return nil, err
			}
		}
	}

	ident, err := e.identifiers.GetIdentifierByValue(ctx, req.Type, normalized)
	if err != nil {
		if errors.Is(err, ErrIdentifierNotFound) {
			// Burn a verification against the dummy hash so the unknown
			// path costs the same as the known one.
			_, _ = e.hasher.Verify(req.Credential, e.dummyHash)
			return nil, e.failSignIn(ctx, rateKey, "", "", errors.New("unknown identifier"))
		}
		return nil, fmt.Errorf("lookup identifier: %w", err)
	}

	if ident.CredentialHash == "" {
		_, _ = e.hasher.Verify(req.Credential, e.dummyHash)
		return nil, e.failSignIn(ctx, rateKey, ident.UserID, ident.ID, errors.New("no credential set"))
	}

	ok, err := e.hasher.Verify(req.Credential, ident.CredentialHash)
	if err != nil {
		return nil, fmt.Errorf("verify credential: %w", err)
	}
	if !ok {
		return nil, e.failSignIn(ctx, rateKey, ident.UserID, ident.ID, errors.New("credential mismatch"))
	}

	level, err := e.GetRecoveryLevel(ctx, ident.UserID)
	if err != nil {
		return nil, fmt.Errorf("classify recovery: %w", err)
	}
	if level < e.config.MinimumRecoveryLevel {
		e.metricInc(MetricRecoveryGateDenied)
		e.emitAudit(ctx, auditEventRecoveryGateDenied, false, ident.UserID, ident.ID, ErrRecoveryLevelInsufficient, func() map[string]string {
			return map[string]string{
				"level":   level.String(),
				"minimum": e.config.MinimumRecoveryLevel.String(),
			}
		})
		return nil, fmt.Errorf("%w: level %s below required %s",
			ErrRecoveryLevelInsufficient, level, e.config.MinimumRecoveryLevel)
	}

	signed, err := e.issueToken(ident.UserID, ident.Type, level)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	e.resetRate(ctx, "signin", rateKey)
	e.metricInc(MetricSignInSuccess)
	e.emitAudit(ctx, auditEventSignInSuccess, true, ident.UserID, ident.ID, nil, func() map[string]string {
		return map[string]string{"type": string(req.Type), "recovery_level": level.String()}
	})
	return &SignInResult{
		UserID:        ident.UserID,
		Token:         signed,
		RecoveryLevel: level,
	}, nil
}

// failSignIn records the failure and returns the single opaque credential
// error. reason stays in audit only.
func (e *Engine) failSignIn(ctx context.Context, rateKey, userID, identifierID string, reason error) error {
	e.recordRate(ctx, "signin", rateKey)
	if e.config.RateLimit.EnableIPThrottle {
		if ip := clientIPFromContext(ctx); ip != "" {
			e.recordRate(ctx, "signin-ip", ip)
		}
	}
	e.metricInc(MetricSignInFailure)
	e.emitAudit(ctx, auditEventSignInFailure, false, userID, identifierID, reason, nil)
	return ErrInvalidCredentials
}
