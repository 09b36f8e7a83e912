package keyfold

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keyfold/keyfold/internal"
)

// VerificationIssue is returned by SendVerification. Code is handed to the
// caller for delivery; this package never sends anything itself. The shape
// is identical whether or not the identifier exists.
type VerificationIssue struct {
	Code      string
	ExpiresAt time.Time
}

// SendVerification issues a one-time code for a contact identifier. When
// the identifier is unknown a throwaway code is generated on the same
// path, after the configured delay, so callers cannot tell the cases
// apart.
func (e *Engine) SendVerification(ctx context.Context, t IdentifierType, value string) (*VerificationIssue, error) {
	if !e.config.Verification.Enabled || e.challenges == nil {
		return nil, ErrVerificationDisabled
	}
	if !e.identifiersEnabled() {
		return nil, ErrIdentifiersDisabled
	}
	if !e.config.Types.profile(t).Contact {
		return nil, fmt.Errorf("%w: type %s is not a contact type", ErrVerificationInvalid, t)
	}

	normalized := e.normalizer.Normalize(t, value)
	if err := e.checkRate(ctx, "verify", string(t)+":"+normalized); err != nil {
		e.emitAudit(ctx, auditEventVerificationRequest, false, "", "", err, nil)
		return nil, err
	}
	e.recordRate(ctx, "verify", string(t)+":"+normalized)

	code, err := internal.NewOTP(e.config.Verification.OTPDigits)
	if err != nil {
		return nil, fmt.Errorf("generate code: %w", err)
	}
	expiresAt := nowUTC().Add(e.config.Verification.CodeTTL)

	ident, err := e.identifiers.GetIdentifierByValue(ctx, t, normalized)
	if err != nil {
		if errors.Is(err, ErrIdentifierNotFound) {
			// Unknown identifier: same response shape, same rough latency,
			// nothing stored. The code can never confirm anything.
			e.sleepEnumerationDelay(ctx)
			e.metricInc(MetricVerificationRequest)
			e.emitAudit(ctx, auditEventVerificationRequest, true, "", "", nil, func() map[string]string {
				return map[string]string{"type": string(t), "known": "false"}
			})
			return &VerificationIssue{Code: code, ExpiresAt: expiresAt}, nil
		}
		return nil, fmt.Errorf("lookup identifier: %w", err)
	}

	ch := Challenge{
		Key:          challengeKey(t, normalized),
		CodeHash:     internal.HashCode(code),
		UserID:       ident.UserID,
		IdentifierID: ident.ID,
		ExpiresAt:    expiresAt,
	}
	if err := e.challenges.Save(ctx, ch, e.config.Verification.CodeTTL); err != nil {
		return nil, fmt.Errorf("save challenge: %w", err)
	}

	e.sleepEnumerationDelay(ctx)
	e.metricInc(MetricVerificationRequest)
	e.emitAudit(ctx, auditEventVerificationRequest, true, ident.UserID, ident.ID, nil, func() map[string]string {
		return map[string]string{"type": string(t), "known": "true"}
	})
	return &VerificationIssue{Code: code, ExpiresAt: expiresAt}, nil
}

// ConfirmVerification redeems a code. On success the identifier's verified
// flag is set and the challenge is consumed. Wrong codes burn an attempt;
// exhausting the budget invalidates the challenge entirely.
func (e *Engine) ConfirmVerification(ctx context.Context, t IdentifierType, value, code string) error {
	if !e.config.Verification.Enabled || e.challenges == nil {
		return ErrVerificationDisabled
	}
	if !e.identifiersEnabled() {
		return ErrIdentifiersDisabled
	}

	normalized := e.normalizer.Normalize(t, value)
	key := challengeKey(t, normalized)

	ch, err := e.challenges.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrVerificationInvalid) {
			e.metricInc(MetricVerificationFailure)
			e.emitAudit(ctx, auditEventVerificationConfirm, false, "", "", err, nil)
			return ErrVerificationInvalid
		}
		return fmt.Errorf("load challenge: %w", err)
	}
	if nowUTC().After(ch.ExpiresAt) {
		_ = e.challenges.Delete(ctx, key)
		e.metricInc(MetricVerificationFailure)
		return ErrVerificationInvalid
	}

	if !internal.CodeEqual(ch.CodeHash, code) {
		attempts, incErr := e.challenges.IncrementAttempts(ctx, key)
		if incErr != nil {
			return fmt.Errorf("record attempt: %w", incErr)
		}
		if attempts >= e.config.Verification.MaxAttempts {
			_ = e.challenges.Delete(ctx, key)
			e.metricInc(MetricVerificationAttemptsExceeded)
			e.emitAudit(ctx, auditEventVerificationConfirm, false, ch.UserID, ch.IdentifierID, ErrVerificationAttempts, nil)
			return ErrVerificationAttempts
		}
		e.metricInc(MetricVerificationFailure)
		e.emitAudit(ctx, auditEventVerificationConfirm, false, ch.UserID, ch.IdentifierID, ErrVerificationInvalid, nil)
		return ErrVerificationInvalid
	}

	verified := true
	if _, err := e.identifiers.UpdateIdentifier(ctx, ch.IdentifierID, IdentifierUpdate{Verified: &verified}); err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	if err := e.challenges.Delete(ctx, key); err != nil && e.logger != nil {
		e.logger.Printf("keyfold: challenge cleanup failed: %v", err)
	}

	e.metricInc(MetricVerificationSuccess)
	e.emitAudit(ctx, auditEventVerificationConfirm, true, ch.UserID, ch.IdentifierID, nil, func() map[string]string {
		return map[string]string{"type": string(t)}
	})
	return nil
}

func (e *Engine) sleepEnumerationDelay(ctx context.Context) {
	d := e.config.Verification.EnumerationDelay
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func challengeKey(t IdentifierType, normalized string) string {
	return string(t) + ":" + normalized
}
