package keyfold

import (
	"context"
	"errors"
	"fmt"

	"github.com/keyfold/keyfold/internal"
)

// SignUp registers a new user under a single identifier. Validation and
// conflict failures both surface as ErrSignUpRejected so callers cannot
// probe which identifiers exist; the distinction is preserved in audit.
func (e *Engine) SignUp(ctx context.Context, req SignUpRequest) (*SignUpResult, error) {
	if !e.identifiersEnabled() {
		return nil, ErrIdentifiersDisabled
	}

	normalized, err := e.normalizeAndValidate(req.Type, req.Value)
	if err != nil {
		e.metricInc(MetricSignUpRejected)
		e.emitAudit(ctx, auditEventSignUpRejected, false, "", "", err, func() map[string]string {
			return map[string]string{"type": string(req.Type)}
		})
		return nil, fmt.Errorf("%w: %w", ErrSignUpRejected, err)
	}

	if err := e.checkRate(ctx, "signup", clientIPFromContext(ctx)); err != nil {
		e.metricInc(MetricSignUpRateLimited)
		e.emitAudit(ctx, auditEventSignUpRateLimited, false, "", "", err, nil)
		return nil, err
	}

	profile := e.config.Types.profile(req.Type)
	var credentialHash string
	if profile.CredentialBearing {
		if req.Credential == "" {
			e.metricInc(MetricSignUpRejected)
			return nil, fmt.Errorf("%w: credential required for type %s", ErrSignUpRejected, req.Type)
		}
		credentialHash, err = e.hasher.Hash(req.Credential)
		if err != nil {
			return nil, fmt.Errorf("hash credential: %w", err)
		}
	}

	userID := internal.NewID()
	now := nowUTC()
	user := UserRecord{
		UserID:    userID,
		Name:      req.Name,
		Role:      req.Role,
		Profile:   req.Profile,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := e.users.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	ident := Identifier{
		ID:              internal.NewID(),
		UserID:          userID,
		Type:            req.Type,
		NormalizedValue: normalized,
		Verified:        profile.VerifiedOnCreate,
		CredentialHash:  credentialHash,
		Metadata:        req.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	created, err := e.identifiers.CreateIdentifier(ctx, ident)
	if err != nil {
		// Roll back the orphan record so a retry is not blocked on a user
		// with no identifiers.
		if delErr := e.users.DeleteUser(ctx, userID); delErr != nil && e.logger != nil {
			e.logger.Printf("keyfold: orphan user cleanup failed: %v", delErr)
		}
		if errors.Is(err, ErrIdentifierConflict) || errors.Is(err, ErrStoreConflict) {
			e.metricInc(MetricSignUpRejected)
			e.metricInc(MetricIdentifierConflict)
			e.emitAudit(ctx, auditEventSignUpRejected, false, "", "", ErrIdentifierConflict, func() map[string]string {
				return map[string]string{"type": string(req.Type)}
			})
			e.recordRate(ctx, "signup", clientIPFromContext(ctx))
			return nil, fmt.Errorf("%w: %w", ErrSignUpRejected, ErrIdentifierConflict)
		}
		return nil, fmt.Errorf("create identifier: %w", err)
	}

	level := ClassifyRecovery([]Identifier{created}, e.config.Types)
	e.metricInc(MetricSignUpSuccess)
	e.emitAudit(ctx, auditEventSignUpSuccess, true, userID, created.ID, nil, func() map[string]string {
		return map[string]string{"type": string(req.Type), "recovery_level": level.String()}
	})

	return &SignUpResult{
		UserID:        userID,
		IdentifierID:  created.ID,
		RecoveryLevel: level,
	}, nil
}
