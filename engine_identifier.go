package keyfold

import (
	"context"
	"errors"
	"fmt"

	"github.com/keyfold/keyfold/internal"
)

// AddIdentifier binds another identifier to an existing user. Re-adding an
// identifier the same user already owns is an idempotent no-op; a value
// owned by a different user is a conflict.
func (e *Engine) AddIdentifier(ctx context.Context, req AddIdentifierRequest) (*Identifier, error) {
	if !e.identifiersEnabled() {
		return nil, ErrIdentifiersDisabled
	}
	if _, err := e.users.GetUser(ctx, req.UserID); err != nil {
		return nil, err
	}

	normalized, err := e.normalizeAndValidate(req.Type, req.Value)
	if err != nil {
		return nil, err
	}

	if existing, err := e.identifiers.GetIdentifierByValue(ctx, req.Type, normalized); err == nil {
		if existing.UserID == req.UserID {
			return existing, nil
		}
		e.metricInc(MetricIdentifierConflict)
		e.emitAudit(ctx, auditEventIdentifierConflict, false, req.UserID, "", ErrIdentifierConflict, func() map[string]string {
			return map[string]string{"type": string(req.Type)}
		})
		return nil, fmt.Errorf("%w: %s already bound", ErrIdentifierConflict, req.Type)
	} else if !errors.Is(err, ErrIdentifierNotFound) {
		return nil, fmt.Errorf("lookup identifier: %w", err)
	}

	profile := e.config.Types.profile(req.Type)
	var credentialHash string
	if req.Credential != "" {
		if !profile.CredentialBearing {
			return nil, fmt.Errorf("%w: type %s does not bear credentials", ErrInvalidIdentifierFormat, req.Type)
		}
		credentialHash, err = e.hasher.Hash(req.Credential)
		if err != nil {
			return nil, fmt.Errorf("hash credential: %w", err)
		}
	}

	now := nowUTC()
	created, err := e.identifiers.CreateIdentifier(ctx, Identifier{
		ID:              internal.NewID(),
		UserID:          req.UserID,
		Type:            req.Type,
		NormalizedValue: normalized,
		Verified:        profile.VerifiedOnCreate,
		CredentialHash:  credentialHash,
		Metadata:        req.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		// A concurrent create racing ours loses here; the store's unique
		// constraint is the arbiter.
		if errors.Is(err, ErrStoreConflict) || errors.Is(err, ErrIdentifierConflict) {
			e.metricInc(MetricIdentifierConflict)
			return nil, fmt.Errorf("%w: %s already bound", ErrIdentifierConflict, req.Type)
		}
		return nil, fmt.Errorf("create identifier: %w", err)
	}

	e.metricInc(MetricIdentifierAdded)
	e.emitAudit(ctx, auditEventIdentifierAdded, true, req.UserID, created.ID, nil, func() map[string]string {
		return map[string]string{"type": string(req.Type)}
	})
	return &created, nil
}

// RemoveIdentifier unbinds one identifier. Removing a user's last
// identifier is refused; an account must stay reachable by something.
func (e *Engine) RemoveIdentifier(ctx context.Context, userID, identifierID string) error {
	if !e.identifiersEnabled() {
		return ErrIdentifiersDisabled
	}
	ident, err := e.identifiers.GetIdentifier(ctx, identifierID)
	if err != nil {
		return err
	}
	if ident.UserID != userID {
		return ErrIdentifierNotFound
	}

	ids, err := e.identifiers.ListUserIdentifiers(ctx, userID)
	if err != nil {
		return fmt.Errorf("list identifiers: %w", err)
	}
	if len(ids) <= 1 {
		return fmt.Errorf("%w: cannot remove the last identifier", ErrStoreConflict)
	}

	if err := e.identifiers.DeleteIdentifier(ctx, identifierID); err != nil {
		return err
	}
	e.metricInc(MetricIdentifierRemoved)
	e.emitAudit(ctx, auditEventIdentifierRemoved, true, userID, identifierID, nil, func() map[string]string {
		return map[string]string{"type": string(ident.Type)}
	})
	return nil
}

// ListIdentifiers returns all identifiers bound to a user, oldest first.
func (e *Engine) ListIdentifiers(ctx context.Context, userID string) ([]Identifier, error) {
	if !e.identifiersEnabled() {
		return nil, ErrIdentifiersDisabled
	}
	if _, err := e.users.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	ids, err := e.identifiers.ListUserIdentifiers(ctx, userID)
	if err != nil {
		return nil, err
	}
	sortIdentifiers(ids)
	return ids, nil
}

// SetIdentifierCredential sets or rotates the credential on one
// credential-bearing identifier.
func (e *Engine) SetIdentifierCredential(ctx context.Context, userID, identifierID, credential string) error {
	if !e.identifiersEnabled() {
		return ErrIdentifiersDisabled
	}
	ident, err := e.identifiers.GetIdentifier(ctx, identifierID)
	if err != nil {
		return err
	}
	if ident.UserID != userID {
		return ErrIdentifierNotFound
	}
	if !e.config.Types.profile(ident.Type).CredentialBearing {
		return fmt.Errorf("%w: type %s does not bear credentials", ErrInvalidIdentifierFormat, ident.Type)
	}
	hash, err := e.hasher.Hash(credential)
	if err != nil {
		return fmt.Errorf("hash credential: %w", err)
	}
	_, err = e.identifiers.UpdateIdentifier(ctx, identifierID, IdentifierUpdate{CredentialHash: &hash})
	return err
}
