package keyfold

import (
	"context"
	"errors"
	"fmt"

	"github.com/keyfold/keyfold/internal"
)

// deriveIdentifiers computes the identifier set a flat record implies: one
// email identifier carrying the record's verified flag and password hash,
// plus one verified oauth identifier per linked account. newID mints
// identifier IDs; pass nil for classification-only derivation, where the
// IDs are never persisted.
func deriveIdentifiers(user *UserRecord, newID func() string) []Identifier {
	if newID == nil {
		newID = func() string { return "" }
	}
	var out []Identifier
	now := user.UpdatedAt
	if now.IsZero() {
		now = nowUTC()
	}
	if user.Email != "" {
		out = append(out, Identifier{
			ID:              newID(),
			UserID:          user.UserID,
			Type:            TypeEmail,
			NormalizedValue: user.Email,
			Verified:        user.EmailVerified,
			CredentialHash:  user.PasswordHash,
			CreatedAt:       user.CreatedAt,
			UpdatedAt:       now,
		})
	}
	for _, acct := range user.LinkedAccounts {
		if acct.Provider == "" || acct.Subject == "" {
			continue
		}
		meta := make(map[string]string, len(acct.Tokens)+1)
		for k, v := range acct.Tokens {
			meta[k] = v
		}
		meta["provider"] = acct.Provider
		out = append(out, Identifier{
			ID:              newID(),
			UserID:          user.UserID,
			Type:            TypeOAuth,
			NormalizedValue: acct.Provider + ":" + acct.Subject,
			Verified:        true,
			Metadata:        meta,
			CreatedAt:       user.CreatedAt,
			UpdatedAt:       now,
		})
	}
	return out
}

// MigrateUser derives and persists identifiers for one flat record, then
// returns the user's complete identifier set. The operation is idempotent:
// identifiers the user already owns are skipped, so a second call changes
// nothing and returns the same set.
func (e *Engine) MigrateUser(ctx context.Context, userID string) ([]Identifier, error) {
	if e.config.Mode == ModeLegacy {
		return nil, ErrIdentifiersDisabled
	}
	user, err := e.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if _, err := e.migrateUserRecord(ctx, user); err != nil {
		return nil, err
	}
	ids, err := e.identifiers.ListUserIdentifiers(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list identifiers: %w", err)
	}
	sortIdentifiers(ids)
	return ids, nil
}

func (e *Engine) migrateUserRecord(ctx context.Context, user *UserRecord) ([]Identifier, error) {
	derived := deriveIdentifiers(user, internal.NewID)

	var created []Identifier
	for _, ident := range derived {
		existing, err := e.identifiers.GetIdentifierByValue(ctx, ident.Type, ident.NormalizedValue)
		if err == nil {
			if existing.UserID == user.UserID {
				continue
			}
			// The same value already belongs to someone else. The record
			// cannot be migrated automatically; surface it for review.
			e.metricInc(MetricMigrationFailure)
			return created, fmt.Errorf("%w: %s %q owned by another user",
				ErrIdentifierConflict, ident.Type, ident.NormalizedValue)
		}
		if !errors.Is(err, ErrIdentifierNotFound) {
			return created, fmt.Errorf("lookup identifier: %w", err)
		}

		made, err := e.identifiers.CreateIdentifier(ctx, ident)
		if err != nil {
			if errors.Is(err, ErrStoreConflict) || errors.Is(err, ErrIdentifierConflict) {
				// Lost a race with a concurrent migration of the same
				// record; the winner's row is equivalent.
				again, lookupErr := e.identifiers.GetIdentifierByValue(ctx, ident.Type, ident.NormalizedValue)
				if lookupErr == nil && again.UserID == user.UserID {
					continue
				}
				e.metricInc(MetricMigrationFailure)
				if lookupErr != nil {
					// The conflicting row vanished before we could inspect
					// it; another migration is mid-flight.
					return created, fmt.Errorf("%w: %s %q", ErrMigrationInProgress, ident.Type, ident.NormalizedValue)
				}
				return created, fmt.Errorf("%w: %s %q owned by another user",
					ErrIdentifierConflict, ident.Type, ident.NormalizedValue)
			}
			return created, fmt.Errorf("create identifier: %w", err)
		}
		created = append(created, made)
	}

	if len(created) > 0 {
		e.emitAudit(ctx, auditEventMigrationUser, true, user.UserID, "", nil, func() map[string]string {
			return map[string]string{"created": fmt.Sprintf("%d", len(created))}
		})
	}
	return created, nil
}

// MigrateAll migrates every flat record in the user store. Per-user
// failures are collected, never fatal, and users whose derived identifiers
// already exist count as skipped. Safe to re-run until Failures is empty.
func (e *Engine) MigrateAll(ctx context.Context) (*MigrationReport, error) {
	if e.config.Mode == ModeLegacy {
		return nil, ErrIdentifiersDisabled
	}

	users, err := e.users.FindUsers(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("scan users: %w", err)
	}

	report := &MigrationReport{}
	for i := range users {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		created, err := e.migrateUserRecord(ctx, &users[i])
		if err != nil {
			report.Failures = append(report.Failures, MigrationFailure{
				UserID: users[i].UserID,
				Err:    err,
			})
			continue
		}
		if len(created) > 0 {
			report.Migrated++
			e.metricInc(MetricBatchMigrationUser)
		} else {
			report.Skipped++
		}
	}

	e.emitAudit(ctx, auditEventMigrationBatch, len(report.Failures) == 0, "", "", nil, func() map[string]string {
		return map[string]string{
			"scanned":  fmt.Sprintf("%d", report.Scanned),
			"migrated": fmt.Sprintf("%d", report.Migrated),
			"skipped":  fmt.Sprintf("%d", report.Skipped),
			"failed":   fmt.Sprintf("%d", len(report.Failures)),
		}
	})
	return report, nil
}
