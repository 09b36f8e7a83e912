package keyfold

import (
	"context"
	"errors"
	"fmt"

	"github.com/keyfold/keyfold/internal"
)

// The legacy surface keeps the old flat, email-centric API alive. In
// virtual mode every call here is translated onto the identifier model;
// in legacy mode the flat records are authoritative; in direct mode the
// whole surface is switched off.

// LegacySignUp registers a user through the flat email entry point.
func (e *Engine) LegacySignUp(ctx context.Context, req LegacySignUpRequest) (*LegacyUser, error) {
	switch e.config.Mode {
	case ModeDirect:
		return nil, ErrLegacyDisabled
	case ModeVirtual:
		e.warnLegacy(ctx, "LegacySignUp", "")
		res, err := e.SignUp(ctx, SignUpRequest{
			Type:       TypeEmail,
			Value:      req.Email,
			Credential: req.Password,
			Name:       req.Name,
			Role:       req.Role,
			Profile:    req.Profile,
		})
		if err != nil {
			return nil, err
		}
		return e.LegacyGetUser(ctx, res.UserID)
	}

	// Legacy mode: the flat record is the only record.
	normalized, err := e.normalizeAndValidate(TypeEmail, req.Email)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSignUpRejected, err)
	}
	if err := e.checkRate(ctx, "signup", clientIPFromContext(ctx)); err != nil {
		e.metricInc(MetricSignUpRateLimited)
		return nil, err
	}
	if _, err := e.users.GetUserByEmail(ctx, normalized); err == nil {
		e.metricInc(MetricSignUpRejected)
		e.recordRate(ctx, "signup", clientIPFromContext(ctx))
		e.emitAudit(ctx, auditEventSignUpRejected, false, "", "", ErrIdentifierConflict, nil)
		return nil, fmt.Errorf("%w: %w", ErrSignUpRejected, ErrIdentifierConflict)
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	hash, err := e.hasher.Hash(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := nowUTC()
	user := UserRecord{
		UserID:       internal.NewID(),
		Email:        normalized,
		PasswordHash: hash,
		Name:         req.Name,
		Role:         req.Role,
		Profile:      req.Profile,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	created, err := e.users.CreateUser(ctx, user)
	if err != nil {
		if errors.Is(err, ErrStoreConflict) {
			e.metricInc(MetricSignUpRejected)
			return nil, fmt.Errorf("%w: %w", ErrSignUpRejected, ErrIdentifierConflict)
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	e.metricInc(MetricSignUpSuccess)
	e.emitAudit(ctx, auditEventSignUpSuccess, true, created.UserID, "", nil, nil)
	view := projectLegacyFlat(&created, e.config.Types)
	return &view, nil
}

// LegacySignIn authenticates by email and password through the flat entry
// point. Failure semantics match SignIn exactly.
func (e *Engine) LegacySignIn(ctx context.Context, email, password string) (*SignInResult, error) {
	switch e.config.Mode {
	case ModeDirect:
		return nil, ErrLegacyDisabled
	case ModeVirtual:
		e.warnLegacy(ctx, "LegacySignIn", "")
		return e.SignIn(ctx, SignInRequest{Type: TypeEmail, Value: email, Credential: password})
	}

	normalized := e.normalizer.Normalize(TypeEmail, email)
	rateKey := "email:" + normalized
	if err := e.checkRate(ctx, "signin", rateKey); err != nil {
		e.metricInc(MetricSignInRateLimited)
		return nil, err
	}

	user, err := e.users.GetUserByEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			_, _ = e.hasher.Verify(password, e.dummyHash)
			return nil, e.failSignIn(ctx, rateKey, "", "", errors.New("unknown email"))
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	ok, err := e.hasher.Verify(password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return nil, e.failSignIn(ctx, rateKey, user.UserID, "", errors.New("password mismatch"))
	}

	level := ClassifyRecovery(deriveIdentifiers(user, nil), e.config.Types)
	if level < e.config.MinimumRecoveryLevel {
		e.metricInc(MetricRecoveryGateDenied)
		return nil, fmt.Errorf("%w: level %s below required %s",
			ErrRecoveryLevelInsufficient, level, e.config.MinimumRecoveryLevel)
	}

	signed, err := e.issueToken(user.UserID, TypeEmail, level)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	e.resetRate(ctx, "signin", rateKey)
	e.metricInc(MetricSignInSuccess)
	e.emitAudit(ctx, auditEventSignInSuccess, true, user.UserID, "", nil, nil)
	return &SignInResult{UserID: user.UserID, Token: signed, RecoveryLevel: level}, nil
}

// LegacyGetUser returns the flat view of one user. In virtual mode the
// view is projected from the identifier set on every call, never stored.
func (e *Engine) LegacyGetUser(ctx context.Context, userID string) (*LegacyUser, error) {
	if !e.legacyEnabled() {
		return nil, ErrLegacyDisabled
	}
	user, err := e.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if e.config.Mode == ModeLegacy {
		view := projectLegacyFlat(user, e.config.Types)
		return &view, nil
	}

	e.warnLegacy(ctx, "LegacyGetUser", userID)
	ids, err := e.identifiersFor(ctx, user)
	if err != nil {
		return nil, err
	}
	view := projectLegacy(user, ids, e.config.Types)
	return &view, nil
}

// LegacyGetUserByEmail resolves a user by email address.
func (e *Engine) LegacyGetUserByEmail(ctx context.Context, email string) (*LegacyUser, error) {
	if !e.legacyEnabled() {
		return nil, ErrLegacyDisabled
	}
	normalized := e.normalizer.Normalize(TypeEmail, email)

	if e.config.Mode == ModeLegacy {
		user, err := e.users.GetUserByEmail(ctx, normalized)
		if err != nil {
			return nil, err
		}
		view := projectLegacyFlat(user, e.config.Types)
		return &view, nil
	}

	e.warnLegacy(ctx, "LegacyGetUserByEmail", "")
	userID, err := e.identifiers.GetUserByIdentifier(ctx, TypeEmail, normalized)
	if err != nil {
		if errors.Is(err, ErrIdentifierNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return e.LegacyGetUser(ctx, userID)
}

// LegacyUpdateUser applies a flat write intent. In virtual mode email and
// password writes are rewritten as identifier operations: a genuine email
// change atomically replaces the email identifier and resets its verified
// flag, while a change that only differs before normalization is a no-op.
func (e *Engine) LegacyUpdateUser(ctx context.Context, userID string, upd LegacyUserUpdate) (*LegacyUser, error) {
	if !e.legacyEnabled() {
		return nil, ErrLegacyDisabled
	}
	user, err := e.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if e.config.Mode == ModeLegacy {
		return e.legacyUpdateFlat(ctx, user, upd)
	}

	e.warnLegacy(ctx, "LegacyUpdateUser", userID)
	ids, err := e.identifiersFor(ctx, user)
	if err != nil {
		return nil, err
	}

	flat := UserUpdate{
		Name:    upd.Name,
		Role:    upd.Role,
		Profile: upd.Profile,
	}

	if upd.Email != nil {
		normalized, err := e.normalizeAndValidate(TypeEmail, *upd.Email)
		if err != nil {
			return nil, err
		}
		plan := planEmailWrite(userID, normalized, ids, internal.NewID())
		now := nowUTC()
		plan.new.CreatedAt = now
		plan.new.UpdatedAt = now
		switch plan.op {
		case emailWriteCreate:
			if _, err := e.identifiers.CreateIdentifier(ctx, plan.new); err != nil {
				if errors.Is(err, ErrStoreConflict) || errors.Is(err, ErrIdentifierConflict) {
					e.metricInc(MetricIdentifierConflict)
					return nil, fmt.Errorf("%w: email already bound", ErrIdentifierConflict)
				}
				return nil, fmt.Errorf("create email identifier: %w", err)
			}
			e.metricInc(MetricIdentifierAdded)
		case emailWriteReplace:
			if _, err := e.identifiers.ReplaceIdentifier(ctx, plan.old.ID, plan.new); err != nil {
				if errors.Is(err, ErrStoreConflict) || errors.Is(err, ErrIdentifierConflict) {
					e.metricInc(MetricIdentifierConflict)
					return nil, fmt.Errorf("%w: email already bound", ErrIdentifierConflict)
				}
				return nil, fmt.Errorf("replace email identifier: %w", err)
			}
			e.metricInc(MetricIdentifierReplaced)
			e.emitAudit(ctx, auditEventIdentifierReplaced, true, userID, plan.new.ID, nil, func() map[string]string {
				return map[string]string{"type": string(TypeEmail)}
			})
		}
	}

	if upd.Password != nil {
		hash, err := e.hasher.Hash(*upd.Password)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		// Reload so a just-replaced email identifier receives the new hash.
		ids, err = e.identifiers.ListUserIdentifiers(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("list identifiers: %w", err)
		}
		target := primaryCredentialIdentifier(ids, e.config.Types)
		if target == nil {
			return nil, fmt.Errorf("%w: no credential-bearing identifier", ErrIdentifierNotFound)
		}
		if _, err := e.identifiers.UpdateIdentifier(ctx, target.ID, IdentifierUpdate{CredentialHash: &hash}); err != nil {
			return nil, fmt.Errorf("update credential: %w", err)
		}
	}

	if flat.Email != nil || flat.EmailVerified != nil || flat.PasswordHash != nil ||
		flat.Name != nil || flat.Role != nil || flat.Profile != nil {
		if _, err := e.users.UpdateUser(ctx, userID, flat); err != nil {
			return nil, fmt.Errorf("update user: %w", err)
		}
	}

	e.emitAudit(ctx, auditEventLegacyWrite, true, userID, "", nil, nil)
	return e.LegacyGetUser(ctx, userID)
}

func (e *Engine) legacyUpdateFlat(ctx context.Context, user *UserRecord, upd LegacyUserUpdate) (*LegacyUser, error) {
	flat := UserUpdate{
		Name:    upd.Name,
		Role:    upd.Role,
		Profile: upd.Profile,
	}
	if upd.Email != nil {
		normalized, err := e.normalizeAndValidate(TypeEmail, *upd.Email)
		if err != nil {
			return nil, err
		}
		if normalized != user.Email {
			if other, err := e.users.GetUserByEmail(ctx, normalized); err == nil && other.UserID != user.UserID {
				return nil, fmt.Errorf("%w: email already bound", ErrIdentifierConflict)
			} else if err != nil && !errors.Is(err, ErrUserNotFound) {
				return nil, fmt.Errorf("lookup user: %w", err)
			}
			flat.Email = &normalized
			falseVal := false
			flat.EmailVerified = &falseVal
		}
	}
	if upd.Password != nil {
		hash, err := e.hasher.Hash(*upd.Password)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		flat.PasswordHash = &hash
	}

	updated, err := e.users.UpdateUser(ctx, user.UserID, flat)
	if err != nil {
		return nil, err
	}
	e.emitAudit(ctx, auditEventLegacyWrite, true, user.UserID, "", nil, nil)
	view := projectLegacyFlat(updated, e.config.Types)
	return &view, nil
}

// ListUsers runs a legacy-shaped filter and returns flat views. A nil
// filter lists every user.
func (e *Engine) ListUsers(ctx context.Context, filter Filter) ([]LegacyUser, error) {
	if !e.legacyEnabled() {
		return nil, ErrLegacyDisabled
	}

	var pred StorePredicate
	var err error
	if filter != nil {
		if e.config.Mode == ModeLegacy {
			pred, err = e.translator.translateLegacyOnly(filter)
		} else {
			pred, err = e.translator.Translate(filter)
		}
		if err != nil {
			return nil, err
		}
	}
	if e.config.Mode == ModeVirtual {
		e.warnLegacy(ctx, "ListUsers", "")
	}

	users, err := e.users.FindUsers(ctx, pred)
	if err != nil {
		return nil, err
	}

	out := make([]LegacyUser, 0, len(users))
	for i := range users {
		if e.config.Mode == ModeLegacy {
			out = append(out, projectLegacyFlat(&users[i], e.config.Types))
			continue
		}
		ids, err := e.identifiersFor(ctx, &users[i])
		if err != nil {
			return nil, err
		}
		out = append(out, projectLegacy(&users[i], ids, e.config.Types))
	}
	return out, nil
}

// DeleteUser removes a user and every identifier bound to it.
func (e *Engine) DeleteUser(ctx context.Context, userID string) error {
	if _, err := e.users.GetUser(ctx, userID); err != nil {
		return err
	}
	if e.config.Mode != ModeLegacy {
		if err := e.identifiers.DeleteUserIdentifiers(ctx, userID); err != nil {
			return fmt.Errorf("delete identifiers: %w", err)
		}
	}
	if err := e.users.DeleteUser(ctx, userID); err != nil {
		return err
	}
	e.emitAudit(ctx, auditEventUserDeleted, true, userID, "", nil, nil)
	return nil
}

// identifiersFor lists a user's identifiers, lazily migrating flat records
// that predate the identifier model when migration is enabled.
func (e *Engine) identifiersFor(ctx context.Context, user *UserRecord) ([]Identifier, error) {
	ids, err := e.identifiers.ListUserIdentifiers(ctx, user.UserID)
	if err != nil {
		return nil, fmt.Errorf("list identifiers: %w", err)
	}
	if len(ids) > 0 || !e.config.MigrateExistingData {
		sortIdentifiers(ids)
		return ids, nil
	}

	migrated, err := e.migrateUserRecord(ctx, user)
	if err != nil {
		return nil, err
	}
	if migrated != nil {
		e.metricInc(MetricLazyMigration)
	}
	ids, err = e.identifiers.ListUserIdentifiers(ctx, user.UserID)
	if err != nil {
		return nil, fmt.Errorf("list identifiers: %w", err)
	}
	sortIdentifiers(ids)
	return ids, nil
}
