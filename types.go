package keyfold

import (
	"context"
	"time"
)

// IdentifierType is an open string enum. The engine only interprets the
// discriminant for routing (normalization rule, verification default,
// credential eligibility); unknown types are accepted and normalized with
// trim-only rules.
type IdentifierType string

const (
	// TypeEmail identifies an email address identifier.
	TypeEmail IdentifierType = "email"
	// TypeUsername identifies a username identifier. Case-sensitive.
	TypeUsername IdentifierType = "username"
	// TypePhone identifies a phone number identifier in canonical
	// international form.
	TypePhone IdentifierType = "phone"
	// TypeOAuth identifies a federated subject ("provider:subject").
	TypeOAuth IdentifierType = "oauth"
	// TypePasskey identifies a WebAuthn credential id.
	TypePasskey IdentifierType = "passkey"
	// TypeAnonymous is the synthetic marker bound to anonymous accounts.
	// It never raises the recovery classification above ANONYMOUS.
	TypeAnonymous IdentifierType = "anonymous"
)

// Identifier is one proof of identity bound to exactly one user. Only the
// normalized value is persisted; the raw pre-normalization input never
// reaches a store.
type Identifier struct {
	ID              string
	UserID          string
	Type            IdentifierType
	NormalizedValue string
	Verified        bool
	// CredentialHash is set only for credential-bearing identifier types
	// (see TypeProfile.CredentialBearing). Federated and passkey
	// identifiers never carry one.
	CredentialHash string
	Metadata       map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UserRecord is the durable user entity. In virtual and direct mode the
// legacy flat fields (Email, EmailVerified, PasswordHash) are left empty and
// the identifier set is authoritative; in legacy mode they are authoritative
// and identifiers are not consulted.
type UserRecord struct {
	UserID         string
	Email          string
	EmailVerified  bool
	PasswordHash   string
	Name           string
	Role           string
	Profile        map[string]string
	LinkedAccounts []LinkedAccount
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LinkedAccount is a pre-migration external account reference on a legacy
// flat record. The migration runner derives one verified oauth identifier
// per linked account.
type LinkedAccount struct {
	Provider string
	Subject  string
	Tokens   map[string]string
}

// LegacyUser is the legacy-shaped read projection of a user. Under virtual
// mode Email and EmailVerified are computed from the identifier set (first
// email identifier by creation time; empty when the user has none) and have
// no independent lifetime. RecoveryLevel is recomputed on every read.
type LegacyUser struct {
	UserID        string
	Email         string
	EmailVerified bool
	Name          string
	Role          string
	Profile       map[string]string
	RecoveryLevel RecoveryLevel
}

// IdentifierUpdate is a partial update applied by UpdateIdentifier. Nil
// fields are left unchanged.
type IdentifierUpdate struct {
	Verified       *bool
	CredentialHash *string
	Metadata       map[string]string
}

// UserUpdate is a partial update applied by UpdateUser. Nil fields are left
// unchanged.
type UserUpdate struct {
	Email         *string
	EmailVerified *bool
	PasswordHash  *string
	Name          *string
	Role          *string
	Profile       map[string]string
}

// IdentifierStore is the storage capability the engine requires for the
// identifier relation. Implementations must enforce global uniqueness of
// (Type, NormalizedValue) and signal violations with [ErrStoreConflict].
//
// CreateIdentifier and ReplaceIdentifier must be atomic: two concurrent
// requests racing to claim the same key produce exactly one winner and one
// conflict, and no interleaving may leave two rows with the same key.
type IdentifierStore interface {
	// CreateIdentifier atomically inserts ident, failing with a
	// [ErrStoreConflict]-classified error when the key is taken.
	CreateIdentifier(ctx context.Context, ident Identifier) (Identifier, error)
	// GetIdentifier returns the identifier with the given id, or
	// [ErrIdentifierNotFound].
	GetIdentifier(ctx context.Context, id string) (*Identifier, error)
	// GetIdentifierByValue returns the identifier with the given key, or
	// [ErrIdentifierNotFound].
	GetIdentifierByValue(ctx context.Context, t IdentifierType, normalizedValue string) (*Identifier, error)
	// UpdateIdentifier applies a partial update and returns the result, or
	// [ErrIdentifierNotFound]. The key fields (Type, NormalizedValue) are
	// immutable; value changes go through ReplaceIdentifier.
	UpdateIdentifier(ctx context.Context, id string, upd IdentifierUpdate) (*Identifier, error)
	// DeleteIdentifier removes the identifier, or reports
	// [ErrIdentifierNotFound].
	DeleteIdentifier(ctx context.Context, id string) error
	// ListUserIdentifiers returns all identifiers owned by userID, ordered
	// by creation time then id.
	ListUserIdentifiers(ctx context.Context, userID string) ([]Identifier, error)
	// GetUserByIdentifier resolves a key to its owning user id, or
	// [ErrIdentifierNotFound].
	GetUserByIdentifier(ctx context.Context, t IdentifierType, normalizedValue string) (string, error)
	// DeleteUserIdentifiers removes every identifier owned by userID
	// (cascade on user deletion).
	DeleteUserIdentifiers(ctx context.Context, userID string) error
	// ReplaceIdentifier atomically removes oldID and inserts replacement,
	// so a legacy value change never leaves the user without an identifier
	// of the type it believed it had updated, and never leaves a duplicate
	// key behind.
	ReplaceIdentifier(ctx context.Context, oldID string, replacement Identifier) (Identifier, error)
}

// UserStore is the storage capability the engine requires for user records.
// CreateUser must signal [ErrStoreConflict] when a non-empty legacy Email is
// already taken (only relevant in legacy mode, where flat records are
// authoritative).
type UserStore interface {
	CreateUser(ctx context.Context, user UserRecord) (UserRecord, error)
	GetUser(ctx context.Context, userID string) (*UserRecord, error)
	// GetUserByEmail resolves a user by its stored legacy email field.
	// Virtual-mode records keep that field empty, so this only finds
	// unmigrated or legacy-mode users.
	GetUserByEmail(ctx context.Context, email string) (*UserRecord, error)
	UpdateUser(ctx context.Context, userID string, upd UserUpdate) (*UserRecord, error)
	// DeleteUser removes the user record. The engine cascades identifier
	// deletion separately through IdentifierStore.DeleteUserIdentifiers.
	DeleteUser(ctx context.Context, userID string) error
	// FindUsers returns the users matching pred. A nil predicate matches
	// all users.
	FindUsers(ctx context.Context, pred StorePredicate) ([]UserRecord, error)
}

// CredentialHasher is the password-hashing capability. The default is the
// Argon2id implementation in the password subpackage.
type CredentialHasher interface {
	Hash(secret string) (string, error)
	Verify(secret, encodedHash string) (bool, error)
}

// RateLimitDecision reports the outcome of a rate limiter check.
type RateLimitDecision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter is the rate-limiting capability consumed by the engine. The
// engine never implements throttling policy itself; it checks before
// sensitive operations, records failures, and resets on success. A
// Redis-backed fixed-window implementation is wired automatically when the
// builder is given a Redis client.
type RateLimiter interface {
	Check(ctx context.Context, key string) (RateLimitDecision, error)
	Record(ctx context.Context, key string) error
	Reset(ctx context.Context, key string) error
}

// SignUpRequest creates a user together with its first identifier.
type SignUpRequest struct {
	Type  IdentifierType
	Value string
	// Credential is required for credential-bearing identifier types and
	// must be empty for all others.
	Credential string
	Metadata   map[string]string
	Name       string
	Role       string
	Profile    map[string]string
}

// SignUpResult is returned by [Engine.SignUp].
type SignUpResult struct {
	UserID        string
	IdentifierID  string
	RecoveryLevel RecoveryLevel
}

// SignInRequest authenticates a user by a credential-bearing identifier.
type SignInRequest struct {
	Type       IdentifierType
	Value      string
	Credential string
}

// SignInResult is returned by [Engine.SignIn]. Token is empty unless token
// issuance is enabled in configuration.
type SignInResult struct {
	UserID        string
	Token         string
	RecoveryLevel RecoveryLevel
}

// AddIdentifierRequest binds an additional identifier to an existing user.
type AddIdentifierRequest struct {
	UserID string
	Type   IdentifierType
	Value  string
	// Credential optionally sets a credential hash on credential-bearing
	// types.
	Credential string
	Metadata   map[string]string
}

// LegacySignUpRequest is the flat, email-shaped sign-up entry point kept for
// backward compatibility.
type LegacySignUpRequest struct {
	Email    string
	Password string
	Name     string
	Role     string
	Profile  map[string]string
}

// LegacyUserUpdate is the flat write intent accepted by
// [Engine.LegacyUpdateUser]. Nil fields are left unchanged.
type LegacyUserUpdate struct {
	Email    *string
	Password *string
	Name     *string
	Role     *string
	Profile  map[string]string
}

// MigrationFailure records one per-user migration error. Failures are
// isolated: one user failing never aborts the batch for others.
type MigrationFailure struct {
	UserID string
	Err    error
}

// MigrationReport summarizes a batch migration run.
type MigrationReport struct {
	Scanned  int
	Migrated int
	Skipped  int
	Failures []MigrationFailure
}

// EngineReport is a read-only snapshot of the engine's configuration
// posture, returned by [Engine.Report].
type EngineReport struct {
	Mode                 Mode
	WarnOnLegacyUsage    bool
	MigrateExistingData  bool
	MinimumRecoveryLevel RecoveryLevel
	VerificationEnabled  bool
	TokenIssuanceEnabled bool
	RateLimitingActive   bool
	MetricsEnabled       bool
	AuditEnabled         bool
	AuditDropped         uint64
}
