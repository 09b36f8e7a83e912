package keyfold

import "errors"

var (
	// ErrInvalidIdentifierFormat is returned when a per-type validator
	// rejects an identifier value. Never surfaced by SignUp, which collapses
	// it into ErrSignUpRejected.
	ErrInvalidIdentifierFormat = errors.New("invalid identifier format")
	// ErrIdentifierConflict is returned when a (type, normalized value) pair
	// is already bound to a different user.
	ErrIdentifierConflict = errors.New("identifier already in use")
	// ErrIdentifierNotFound is returned when an identifier lookup by id or
	// by value finds nothing the caller owns.
	ErrIdentifierNotFound = errors.New("identifier not found")
	// ErrSignUpRejected is the single opaque sign-up error. Format failures
	// and uniqueness conflicts both map to it so that probing sign-up cannot
	// be used to infer the existence of other records.
	ErrSignUpRejected = errors.New("sign-up rejected")
	// ErrInvalidCredentials is the single opaque sign-in error. Unknown
	// identifier and wrong credential both map to it.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRecoveryLevelInsufficient is returned when a sign-in is gated by
	// Config.MinimumRecoveryLevel.
	ErrRecoveryLevelInsufficient = errors.New("recovery level insufficient")
	// ErrLegacyDisabled is returned by legacy entry points in direct mode.
	ErrLegacyDisabled = errors.New("legacy operations disabled")
	// ErrIdentifiersDisabled is returned by identifier-table operations in
	// legacy mode, where flat user records are authoritative.
	ErrIdentifiersDisabled = errors.New("identifier operations disabled")
	// ErrUnsupportedQuery is returned when a legacy filter predicate cannot
	// be rewritten over the identifier relation. Translation fails closed.
	ErrUnsupportedQuery = errors.New("unsupported query predicate")
	// ErrMigrationInProgress is returned when batch and lazy migration
	// collide in a way the store cannot resolve as an idempotent no-op.
	ErrMigrationInProgress = errors.New("migration in progress")
	// ErrUserNotFound is returned by user lookups outside authentication
	// paths. Authentication paths never surface it.
	ErrUserNotFound = errors.New("user not found")
	// ErrVerificationInvalid is returned when a verification code does not
	// match, is expired, or was never issued.
	ErrVerificationInvalid = errors.New("verification challenge invalid")
	// ErrVerificationAttempts is returned when a verification challenge has
	// exceeded its attempt budget.
	ErrVerificationAttempts = errors.New("verification attempts exceeded")
	// ErrVerificationDisabled is returned when verification is disabled in
	// configuration.
	ErrVerificationDisabled = errors.New("verification disabled")
	// ErrRateLimited is returned when the rate limiter capability denies an
	// operation.
	ErrRateLimited = errors.New("rate limited")
	// ErrEngineNotReady is returned when an Engine is used before Build
	// wired its dependencies.
	ErrEngineNotReady = errors.New("engine not initialized")

	// ErrStoreConflict is the distinguishable conflict signal a store
	// adapter must raise on a unique-constraint violation. Adapters wrap it
	// with fmt.Errorf("%w: ...") so errors.Is classification keeps working.
	ErrStoreConflict = errors.New("store unique constraint violation")
	// ErrStoreUnavailable is raised by store adapters on backend failures
	// unrelated to the request itself.
	ErrStoreUnavailable = errors.New("store backend unavailable")
)
