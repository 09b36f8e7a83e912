package keyfold

import (
	"errors"
	"fmt"
	"time"
)

// Mode selects which data model is authoritative. It is an engine-wide
// configuration value fixed at construction, never a per-request toggle.
type Mode string

const (
	// ModeVirtual (default): identifiers are authoritative and legacy entry
	// points are translated through the virtual field mapper.
	ModeVirtual Mode = "virtual"
	// ModeDirect: identifiers are authoritative; legacy entry points fail
	// with ErrLegacyDisabled and no email-required invariant applies.
	ModeDirect Mode = "direct"
	// ModeLegacy: flat user records are authoritative; identifier-table
	// operations fail with ErrIdentifiersDisabled and no migration is
	// performed implicitly.
	ModeLegacy Mode = "legacy"
)

// TypeProfile carries what the engine core needs to know about an
// identifier type: its normalization/verification defaults and credential
// eligibility. Type-specific payload stays opaque in Identifier.Metadata.
type TypeProfile struct {
	// CredentialBearing marks types that may carry a password hash.
	CredentialBearing bool
	// Contact marks direct-contact types (email, phone) that grant FULL
	// recovery when verified.
	Contact bool
	// Federated marks externally-verified types (oauth) that grant PARTIAL
	// recovery when verified.
	Federated bool
	// VerifiedOnCreate sets the verified flag on creation. Federation
	// implies the provider already authenticated the subject.
	VerifiedOnCreate bool
}

// TypeProfiles maps identifier types to their profiles. Unknown types fall
// back to a zero profile: not credential-bearing, not contact, not
// federated, unverified on create.
type TypeProfiles map[IdentifierType]TypeProfile

func (p TypeProfiles) profile(t IdentifierType) TypeProfile {
	return p[t]
}

func defaultTypeProfiles() TypeProfiles {
	return TypeProfiles{
		TypeEmail:     {CredentialBearing: true, Contact: true},
		TypeUsername:  {CredentialBearing: true},
		TypePhone:     {CredentialBearing: true, Contact: true},
		TypeOAuth:     {Federated: true, VerifiedOnCreate: true},
		TypePasskey:   {},
		TypeAnonymous: {},
	}
}

// IdentifierValidator rejects malformed values for one identifier type. It
// runs after normalization and before the uniqueness check. Returning a
// non-nil error is classified as ErrInvalidIdentifierFormat.
type IdentifierValidator func(t IdentifierType, normalizedValue string) error

// NormalizationConfig tunes the normalizer.
type NormalizationConfig struct {
	// LowercaseEmails case-folds the whole address, domain and local part.
	// This deviates from strict email case-sensitivity rules on purpose,
	// favoring login convenience.
	LowercaseEmails bool
	// TrimWhitespace trims leading/trailing whitespace for every type.
	TrimWhitespace bool
}

// VerificationConfig tunes identifier verification challenges.
type VerificationConfig struct {
	Enabled     bool
	CodeTTL     time.Duration
	OTPDigits   int
	MaxAttempts int
	// EnumerationDelay is the fixed pause applied before answering a
	// verification request for an unknown identifier, keeping latency
	// comparable with the known-identifier path.
	EnumerationDelay time.Duration
}

// RateLimitConfig tunes the Redis-backed fixed-window limiter wired when the
// builder is given a Redis client. Ignored when a custom RateLimiter
// capability is supplied.
type RateLimitConfig struct {
	Enabled     bool
	MaxAttempts int
	Cooldown    time.Duration
	// EnableIPThrottle additionally keys windows by the client IP attached
	// via WithClientIP.
	EnableIPThrottle bool
}

// TokenConfig tunes proof-of-authentication token issuance on successful
// sign-in. Disabled by default; transports that only need the user id can
// ignore it.
type TokenConfig struct {
	Enabled       bool
	AccessTTL     time.Duration
	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
}

// PasswordConfig tunes the default Argon2id credential hasher. Ignored when
// a custom CredentialHasher capability is supplied.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// AuditConfig tunes the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig tunes in-process metrics counters.
type MetricsConfig struct {
	Enabled bool
}

// Config is the immutable engine configuration, injected at construction.
// Every component reads mode and flags from this object; there is no shared
// mutable singleton.
type Config struct {
	Mode Mode
	// WarnOnLegacyUsage makes every legacy-path call emit a deprecation
	// audit event and log line without altering behavior.
	WarnOnLegacyUsage bool
	// MigrateExistingData enables lazy on-access migration of users lacking
	// identifier records. Meaningful only outside legacy mode.
	MigrateExistingData bool
	// MinimumRecoveryLevel gates sign-in: users classified below it are
	// rejected with ErrRecoveryLevelInsufficient. LevelNone disables the
	// gate.
	MinimumRecoveryLevel RecoveryLevel
	// Types overrides or extends the built-in identifier type profiles.
	Types TypeProfiles
	// LegacyFields maps legacy flat field names to identifier types for
	// query translation. Defaults to email, username and phone.
	LegacyFields map[string]IdentifierType

	Normalization NormalizationConfig
	Verification  VerificationConfig
	RateLimit     RateLimitConfig
	Token         TokenConfig
	Password      PasswordConfig
	Audit         AuditConfig
	Metrics       MetricsConfig
}

// DefaultConfig returns the package defaults: virtual mode, verification
// and rate limiting on, tokens, audit and metrics off.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Mode:                 ModeVirtual,
		MinimumRecoveryLevel: LevelNone,
		Types:                defaultTypeProfiles(),
		LegacyFields: map[string]IdentifierType{
			"email":    TypeEmail,
			"username": TypeUsername,
			"phone":    TypePhone,
		},
		Normalization: NormalizationConfig{
			LowercaseEmails: true,
			TrimWhitespace:  true,
		},
		Verification: VerificationConfig{
			Enabled:          true,
			CodeTTL:          15 * time.Minute,
			OTPDigits:        6,
			MaxAttempts:      5,
			EnumerationDelay: 30 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			MaxAttempts: 10,
			Cooldown:    5 * time.Minute,
		},
		Token: TokenConfig{
			Enabled:       false,
			AccessTTL:     15 * time.Minute,
			SigningMethod: "ed25519",
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 256,
			DropIfFull: true,
		},
	}
}

// Validate checks the configuration for internal consistency. Build calls
// it; callers constructing Config by hand may call it earlier for better
// error locality.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeVirtual, ModeDirect, ModeLegacy:
	default:
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	if c.MinimumRecoveryLevel < LevelNone || c.MinimumRecoveryLevel > LevelFull {
		return errors.New("invalid minimum recovery level")
	}
	if c.Mode == ModeLegacy && c.MigrateExistingData {
		return errors.New("MigrateExistingData is meaningless in legacy mode")
	}
	if c.Verification.Enabled {
		if c.Verification.CodeTTL <= 0 {
			return errors.New("verification CodeTTL must be positive")
		}
		if c.Verification.OTPDigits < 6 || c.Verification.OTPDigits > 10 {
			return errors.New("verification OTPDigits must be 6..10")
		}
		if c.Verification.MaxAttempts <= 0 {
			return errors.New("verification MaxAttempts must be positive")
		}
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.MaxAttempts <= 0 {
			return errors.New("rate limit MaxAttempts must be positive")
		}
		if c.RateLimit.Cooldown <= 0 {
			return errors.New("rate limit Cooldown must be positive")
		}
	}
	if c.Token.Enabled {
		if c.Token.AccessTTL <= 0 {
			return errors.New("token AccessTTL must be positive")
		}
		switch c.Token.SigningMethod {
		case "ed25519", "hs256":
		default:
			return fmt.Errorf("unsupported token signing method %q", c.Token.SigningMethod)
		}
	}
	for field, t := range c.LegacyFields {
		if field == "" || t == "" {
			return errors.New("legacy field mapping entries must be non-empty")
		}
	}
	return nil
}

func cloneConfig(c Config) Config {
	out := c
	out.Types = make(TypeProfiles, len(c.Types))
	for t, p := range c.Types {
		out.Types[t] = p
	}
	out.LegacyFields = make(map[string]IdentifierType, len(c.LegacyFields))
	for f, t := range c.LegacyFields {
		out.LegacyFields[f] = t
	}
	out.Token.PrivateKey = cloneBytes(c.Token.PrivateKey)
	out.Token.PublicKey = cloneBytes(c.Token.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
