package keyfold

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// envConfig is the flat environment-variable surface for service embedders.
// Only scalar knobs are exposed; type profiles, validators and keys stay
// programmatic.
type envConfig struct {
	Mode                 string        `env:"KEYFOLD_MODE" envDefault:"virtual"`
	WarnOnLegacyUsage    bool          `env:"KEYFOLD_WARN_ON_LEGACY_USAGE"`
	MigrateExistingData  bool          `env:"KEYFOLD_MIGRATE_EXISTING_DATA"`
	MinimumRecoveryLevel string        `env:"KEYFOLD_MINIMUM_RECOVERY_LEVEL" envDefault:"NONE"`
	VerificationEnabled  bool          `env:"KEYFOLD_VERIFICATION_ENABLED" envDefault:"true"`
	VerificationCodeTTL  time.Duration `env:"KEYFOLD_VERIFICATION_CODE_TTL" envDefault:"15m"`
	VerificationDigits   int           `env:"KEYFOLD_VERIFICATION_OTP_DIGITS" envDefault:"6"`
	VerificationAttempts int           `env:"KEYFOLD_VERIFICATION_MAX_ATTEMPTS" envDefault:"5"`
	RateLimitEnabled     bool          `env:"KEYFOLD_RATE_LIMIT_ENABLED" envDefault:"true"`
	RateLimitMaxAttempts int           `env:"KEYFOLD_RATE_LIMIT_MAX_ATTEMPTS" envDefault:"10"`
	RateLimitCooldown    time.Duration `env:"KEYFOLD_RATE_LIMIT_COOLDOWN" envDefault:"5m"`
	TokenEnabled         bool          `env:"KEYFOLD_TOKEN_ENABLED"`
	TokenAccessTTL       time.Duration `env:"KEYFOLD_TOKEN_ACCESS_TTL" envDefault:"15m"`
	TokenSigningMethod   string        `env:"KEYFOLD_TOKEN_SIGNING_METHOD" envDefault:"ed25519"`
	TokenIssuer          string        `env:"KEYFOLD_TOKEN_ISSUER"`
	AuditEnabled         bool          `env:"KEYFOLD_AUDIT_ENABLED"`
	MetricsEnabled       bool          `env:"KEYFOLD_METRICS_ENABLED"`
}

// ConfigFromEnv builds a Config from KEYFOLD_* environment variables on top
// of the package defaults. The result still goes through Validate at Build.
func ConfigFromEnv() (Config, error) {
	var ec envConfig
	if err := env.Parse(&ec); err != nil {
		return Config{}, err
	}

	cfg := defaultConfig()
	cfg.Mode = Mode(ec.Mode)
	cfg.WarnOnLegacyUsage = ec.WarnOnLegacyUsage
	cfg.MigrateExistingData = ec.MigrateExistingData
	cfg.MinimumRecoveryLevel = ParseRecoveryLevel(ec.MinimumRecoveryLevel)
	cfg.Verification.Enabled = ec.VerificationEnabled
	cfg.Verification.CodeTTL = ec.VerificationCodeTTL
	cfg.Verification.OTPDigits = ec.VerificationDigits
	cfg.Verification.MaxAttempts = ec.VerificationAttempts
	cfg.RateLimit.Enabled = ec.RateLimitEnabled
	cfg.RateLimit.MaxAttempts = ec.RateLimitMaxAttempts
	cfg.RateLimit.Cooldown = ec.RateLimitCooldown
	cfg.Token.Enabled = ec.TokenEnabled
	cfg.Token.AccessTTL = ec.TokenAccessTTL
	cfg.Token.SigningMethod = ec.TokenSigningMethod
	cfg.Token.Issuer = ec.TokenIssuer
	cfg.Audit.Enabled = ec.AuditEnabled
	cfg.Metrics.Enabled = ec.MetricsEnabled
	return cfg, nil
}
