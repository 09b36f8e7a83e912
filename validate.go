package keyfold

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// fieldValidator is shared by the default per-type validators. validator.New
// builds its struct cache lazily; Var calls on a shared instance are
// concurrency-safe.
var fieldValidator = validator.New()

// defaultValidators returns the built-in format validators, applied to
// normalized values before the uniqueness check. Callers may override or
// extend them per type through Builder.WithValidator; a nil validator for a
// type disables format validation for it.
func defaultValidators() map[IdentifierType]IdentifierValidator {
	return map[IdentifierType]IdentifierValidator{
		TypeEmail:    validateEmail,
		TypePhone:    validatePhone,
		TypeUsername: validateUsername,
		TypeOAuth:    validateFederatedSubject,
	}
}

func validateEmail(t IdentifierType, value string) error {
	if err := fieldValidator.Var(value, "required,email"); err != nil {
		return fmt.Errorf("%w: not a valid email address", ErrInvalidIdentifierFormat)
	}
	return nil
}

func validatePhone(t IdentifierType, value string) error {
	if err := fieldValidator.Var(value, "required,e164"); err != nil {
		return fmt.Errorf("%w: not a valid E.164 phone number", ErrInvalidIdentifierFormat)
	}
	return nil
}

func validateUsername(t IdentifierType, value string) error {
	if len(value) < 3 || len(value) > 64 {
		return fmt.Errorf("%w: username must be 3-64 characters", ErrInvalidIdentifierFormat)
	}
	if strings.ContainsAny(value, " \t\r\n@") {
		return fmt.Errorf("%w: username contains forbidden characters", ErrInvalidIdentifierFormat)
	}
	return nil
}

// validateFederatedSubject expects "provider:subject" as produced by the
// migration runner and OAuth plugins.
func validateFederatedSubject(t IdentifierType, value string) error {
	provider, subject, ok := strings.Cut(value, ":")
	if !ok || provider == "" || subject == "" {
		return fmt.Errorf("%w: federated subject must be provider:subject", ErrInvalidIdentifierFormat)
	}
	return nil
}
