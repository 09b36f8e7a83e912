package keyfold

import "strings"

// Normalizer canonicalizes identifier values before any comparison, storage
// or uniqueness check. Normalization never rejects input; validation is a
// separate, pluggable step applied to the normalized value.
type Normalizer struct {
	cfg NormalizationConfig
}

// NewNormalizer creates a Normalizer for the given policy.
func NewNormalizer(cfg NormalizationConfig) *Normalizer {
	return &Normalizer{cfg: cfg}
}

// Normalize canonicalizes raw according to the identifier type:
//
//   - email: trim whitespace, lower-case the whole address (when
//     LowercaseEmails is set).
//   - username: trim only; case preserved, comparisons case-sensitive.
//   - phone: strip formatting characters; assumed already in canonical
//     international form, no locale-aware reformatting is attempted.
//   - anything else: trim only.
func (n *Normalizer) Normalize(t IdentifierType, raw string) string {
	value := raw
	if n.cfg.TrimWhitespace {
		value = strings.TrimSpace(value)
	}

	switch t {
	case TypeEmail:
		if n.cfg.LowercaseEmails {
			value = strings.ToLower(value)
		}
	case TypePhone:
		value = stripPhoneFormatting(value)
	}
	return value
}

func stripPhoneFormatting(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for i, r := range value {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// formatting only, dropped
		default:
			// Unknown characters are kept; validation decides their fate.
			b.WriteRune(r)
		}
	}
	return b.String()
}
