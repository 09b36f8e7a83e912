package keyfold

// RecoveryLevel is the derived trust classification of a user, ordered by
// increasing recoverability. It is recomputed on every read of a user and
// never persisted, so a stale level can never gate a security decision past
// the caller's own fetch.
type RecoveryLevel int8

const (
	// LevelNone disables minimum-recovery enforcement when used as
	// Config.MinimumRecoveryLevel. It is never returned by classification.
	LevelNone RecoveryLevel = iota - 1
	// LevelAnonymous: no identifiers, or only the synthetic anonymous
	// marker.
	LevelAnonymous
	// LevelPseudonymous: at least one real identifier exists, but none that
	// could be used to recover the account.
	LevelPseudonymous
	// LevelPartial: no verified direct-contact identifier, but at least one
	// verified federated identifier. Recovery is possible through the
	// external provider.
	LevelPartial
	// LevelFull: at least one verified email or phone identifier. The user
	// can be reached directly for recovery.
	LevelFull
)

// String returns the wire spelling of the level.
func (l RecoveryLevel) String() string {
	switch l {
	case LevelFull:
		return "FULL"
	case LevelPartial:
		return "PARTIAL"
	case LevelPseudonymous:
		return "PSEUDONYMOUS"
	case LevelAnonymous:
		return "ANONYMOUS"
	default:
		return "NONE"
	}
}

// ParseRecoveryLevel maps a wire spelling back to a level. Unknown input
// yields LevelNone.
func ParseRecoveryLevel(s string) RecoveryLevel {
	switch s {
	case "FULL":
		return LevelFull
	case "PARTIAL":
		return LevelPartial
	case "PSEUDONYMOUS":
		return LevelPseudonymous
	case "ANONYMOUS":
		return LevelAnonymous
	default:
		return LevelNone
	}
}

// ClassifyRecovery derives the recovery level from an identifier snapshot.
// Rules are evaluated top-down, first match wins: verified direct contact
// beats verified federation beats any unverifiable identifier. The function
// is pure; it takes no locks and performs no I/O, so it may observe a
// slightly stale snapshot under concurrent writes. Callers making
// access-control decisions re-fetch first.
func ClassifyRecovery(identifiers []Identifier, types TypeProfiles) RecoveryLevel {
	real := 0
	for _, ident := range identifiers {
		if ident.Type == TypeAnonymous {
			continue
		}
		real++
		profile := types.profile(ident.Type)
		if !ident.Verified {
			continue
		}
		if profile.Contact {
			return LevelFull
		}
	}
	for _, ident := range identifiers {
		if !ident.Verified {
			continue
		}
		if types.profile(ident.Type).Federated {
			return LevelPartial
		}
	}
	if real > 0 {
		return LevelPseudonymous
	}
	return LevelAnonymous
}

// RecoveryAction is a suggested next step to raise a user's recovery level,
// used for UX guidance only.
type RecoveryAction struct {
	Action string
	Reason string
}

// SuggestRecoveryActions returns the actions that would raise the given
// identifier set to the next level, most impactful first.
func SuggestRecoveryActions(identifiers []Identifier, types TypeProfiles) []RecoveryAction {
	level := ClassifyRecovery(identifiers, types)
	if level == LevelFull {
		return nil
	}

	var actions []RecoveryAction
	unverifiedContact := false
	for _, ident := range identifiers {
		if !ident.Verified && types.profile(ident.Type).Contact {
			unverifiedContact = true
			actions = append(actions, RecoveryAction{
				Action: "verify_identifier",
				Reason: "verifying your " + string(ident.Type) + " enables full account recovery",
			})
		}
	}
	if !unverifiedContact {
		actions = append(actions, RecoveryAction{
			Action: "add_contact_identifier",
			Reason: "a verified email or phone enables full account recovery",
		})
	}
	if level < LevelPartial {
		actions = append(actions, RecoveryAction{
			Action: "link_federated_account",
			Reason: "a linked provider account enables partial recovery",
		})
	}
	return actions
}
