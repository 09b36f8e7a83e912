package keyfold

import "sort"

// The virtual field mapper translates between the legacy flat user shape and
// the identifier collection: projectLegacy computes the read view,
// planEmailWrite / primaryCredentialIdentifier decompose write intents into
// identifier mutations. Both directions are deterministic: identifier order
// is always creation time, then id, so the "first email" projection never
// flaps between reads.

func sortIdentifiers(ids []Identifier) {
	sort.SliceStable(ids, func(i, j int) bool {
		if !ids[i].CreatedAt.Equal(ids[j].CreatedAt) {
			return ids[i].CreatedAt.Before(ids[j].CreatedAt)
		}
		return ids[i].ID < ids[j].ID
	})
}

// projectLegacy computes the legacy view of a user from its identifier
// snapshot. The email virtual fields come from the first email identifier by
// creation time; when the user has none they stay empty. The recovery level
// is recomputed on every call, never cached.
func projectLegacy(user *UserRecord, identifiers []Identifier, types TypeProfiles) LegacyUser {
	sortIdentifiers(identifiers)

	view := LegacyUser{
		UserID:        user.UserID,
		Name:          user.Name,
		Role:          user.Role,
		Profile:       user.Profile,
		RecoveryLevel: ClassifyRecovery(identifiers, types),
	}
	if primary := firstIdentifierOfType(identifiers, TypeEmail); primary != nil {
		view.Email = primary.NormalizedValue
		view.EmailVerified = primary.Verified
	}
	return view
}

// projectLegacyFlat computes the legacy view of a flat record in legacy
// mode, where identifiers are not authoritative. Classification runs over
// the identifiers the record would migrate to, without persisting them.
func projectLegacyFlat(user *UserRecord, types TypeProfiles) LegacyUser {
	return LegacyUser{
		UserID:        user.UserID,
		Email:         user.Email,
		EmailVerified: user.EmailVerified,
		Name:          user.Name,
		Role:          user.Role,
		Profile:       user.Profile,
		RecoveryLevel: ClassifyRecovery(deriveIdentifiers(user, nil), types),
	}
}

func firstIdentifierOfType(ids []Identifier, t IdentifierType) *Identifier {
	for i := range ids {
		if ids[i].Type == t {
			return &ids[i]
		}
	}
	return nil
}

// primaryCredentialIdentifier picks the identifier backing the user's
// primary credential-bearing login method: the first verified one, or else
// the first created. Credential writes on the legacy surface land here.
func primaryCredentialIdentifier(ids []Identifier, types TypeProfiles) *Identifier {
	sortIdentifiers(ids)
	for i := range ids {
		if types.profile(ids[i].Type).CredentialBearing && ids[i].Verified {
			return &ids[i]
		}
	}
	for i := range ids {
		if types.profile(ids[i].Type).CredentialBearing {
			return &ids[i]
		}
	}
	return nil
}

type emailWriteOp uint8

const (
	emailWriteNoop emailWriteOp = iota
	emailWriteCreate
	emailWriteReplace
)

type emailWritePlan struct {
	op  emailWriteOp
	old *Identifier
	new Identifier
}

// planEmailWrite decomposes a legacy email write into an identifier
// mutation. A value change is modeled as delete-old + create-new (executed
// atomically through ReplaceIdentifier), never an in-place edit, preserving
// the uniqueness-index contract. Because only normalized values are
// persisted, a whitespace/case-only change normalizes to the stored value
// and becomes a no-op, which is exactly the carry-forward the contract
// requires: prior verification status and credential hash survive.
// A genuine change resets the verified flag and carries the credential hash
// forward so the user's password keeps working against the new address.
func planEmailWrite(userID, normalizedEmail string, existing []Identifier, newID string) emailWritePlan {
	sortIdentifiers(existing)
	current := firstIdentifierOfType(existing, TypeEmail)

	if current == nil {
		return emailWritePlan{
			op: emailWriteCreate,
			new: Identifier{
				ID:              newID,
				UserID:          userID,
				Type:            TypeEmail,
				NormalizedValue: normalizedEmail,
			},
		}
	}
	if current.NormalizedValue == normalizedEmail {
		return emailWritePlan{op: emailWriteNoop, old: current}
	}
	return emailWritePlan{
		op:  emailWriteReplace,
		old: current,
		new: Identifier{
			ID:              newID,
			UserID:          userID,
			Type:            TypeEmail,
			NormalizedValue: normalizedEmail,
			Verified:        false,
			CredentialHash:  current.CredentialHash,
			Metadata:        current.Metadata,
		},
	}
}
