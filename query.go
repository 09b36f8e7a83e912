package keyfold

import "fmt"

// The query translator rewrites legacy filter predicates (filter by email,
// username, ...) into predicates over the identifier relation. Translation
// fails closed: any shape it does not understand yields ErrUnsupportedQuery
// instead of silently matching too broadly or narrowly.

// Filter is a legacy-shaped filter predicate. Supported shapes are Eq on a
// legacy field and And/Or composites of supported shapes.
type Filter interface {
	isFilter()
}

// Eq matches users whose legacy field equals value.
type Eq struct {
	Field string
	Value string
}

// And matches users satisfying every child filter.
type And []Filter

// Or matches users satisfying at least one child filter.
type Or []Filter

func (Eq) isFilter()  {}
func (And) isFilter() {}
func (Or) isFilter()  {}

// StorePredicate is the storage-side predicate tree produced by
// translation, interpreted by store adapters.
type StorePredicate interface {
	isStorePredicate()
}

// HasIdentifier matches users owning an identifier with the given key,
// regardless of verification state.
type HasIdentifier struct {
	Type            IdentifierType
	NormalizedValue string
}

// UserFieldEquals matches on a flat user-record field (name, role). Used
// for legacy fields with no identifier mapping.
type UserFieldEquals struct {
	Field string
	Value string
}

// AllOf is predicate conjunction.
type AllOf []StorePredicate

// AnyOf is predicate disjunction.
type AnyOf []StorePredicate

func (HasIdentifier) isStorePredicate()   {}
func (UserFieldEquals) isStorePredicate() {}
func (AllOf) isStorePredicate()           {}
func (AnyOf) isStorePredicate()           {}

// flat user-record fields that remain queryable without identifier mapping.
var flatQueryFields = map[string]bool{
	"name": true,
	"role": true,
}

// queryTranslator rewrites legacy filters using the engine's field mapping
// and normalizer, so a translated value always compares against stored
// normalized values.
type queryTranslator struct {
	fields     map[string]IdentifierType
	normalizer *Normalizer
}

// Translate rewrites a legacy filter into a store predicate. Composite
// predicates are rewritten recursively, preserving structure.
func (qt *queryTranslator) Translate(f Filter) (StorePredicate, error) {
	switch filter := f.(type) {
	case Eq:
		if t, ok := qt.fields[filter.Field]; ok {
			return HasIdentifier{
				Type:            t,
				NormalizedValue: qt.normalizer.Normalize(t, filter.Value),
			}, nil
		}
		if flatQueryFields[filter.Field] {
			return UserFieldEquals{Field: filter.Field, Value: filter.Value}, nil
		}
		return nil, fmt.Errorf("%w: field %q", ErrUnsupportedQuery, filter.Field)
	case And:
		if len(filter) == 0 {
			return nil, fmt.Errorf("%w: empty conjunction", ErrUnsupportedQuery)
		}
		out := make(AllOf, 0, len(filter))
		for _, child := range filter {
			translated, err := qt.Translate(child)
			if err != nil {
				return nil, err
			}
			out = append(out, translated)
		}
		return out, nil
	case Or:
		if len(filter) == 0 {
			return nil, fmt.Errorf("%w: empty disjunction", ErrUnsupportedQuery)
		}
		out := make(AnyOf, 0, len(filter))
		for _, child := range filter {
			translated, err := qt.Translate(child)
			if err != nil {
				return nil, err
			}
			out = append(out, translated)
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("%w: nil filter", ErrUnsupportedQuery)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedQuery, f)
	}
}

// translateLegacyOnly rewrites a filter for legacy mode, where the flat
// record is authoritative and identifier predicates do not exist. Mapped
// fields compare against the flat columns instead.
func (qt *queryTranslator) translateLegacyOnly(f Filter) (StorePredicate, error) {
	switch filter := f.(type) {
	case Eq:
		if t, ok := qt.fields[filter.Field]; ok {
			return UserFieldEquals{
				Field: filter.Field,
				Value: qt.normalizer.Normalize(t, filter.Value),
			}, nil
		}
		if flatQueryFields[filter.Field] {
			return UserFieldEquals{Field: filter.Field, Value: filter.Value}, nil
		}
		return nil, fmt.Errorf("%w: field %q", ErrUnsupportedQuery, filter.Field)
	case And:
		if len(filter) == 0 {
			return nil, fmt.Errorf("%w: empty conjunction", ErrUnsupportedQuery)
		}
		out := make(AllOf, 0, len(filter))
		for _, child := range filter {
			translated, err := qt.translateLegacyOnly(child)
			if err != nil {
				return nil, err
			}
			out = append(out, translated)
		}
		return out, nil
	case Or:
		if len(filter) == 0 {
			return nil, fmt.Errorf("%w: empty disjunction", ErrUnsupportedQuery)
		}
		out := make(AnyOf, 0, len(filter))
		for _, child := range filter {
			translated, err := qt.translateLegacyOnly(child)
			if err != nil {
				return nil, err
			}
			out = append(out, translated)
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("%w: nil filter", ErrUnsupportedQuery)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedQuery, f)
	}
}

// EvalPredicate decides whether a user with the given identifier snapshot
// matches pred. Store adapters without native predicate pushdown (memstore,
// and mongostore's composite resolution) evaluate with it; a nil predicate
// matches everything.
func EvalPredicate(pred StorePredicate, user *UserRecord, identifiers []Identifier) bool {
	switch p := pred.(type) {
	case nil:
		return true
	case HasIdentifier:
		for _, ident := range identifiers {
			if ident.Type == p.Type && ident.NormalizedValue == p.NormalizedValue {
				return true
			}
		}
		return false
	case UserFieldEquals:
		switch p.Field {
		case "name":
			return user.Name == p.Value
		case "role":
			return user.Role == p.Value
		case "email":
			return user.Email == p.Value
		case "username", "phone":
			// Flat records store no such columns; mapped fields only match
			// through identifiers outside legacy mode.
			return false
		default:
			return user.Profile[p.Field] == p.Value
		}
	case AllOf:
		for _, child := range p {
			if !EvalPredicate(child, user, identifiers) {
				return false
			}
		}
		return true
	case AnyOf:
		for _, child := range p {
			if EvalPredicate(child, user, identifiers) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
