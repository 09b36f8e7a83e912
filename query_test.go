package keyfold

import (
	"errors"
	"testing"
)

func newTestTranslator() *queryTranslator {
	cfg := defaultConfig()
	return &queryTranslator{
		fields:     cfg.LegacyFields,
		normalizer: NewNormalizer(cfg.Normalization),
	}
}

func TestTranslateMappedFieldNormalizesValue(t *testing.T) {
	qt := newTestTranslator()

	pred, err := qt.Translate(Eq{Field: "email", Value: "User@Example.com"})
	if err != nil {
		t.Fatal(err)
	}
	has, ok := pred.(HasIdentifier)
	if !ok {
		t.Fatalf("got %T, want HasIdentifier", pred)
	}
	if has.Type != TypeEmail || has.NormalizedValue != "user@example.com" {
		t.Errorf("got %+v", has)
	}
}

func TestTranslateFlatField(t *testing.T) {
	qt := newTestTranslator()

	pred, err := qt.Translate(Eq{Field: "role", Value: "admin"})
	if err != nil {
		t.Fatal(err)
	}
	eq, ok := pred.(UserFieldEquals)
	if !ok || eq.Field != "role" || eq.Value != "admin" {
		t.Errorf("got %T %+v", pred, pred)
	}
}

func TestTranslateComposite(t *testing.T) {
	qt := newTestTranslator()

	pred, err := qt.Translate(And{
		Eq{Field: "email", Value: "A@B.co"},
		Or{
			Eq{Field: "username", Value: "ada"},
			Eq{Field: "role", Value: "admin"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	all, ok := pred.(AllOf)
	if !ok || len(all) != 2 {
		t.Fatalf("got %T %+v", pred, pred)
	}
	if _, ok := all[0].(HasIdentifier); !ok {
		t.Errorf("first child is %T, want HasIdentifier", all[0])
	}
	any, ok := all[1].(AnyOf)
	if !ok || len(any) != 2 {
		t.Fatalf("second child is %T, want AnyOf of two", all[1])
	}
}

func TestTranslateFailsClosed(t *testing.T) {
	qt := newTestTranslator()

	cases := []Filter{
		Eq{Field: "shoe_size", Value: "42"},
		And{Eq{Field: "email", Value: "a@b.co"}, Eq{Field: "shoe_size", Value: "42"}},
		Or{},
		And{},
		nil,
	}
	for _, f := range cases {
		if _, err := qt.Translate(f); !errors.Is(err, ErrUnsupportedQuery) {
			t.Errorf("Translate(%+v) err = %v, want ErrUnsupportedQuery", f, err)
		}
	}
}

func TestTranslateLegacyOnlyMapsToFlatColumns(t *testing.T) {
	qt := newTestTranslator()

	pred, err := qt.translateLegacyOnly(Eq{Field: "email", Value: "User@Example.com"})
	if err != nil {
		t.Fatal(err)
	}
	eq, ok := pred.(UserFieldEquals)
	if !ok || eq.Field != "email" || eq.Value != "user@example.com" {
		t.Errorf("got %T %+v", pred, pred)
	}
}

func TestEvalPredicate(t *testing.T) {
	user := &UserRecord{UserID: "u1", Name: "Ada", Role: "admin"}
	ids := []Identifier{
		{Type: TypeEmail, NormalizedValue: "a@example.com"},
		{Type: TypeUsername, NormalizedValue: "ada"},
	}

	cases := []struct {
		pred StorePredicate
		want bool
	}{
		{nil, true},
		{HasIdentifier{Type: TypeEmail, NormalizedValue: "a@example.com"}, true},
		{HasIdentifier{Type: TypeEmail, NormalizedValue: "other@example.com"}, false},
		{HasIdentifier{Type: TypePhone, NormalizedValue: "a@example.com"}, false},
		{UserFieldEquals{Field: "name", Value: "Ada"}, true},
		{UserFieldEquals{Field: "role", Value: "user"}, false},
		{AllOf{
			HasIdentifier{Type: TypeEmail, NormalizedValue: "a@example.com"},
			UserFieldEquals{Field: "role", Value: "admin"},
		}, true},
		{AllOf{
			HasIdentifier{Type: TypeEmail, NormalizedValue: "a@example.com"},
			UserFieldEquals{Field: "role", Value: "user"},
		}, false},
		{AnyOf{
			UserFieldEquals{Field: "role", Value: "user"},
			HasIdentifier{Type: TypeUsername, NormalizedValue: "ada"},
		}, true},
		{AnyOf{
			UserFieldEquals{Field: "role", Value: "user"},
			HasIdentifier{Type: TypeUsername, NormalizedValue: "nobody"},
		}, false},
	}
	for i, c := range cases {
		if got := EvalPredicate(c.pred, user, ids); got != c.want {
			t.Errorf("case %d: EvalPredicate = %t, want %t", i, got, c.want)
		}
	}
}
