package token

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"testing"
	"time"
)

func hs256Manager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		SigningMethod: "hs256",
		PrivateKey:    bytes.Repeat([]byte("k"), 32),
		Issuer:        "keyfold-test",
		AccessTTL:     time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestIssueAndParseHS256(t *testing.T) {
	m := hs256Manager(t)

	raw, err := m.Issue(Claims{UserID: "u1", IdentifierType: "email", RecoveryLevel: "FULL"})
	if err != nil {
		t.Fatal(err)
	}

	claims, err := m.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if claims.UserID != "u1" || claims.IdentifierType != "email" || claims.RecoveryLevel != "FULL" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.Subject != "u1" {
		t.Errorf("Subject = %q, want %q", claims.Subject, "u1")
	}
	if claims.Issuer != "keyfold-test" {
		t.Errorf("Issuer = %q", claims.Issuer)
	}
	if claims.ExpiresAt == nil {
		t.Fatal("missing expiry")
	}
	lifetime := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
	if lifetime != time.Minute {
		t.Errorf("token lifetime = %v, want %v", lifetime, time.Minute)
	}
}

func TestIssueAndParseEd25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	m, err := NewManager(Config{
		SigningMethod: "ed25519",
		PrivateKey:    priv,
		PublicKey:     pub,
		Issuer:        "keyfold-test",
	})
	if err != nil {
		t.Fatal(err)
	}

	raw, err := m.Issue(Claims{UserID: "u2"})
	if err != nil {
		t.Fatal(err)
	}
	claims, err := m.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if claims.UserID != "u2" {
		t.Errorf("UserID = %q", claims.UserID)
	}
}

func TestEd25519PublicKeyDerivedFromPrivate(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	m, err := NewManager(Config{SigningMethod: "ed25519", PrivateKey: priv})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := m.Issue(Claims{UserID: "u3"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Parse(raw); err != nil {
		t.Fatal(err)
	}
}

func TestParseRejectsWrongKey(t *testing.T) {
	m := hs256Manager(t)
	other, err := NewManager(Config{
		SigningMethod: "hs256",
		PrivateKey:    bytes.Repeat([]byte("x"), 32),
		Issuer:        "keyfold-test",
	})
	if err != nil {
		t.Fatal(err)
	}

	raw, err := m.Issue(Claims{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Parse(raw); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong key err = %v", err)
	}
}

func TestParseRejectsAlgorithmMismatch(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	eddsa, err := NewManager(Config{SigningMethod: "ed25519", PrivateKey: priv})
	if err != nil {
		t.Fatal(err)
	}

	raw, err := hs256Manager(t).Issue(Claims{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eddsa.Parse(raw); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("alg mismatch err = %v", err)
	}
}

func TestParseRejectsWrongIssuer(t *testing.T) {
	key := bytes.Repeat([]byte("k"), 32)
	a, err := NewManager(Config{SigningMethod: "hs256", PrivateKey: key, Issuer: "service-a"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewManager(Config{SigningMethod: "hs256", PrivateKey: key, Issuer: "service-b"})
	if err != nil {
		t.Fatal(err)
	}

	raw, err := a.Issue(Claims{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Parse(raw); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("issuer mismatch err = %v", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	m := hs256Manager(t)
	for _, raw := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := m.Parse(raw); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Parse(%q) err = %v", raw, err)
		}
	}
}

func TestNewManagerRejectsBadKeys(t *testing.T) {
	cases := []Config{
		{SigningMethod: "hs256", PrivateKey: []byte("short")},
		{SigningMethod: "ed25519", PrivateKey: []byte("short")},
		{SigningMethod: "rs256", PrivateKey: bytes.Repeat([]byte("k"), 32)},
		{},
	}
	for _, cfg := range cases {
		if _, err := NewManager(cfg); !errors.Is(err, ErrBadKey) {
			t.Errorf("NewManager(%+v) err = %v", cfg, err)
		}
	}
}

func TestDefaultTTL(t *testing.T) {
	m, err := NewManager(Config{SigningMethod: "hs256", PrivateKey: bytes.Repeat([]byte("k"), 32)})
	if err != nil {
		t.Fatal(err)
	}
	if m.TTL() != 15*time.Minute {
		t.Errorf("TTL = %v", m.TTL())
	}
}
