// Package token issues and verifies the engine's access tokens as JWTs
// signed with Ed25519 or HMAC-SHA256.
package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken covers expired, malformed and badly signed tokens.
	ErrInvalidToken = errors.New("token: invalid token")
	// ErrBadKey is returned at construction for unusable key material.
	ErrBadKey = errors.New("token: bad key material")
)

// Claims is the payload carried by every access token.
type Claims struct {
	UserID         string `json:"uid"`
	IdentifierType string `json:"idt,omitempty"`
	RecoveryLevel  string `json:"rcl,omitempty"`
	jwt.RegisteredClaims
}

// Config selects the signing method and key material.
type Config struct {
	// SigningMethod is "ed25519" or "hs256".
	SigningMethod string
	// PrivateKey is the Ed25519 private key, or the HMAC secret for hs256.
	PrivateKey []byte
	// PublicKey is the Ed25519 public key; unused for hs256.
	PublicKey []byte
	Issuer    string
	AccessTTL time.Duration
}

// Manager signs and parses access tokens. Safe for concurrent use.
type Manager struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	issuer    string
	ttl       time.Duration
}

// NewManager validates the key material and returns a ready Manager.
func NewManager(cfg Config) (*Manager, error) {
	ttl := cfg.AccessTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	m := &Manager{issuer: cfg.Issuer, ttl: ttl}

	switch cfg.SigningMethod {
	case "ed25519":
		if len(cfg.PrivateKey) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("%w: ed25519 private key must be %d bytes", ErrBadKey, ed25519.PrivateKeySize)
		}
		priv := ed25519.PrivateKey(cfg.PrivateKey)
		pub := cfg.PublicKey
		if len(pub) == 0 {
			pub = priv.Public().(ed25519.PublicKey)
		}
		if len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: ed25519 public key must be %d bytes", ErrBadKey, ed25519.PublicKeySize)
		}
		m.method = jwt.SigningMethodEdDSA
		m.signKey = priv
		m.verifyKey = ed25519.PublicKey(pub)
	case "hs256":
		if len(cfg.PrivateKey) < 32 {
			return nil, fmt.Errorf("%w: hs256 secret must be at least 32 bytes", ErrBadKey)
		}
		m.method = jwt.SigningMethodHS256
		m.signKey = cfg.PrivateKey
		m.verifyKey = cfg.PrivateKey
	default:
		return nil, fmt.Errorf("%w: unsupported signing method %q", ErrBadKey, cfg.SigningMethod)
	}
	return m, nil
}

// Issue signs an access token for the given claims.
func (m *Manager) Issue(claims Claims) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    m.issuer,
		Subject:   claims.UserID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}
	return jwt.NewWithClaims(m.method, claims).SignedString(m.signKey)
}

// Parse verifies a token and returns its claims.
func (m *Manager) Parse(raw string) (*Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != m.method.Alg() {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return m.verifyKey, nil
	},
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if m.issuer != "" && claims.Issuer != m.issuer {
		return nil, fmt.Errorf("%w: wrong issuer", ErrInvalidToken)
	}
	return &claims, nil
}

// TTL reports the access token lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}
