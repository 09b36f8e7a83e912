// Package password implements Argon2id credential hashing in the standard
// PHC string format, so hashes stay portable across implementations.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrInvalidHash is returned when an encoded hash cannot be parsed.
var ErrInvalidHash = errors.New("password: invalid encoded hash")

// ErrIncompatibleVersion is returned when the hash was produced by an
// unsupported argon2 version.
var ErrIncompatibleVersion = errors.New("password: incompatible argon2 version")

// Params are the Argon2id cost parameters. Zero fields fall back to the
// defaults below.
type Params struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func (p Params) withDefaults() Params {
	if p.Memory == 0 {
		p.Memory = 64 * 1024
	}
	if p.Time == 0 {
		p.Time = 3
	}
	if p.Parallelism == 0 {
		p.Parallelism = 2
	}
	if p.SaltLength == 0 {
		p.SaltLength = 16
	}
	if p.KeyLength == 0 {
		p.KeyLength = 32
	}
	return p
}

// Hasher hashes and verifies secrets with Argon2id.
type Hasher struct {
	params Params
}

// NewHasher returns a Hasher with the given cost parameters.
func NewHasher(p Params) *Hasher {
	return &Hasher{params: p.withDefaults()}
}

// Hash derives a key from secret under a fresh random salt and encodes
// parameters, salt and key as a PHC string.
func (h *Hasher) Hash(secret string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("password: generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(secret), salt, h.params.Time, h.params.Memory, h.params.Parallelism, h.params.KeyLength)

	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory, h.params.Time, h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)
	return encoded, nil
}

// Verify reports whether secret matches the encoded hash. The comparison
// runs in constant time; verification uses the parameters embedded in the
// hash, not the hasher's own, so old hashes keep verifying after a cost
// bump.
func (h *Hasher) Verify(secret, encodedHash string) (bool, error) {
	params, salt, key, err := decode(encodedHash)
	if err != nil {
		return false, err
	}
	candidate := argon2.IDKey([]byte(secret), salt, params.Time, params.Memory, params.Parallelism, uint32(len(key)))
	return subtle.ConstantTimeCompare(key, candidate) == 1, nil
}

// NeedsRehash reports whether the encoded hash was produced with weaker
// parameters than the hasher's current ones.
func (h *Hasher) NeedsRehash(encodedHash string) (bool, error) {
	params, _, key, err := decode(encodedHash)
	if err != nil {
		return false, err
	}
	return params.Memory < h.params.Memory ||
		params.Time < h.params.Time ||
		params.Parallelism < h.params.Parallelism ||
		uint32(len(key)) < h.params.KeyLength, nil
}

func decode(encodedHash string) (Params, []byte, []byte, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return Params{}, nil, nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return Params{}, nil, nil, ErrInvalidHash
	}
	if version != argon2.Version {
		return Params{}, nil, nil, ErrIncompatibleVersion
	}

	var p Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Parallelism); err != nil {
		return Params{}, nil, nil, ErrInvalidHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Params{}, nil, nil, ErrInvalidHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return Params{}, nil, nil, ErrInvalidHash
	}
	p.SaltLength = uint32(len(salt))
	p.KeyLength = uint32(len(key))
	return p, salt, key, nil
}
