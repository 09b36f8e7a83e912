// Package internal holds small helpers shared across the engine and its
// store adapters: ID minting, one-time code generation and code hashing.
package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// NewID mints a random identifier for users and identifier rows.
func NewID() string {
	return uuid.NewString()
}

// NewOTP returns a numeric one-time code of the given length, generated
// from crypto/rand. Leading zeros are preserved.
func NewOTP(digits int) (string, error) {
	if digits <= 0 {
		return "", fmt.Errorf("otp length must be positive, got %d", digits)
	}
	max := big.NewInt(10)
	for i := 1; i < digits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

// HashCode returns the hex SHA-256 of a one-time code. Challenges store
// only this hash.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// CodeEqual compares a stored code hash against a candidate code in
// constant time.
func CodeEqual(storedHash, code string) bool {
	candidate := HashCode(code)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(candidate)) == 1
}
