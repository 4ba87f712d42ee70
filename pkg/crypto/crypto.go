// Package crypto provides secret generation and signing-key derivation.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of derived signing keys.
const KeySize = 32

var ErrEmptySecret = errors.New("crypto: empty secret")

// GenerateSecret generates a random secret string (32 bytes, hex-encoded).
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("crypto: generate secret: %w", err)
	}
	return fmt.Sprintf("%x", b), nil
}

// DeriveKey expands a configured secret into a KeySize key with
// HKDF-SHA256. Different purposes yield independent keys.
func DeriveKey(secret, purpose string) ([]byte, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("roomrelay/"+purpose))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: derive key: %w", err)
	}
	return key, nil
}
