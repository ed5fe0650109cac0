// Package fcsign implements the Federation Core symmetric signing scheme:
// HMAC-SHA256 over canonical JSON bytes, keyed by a named key.
package fcsign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/keon-os/marketops/pkg/canonicalize"
)

// Algorithm is the value recorded in signature blocks minted by this signer.
const Algorithm = "hmacSha256"

// Signer signs and verifies canonical JSON with a symmetric key.
type Signer struct {
	keyID string
	key   []byte
}

// New constructs a Signer. Construction fails closed on a missing key.
func New(keyID string, key []byte) (*Signer, error) {
	if keyID == "" {
		return nil, fmt.Errorf("fcsign: keyId is required")
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("fcsign: signing key %q is empty", keyID)
	}
	return &Signer{keyID: keyID, key: key}, nil
}

// KeyID returns the configured key identifier.
func (s *Signer) KeyID() string { return s.keyID }

// Sign computes the lowercase-hex HMAC-SHA256 of canonicalJSON.
func (s *Signer) Sign(canonicalJSON []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(canonicalJSON)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature in constant time. A mismatch is a boolean
// false, never an error.
func (s *Signer) Verify(canonicalJSON []byte, signature string) bool {
	expected := s.Sign(canonicalJSON)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// SignObject canonicalizes v and signs the resulting bytes.
func (s *Signer) SignObject(v any) (string, error) {
	b, err := canonicalize.Canonicalize(v)
	if err != nil {
		return "", err
	}
	return s.Sign(b), nil
}

// SHA256Text returns the lowercase-hex SHA-256 of the UTF-8 bytes of text.
func SHA256Text(text string) string {
	return SHA256Bytes([]byte(text))
}

// SHA256Bytes returns the lowercase-hex SHA-256 of data.
func SHA256Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ToCanonicalJSON exposes the shared canonicalization rules for callers
// that sign pre-built values.
func ToCanonicalJSON(v any) ([]byte, error) {
	return canonicalize.Canonicalize(v)
}
