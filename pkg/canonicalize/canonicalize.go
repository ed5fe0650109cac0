// Package canonicalize produces the deterministic JSON form used for every
// hash and signature in MarketOps: RFC 8785 (JCS) key ordering, UTF-8, no
// insignificant whitespace, camelCase property names (from struct tags),
// null omission, ISO 8601 UTC timestamps.
//
// These rules are frozen. Any change is a breaking protocol change that
// invalidates every stored Proof Pack.
package canonicalize

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonicalize returns the canonical JSON bytes of v.
//
// A nil input canonicalizes to empty bytes; this is explicitly permitted so
// that "hash of nothing" is representable as the empty string.
func Canonicalize(v any) ([]byte, error) {
	if v == nil {
		return []byte{}, nil
	}
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the lowercase-hex SHA-256 of data. Empty data hashes to the
// empty string, matching the empty-canonicalization rule.
func Hash(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashObject is Hash(Canonicalize(v)).
func HashObject(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return Hash(b), nil
}

// VerifyHash reports whether data hashes to expected. Comparison is
// constant-time.
func VerifyHash(data []byte, expected string) bool {
	actual := Hash(data)
	if len(actual) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) == 1
}

// String returns the canonical form as a string.
func String(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
