// Package proofsign provides the asymmetric half of Proof Pack sealing:
// Ed25519 manifest signatures with a fingerprint-derived key id.
//
// Private keys live on disk or in process memory and are never persisted
// inside a Proof Pack; public keys travel with the pack.
package proofsign

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// KeyIDPrefix is a protocol constant. Changing it requires a new canon
// version and invalidates existing packs.
const KeyIDPrefix = "keon.marketops.proofpack.ed25519.v1"

// Algorithm is the value recorded in manifest signature blocks.
const Algorithm = "ed25519"

// Signer holds an Ed25519 keypair for manifest signing.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// Fingerprint is the first 16 lowercase-hex chars of sha256(publicKey).
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:16]
}

// KeyIDFor derives the full key id for a public key.
func KeyIDFor(pub ed25519.PublicKey) string {
	return KeyIDPrefix + ":" + Fingerprint(pub)
}

// Load reads a 32-byte Ed25519 seed from path.
func Load(path string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("proofsign: read key %s: %w", path, err)
	}
	if len(raw) != ed25519.SeedSize {
		return nil, fmt.Errorf("proofsign: key %s has %d bytes, want %d", path, len(raw), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(raw)
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// LoadOrGenerate loads the key at path, generating and persisting a fresh
// one when the file does not exist (dev mode).
func LoadOrGenerate(path string) (*Signer, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("proofsign: stat key %s: %w", path, err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("proofsign: key generation failed: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("proofsign: create key dir: %w", err)
	}
	if err := os.WriteFile(path, priv.Seed(), 0o600); err != nil {
		return nil, fmt.Errorf("proofsign: persist key %s: %w", path, err)
	}
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// Generate creates an in-memory signer (tests, ephemeral use).
func Generate() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("proofsign: key generation failed: %w", err)
	}
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// KeyID returns "keon.marketops.proofpack.ed25519.v1:<fingerprint>".
func (s *Signer) KeyID() string { return KeyIDFor(s.pub) }

// PublicKey returns the raw 32-byte public key.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.pub }

// Sign returns the Base64 Ed25519 signature of data.
func (s *Signer) Sign(data []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, data))
}

// SignCanonical signs the UTF-8 bytes of a canonical JSON document.
func (s *Signer) SignCanonical(canonicalJSON []byte) string {
	return s.Sign(canonicalJSON)
}

// Verify is a pure function over (publicKey, data, base64 signature).
func Verify(pub ed25519.PublicKey, data []byte, signature string) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}
