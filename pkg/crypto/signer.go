// Package crypto signs certificate manifests and verifies detached manifest
// signatures, one signer at a time.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// AlgEd25519 is the only signature algorithm issued and accepted.
const AlgEd25519 = "Ed25519"

// Signer produces detached signatures.
type Signer interface {
	Sign(data []byte) (string, error)
	PublicKey() string
	KeyID() string
	Algorithm() string
}

// Ed25519Signer signs with an in-memory Ed25519 key. Signatures and keys are
// hex encoded.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	keyID   string
}

func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return NewEd25519SignerFromKey(priv, keyID), nil
}

func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		keyID:   keyID,
	}
}

// NewEd25519SignerFromSeed rebuilds a signer from a 32-byte seed.
func NewEd25519SignerFromSeed(seed []byte, keyID string) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed size: %d", len(seed))
	}
	return NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed), keyID), nil
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.privKey, data)), nil
}

func (s *Ed25519Signer) PublicKey() string { return hex.EncodeToString(s.pubKey) }

func (s *Ed25519Signer) PublicKeyBytes() []byte { return s.pubKey }

func (s *Ed25519Signer) KeyID() string { return s.keyID }

func (s *Ed25519Signer) Algorithm() string { return AlgEd25519 }

// Seed returns the private seed for persistence.
func (s *Ed25519Signer) Seed() []byte { return s.privKey.Seed() }
