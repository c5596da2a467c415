package timestamp

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

// TrustStore holds time-stamp authority key material known locally.
type TrustStore struct {
	mu    sync.RWMutex
	keys  map[string]ed25519.PublicKey
	roots *x509.CertPool
}

func NewTrustStore() *TrustStore {
	return &TrustStore{keys: make(map[string]ed25519.PublicKey)}
}

// AddAuthorityKey trusts an Ed25519 key for signed JSON tokens.
func (t *TrustStore) AddAuthorityKey(keyID string, pub ed25519.PublicKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys[keyID] = pub
}

// AddAuthorityKeyHex is AddAuthorityKey for hex-encoded keys.
func (t *TrustStore) AddAuthorityKeyHex(keyID, pubHex string) error {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return fmt.Errorf("authority %s: %w", keyID, err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("authority %s: invalid public key size %d", keyID, len(pub))
	}
	t.AddAuthorityKey(keyID, pub)
	return nil
}

// AddRootsPEM trusts the PEM certificates as RFC 3161 authority roots.
func (t *TrustStore) AddRootsPEM(pemData []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.roots == nil {
		t.roots = x509.NewCertPool()
	}
	if !t.roots.AppendCertsFromPEM(pemData) {
		return errors.New("no certificates found in PEM data")
	}
	return nil
}

// AddRoot trusts a parsed root certificate.
func (t *TrustStore) AddRoot(cert *x509.Certificate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.roots == nil {
		t.roots = x509.NewCertPool()
	}
	t.roots.AddCert(cert)
}

func (t *TrustStore) authorityKey(keyID string) (ed25519.PublicKey, bool) {
	if t == nil {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	k, ok := t.keys[keyID]
	return k, ok
}

func (t *TrustStore) rootPool() *x509.CertPool {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.roots
}
