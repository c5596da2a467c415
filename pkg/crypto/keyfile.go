package crypto

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

type keyFile struct {
	KeyID      string `json:"keyId"`
	Algorithm  string `json:"algorithm"`
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// SaveSigner writes the signer's seed to path with owner-only permissions.
// It refuses to overwrite an existing file.
func SaveSigner(path string, s *Ed25519Signer) error {
	data, err := json.MarshalIndent(keyFile{
		KeyID:      s.KeyID(),
		Algorithm:  s.Algorithm(),
		PublicKey:  s.PublicKey(),
		PrivateKey: hex.EncodeToString(s.Seed()),
	}, "", "  ")
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create key file: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("write key file: %w", err)
	}
	return f.Close()
}

// LoadSigner reads a key file written by SaveSigner.
func LoadSigner(path string) (*Ed25519Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse key file %s: %w", path, err)
	}
	if kf.Algorithm != AlgEd25519 {
		return nil, fmt.Errorf("key file %s: unsupported algorithm %q", path, kf.Algorithm)
	}
	seed, err := hex.DecodeString(kf.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("key file %s: invalid private key hex: %w", path, err)
	}
	s, err := NewEd25519SignerFromSeed(seed, kf.KeyID)
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", path, err)
	}
	if kf.PublicKey != "" && kf.PublicKey != s.PublicKey() {
		return nil, fmt.Errorf("key file %s: public key does not match private key", path)
	}
	return s, nil
}
