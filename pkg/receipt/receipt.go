// Package receipt issues and checks signed verification receipts: EdDSA
// JWTs that bind a verdict to the exact report it summarises.
package receipt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ecosign/ecocert/pkg/canonicalize"
	"github.com/ecosign/ecocert/pkg/crypto"
	"github.com/ecosign/ecocert/pkg/verifier"
)

var (
	ErrReportMismatch = errors.New("receipt does not match report")
	ErrUnknownKey     = errors.New("receipt signed by unknown key")
)

// Claims is the receipt body. Subject is the manifest hash.
type Claims struct {
	jwt.RegisteredClaims
	Verdict      verifier.Verdict `json:"verdict"`
	ReportSHA256 string           `json:"report_sha256"`
}

// ReportDigest is the hex SHA-256 of the report's canonical JSON.
func ReportDigest(r *verifier.Report) (string, error) {
	return canonicalize.CanonicalHash(r)
}

// Issuer signs receipts.
type Issuer struct {
	name  string
	keyID string
	key   ed25519.PrivateKey
	ttl   time.Duration
	now   func() time.Time
}

// NewIssuer signs with s. A zero ttl issues receipts without expiry.
func NewIssuer(name string, s *crypto.Ed25519Signer, ttl time.Duration) *Issuer {
	return &Issuer{
		name:  name,
		keyID: s.KeyID(),
		key:   ed25519.NewKeyFromSeed(s.Seed()),
		ttl:   ttl,
		now:   time.Now,
	}
}

// WithClock fixes the issuer's clock.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue returns a compact JWS over the report's verdict and digest.
func (i *Issuer) Issue(r *verifier.Report) (string, error) {
	digest, err := ReportDigest(r)
	if err != nil {
		return "", fmt.Errorf("digest report: %w", err)
	}
	now := i.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   i.name,
			Subject:  r.ManifestHash,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Verdict:      r.Verdict,
		ReportSHA256: digest,
	}
	if i.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(i.ttl))
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = i.keyID
	return tok.SignedString(i.key)
}

// Verifier checks receipts against known issuer keys.
type Verifier struct {
	issuer string
	mu     sync.RWMutex
	keys   map[string]ed25519.PublicKey
}

func NewVerifier(issuer string) *Verifier {
	return &Verifier{issuer: issuer, keys: make(map[string]ed25519.PublicKey)}
}

// AddKey trusts pub for receipts carrying kid.
func (v *Verifier) AddKey(kid string, pub ed25519.PublicKey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys[kid] = pub
}

// Verify checks the token signature and issuer. When r is non-nil the
// receipt must also match that report exactly.
func (v *Verifier) Verify(token string, r *verifier.Report) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		v.mu.RLock()
		defer v.mu.RUnlock()
		pub, ok := v.keys[kid]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
		}
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return claims, nil
	}
	digest, err := ReportDigest(r)
	if err != nil {
		return nil, err
	}
	if claims.ReportSHA256 != digest || claims.Verdict != r.Verdict || claims.Subject != r.ManifestHash {
		return nil, ErrReportMismatch
	}
	return claims, nil
}
