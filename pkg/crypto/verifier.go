package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ecosign/ecocert/pkg/certificate"
	"github.com/ecosign/ecocert/pkg/faults"
)

// SignatureResult is the outcome for one signer.
type SignatureResult struct {
	Index     int         `json:"index"`
	KeyID     string      `json:"key_id"`
	Algorithm string      `json:"algorithm"`
	Valid     bool        `json:"valid"`
	Pinned    bool        `json:"pinned"`
	Code      faults.Code `json:"code,omitempty"`
	Reason    string      `json:"reason"`
}

// SignatureVerifier checks manifest signatures. A nil KeyRing accepts the
// public key embedded in each signature.
type SignatureVerifier struct {
	ring *KeyRing
}

func NewSignatureVerifier(ring *KeyRing) *SignatureVerifier {
	return &SignatureVerifier{ring: ring}
}

// VerifyAll checks every signature independently, in signing order.
func (v *SignatureVerifier) VerifyAll(c *certificate.Certificate) []SignatureResult {
	out := make([]SignatureResult, len(c.Signatures))
	for i, sig := range c.Signatures {
		out[i] = v.Verify(c.SigningInput(), sig)
		out[i].Index = i
	}
	return out
}

// Verify checks one signature over signingInput. It never returns a bare
// boolean failure: every invalid result names its cause.
func (v *SignatureVerifier) Verify(signingInput []byte, sig certificate.Signature) SignatureResult {
	res := SignatureResult{KeyID: sig.KeyID, Algorithm: sig.Algorithm}
	fail := func(format string, args ...any) SignatureResult {
		res.Code = faults.CodeSignatureInvalid
		res.Reason = fmt.Sprintf(format, args...)
		return res
	}

	if !strings.EqualFold(sig.Algorithm, AlgEd25519) {
		return fail("unsupported algorithm %q", sig.Algorithm)
	}
	if sig.Signature == "" {
		return fail("unsigned draft: signature bytes are empty")
	}

	pubHex := strings.ToLower(sig.PublicKey)
	if v.ring != nil {
		if pinned, ok := v.ring.Lookup(sig.KeyID); ok {
			res.Pinned = true
			if pubHex == "" {
				pubHex = pinned
			} else if pubHex != pinned {
				return fail("public key does not match pinned key for %q", sig.KeyID)
			}
		}
	}
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fail("malformed public key: want %d hex-encoded bytes", ed25519.PublicKeySize)
	}
	raw, err := hex.DecodeString(sig.Signature)
	if err != nil {
		return fail("signature is not valid hex")
	}
	if len(raw) != ed25519.SignatureSize {
		return fail("truncated or padded signature: %d of %d bytes", len(raw), ed25519.SignatureSize)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), signingInput, raw) {
		return fail("signature does not match manifest bytes: manifest altered or signed by another key")
	}

	res.Valid = true
	if res.Pinned {
		res.Reason = "verified against pinned key"
	} else {
		res.Reason = "verified against embedded key"
	}
	return res
}

// SignCertificate appends a signature by s over the certificate's canonical
// manifest. Signing order is preserved.
func SignCertificate(c *certificate.Certificate, s Signer, at time.Time) (certificate.Signature, error) {
	sigHex, err := s.Sign(c.SigningInput())
	if err != nil {
		return certificate.Signature{}, fmt.Errorf("sign manifest with %s: %w", s.KeyID(), err)
	}
	sig := certificate.Signature{
		Algorithm: s.Algorithm(),
		KeyID:     s.KeyID(),
		PublicKey: s.PublicKey(),
		CreatedAt: at.UTC().Format(time.RFC3339),
		Signature: sigHex,
	}
	c.Signatures = append(c.Signatures, sig)
	return sig, nil
}
