// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization so that certificate manifests re-encode to the exact bytes
// that were signed.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Scheme names the canonical encoding recorded with each certificate variant.
const Scheme = "jcs"

// JCS returns the RFC 8785 canonical JSON representation of v.
// Struct tags are honoured; key order, number formatting and string
// escaping follow the RFC, not encoding/json.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	return Transform(intermediate)
}

// Transform canonicalizes an existing JSON document without decoding it into
// Go types, so unknown fields survive byte-for-byte in meaning.
func Transform(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical form of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 of data as lowercase hex.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NormalizeText returns s in Unicode Normalization Form C. Human-entered
// manifest text is normalized once, at issuance; verification never
// re-normalizes signed bytes.
func NormalizeText(s string) string {
	return norm.NFC.String(s)
}
