// Package hasher computes content fingerprints over unmodified byte streams.
package hasher

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/ecosign/ecocert/pkg/faults"
)

// Algorithm is the only content hash a manifest may record.
const Algorithm = "sha256"

// Size is the digest length in bytes.
const Size = sha256.Size

// Digest is a fixed-size SHA-256 fingerprint.
type Digest [Size]byte

// Hex returns the lowercase hex encoding used in manifests.
func (d Digest) Hex() string { return hex.EncodeToString(d[:]) }

func (d Digest) String() string { return d.Hex() }

// Equal compares two digests in constant time.
func (d Digest) Equal(o Digest) bool {
	return subtle.ConstantTimeCompare(d[:], o[:]) == 1
}

// ParseDigest decodes a lowercase hex digest. Uppercase hex is rejected so a
// manifest has exactly one spelling per digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if len(s) != hex.EncodedLen(Size) {
		return d, fmt.Errorf("digest must be %d hex chars, got %d", hex.EncodedLen(Size), len(s))
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return d, fmt.Errorf("digest contains non lowercase-hex byte %q at %d", c, i)
		}
	}
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return d, err
	}
	return d, nil
}

// Hash reads r to EOF and returns its digest. It fails only when the stream
// cannot be fully read.
func Hash(r io.Reader) (Digest, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, n, faults.Wrap(faults.CodeIO, err, "read input stream")
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d, n, nil
}

// HashBytes hashes an in-memory buffer.
func HashBytes(b []byte) Digest {
	return Digest(sha256.Sum256(b))
}
