package anchor

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
)

// RFC 6962 domain separation prefixes.
const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

// LeafHash is SHA256(0x00 || data).
func LeafHash(data []byte) []byte {
	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write(data)
	return h.Sum(nil)
}

func nodeHash(left, right []byte) []byte {
	h := sha256.New()
	h.Write([]byte{nodePrefix})
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

var errProofShape = errors.New("proof length does not match tree shape")

// RootFromProof recomputes the tree root from a leaf hash and its audit
// path, following the verification algorithm of RFC 9162 section 2.1.3.2.
func RootFromProof(index, size uint64, leaf []byte, path [][]byte) ([]byte, error) {
	if index >= size {
		return nil, fmt.Errorf("leaf index %d outside tree of size %d", index, size)
	}
	fn, sn := index, size-1
	r := leaf
	for _, p := range path {
		if sn == 0 {
			return nil, errProofShape
		}
		if fn&1 == 1 || fn == sn {
			r = nodeHash(p, r)
			if fn&1 == 0 {
				for fn&1 == 0 && fn != 0 {
					fn >>= 1
					sn >>= 1
				}
			}
		} else {
			r = nodeHash(r, p)
		}
		fn >>= 1
		sn >>= 1
	}
	if sn != 0 {
		return nil, errProofShape
	}
	return r, nil
}

// VerifyInclusion checks that leafData sits at index in the tree with root.
func VerifyInclusion(leafData []byte, index, size uint64, pathHex []string, rootHex string) error {
	root, err := hex.DecodeString(rootHex)
	if err != nil {
		return fmt.Errorf("root hash: %w", err)
	}
	path := make([][]byte, len(pathHex))
	for i, s := range pathHex {
		if path[i], err = hex.DecodeString(s); err != nil {
			return fmt.Errorf("proof hash %d: %w", i, err)
		}
	}
	got, err := RootFromProof(index, size, LeafHash(leafData), path)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, root) {
		return fmt.Errorf("computed root %x does not match proof root %s", got, rootHex)
	}
	return nil
}

// TreeRoot computes the RFC 6962 Merkle tree hash over leaf data.
func TreeRoot(leaves [][]byte) []byte {
	switch len(leaves) {
	case 0:
		sum := sha256.Sum256(nil)
		return sum[:]
	case 1:
		return LeafHash(leaves[0])
	}
	k := splitPoint(len(leaves))
	return nodeHash(TreeRoot(leaves[:k]), TreeRoot(leaves[k:]))
}

// AuditPath returns the RFC 6962 inclusion path for leaves[index].
func AuditPath(leaves [][]byte, index int) [][]byte {
	if len(leaves) <= 1 {
		return nil
	}
	k := splitPoint(len(leaves))
	if index < k {
		return append(AuditPath(leaves[:k], index), TreeRoot(leaves[k:]))
	}
	return append(AuditPath(leaves[k:], index-k), TreeRoot(leaves[:k]))
}

// splitPoint is the largest power of two strictly less than n.
func splitPoint(n int) int {
	return 1 << (bits.Len(uint(n-1)) - 1)
}
