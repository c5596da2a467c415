package anchor

import (
	"encoding/hex"
	"fmt"

	"github.com/ecosign/ecocert/pkg/certificate"
	"github.com/ecosign/ecocert/pkg/hasher"
)

// Batch collects manifest hashes bound for one ledger transaction and
// produces the proof each certificate carries once it confirms.
type Batch struct {
	chain  Chain
	leaves [][]byte
	index  map[hasher.Digest]int
}

func NewBatch(chainName string) (*Batch, error) {
	c, ok := Lookup(chainName)
	if !ok {
		return nil, fmt.Errorf("unknown chain %q", chainName)
	}
	return &Batch{chain: c, index: make(map[hasher.Digest]int)}, nil
}

// Add appends a manifest hash; duplicates keep their first position.
func (b *Batch) Add(h hasher.Digest) {
	if _, ok := b.index[h]; ok {
		return
	}
	b.index[h] = len(b.leaves)
	b.leaves = append(b.leaves, b.chain.Commitment(h))
}

// Root is the value the ledger transaction commits.
func (b *Batch) Root() string {
	return hex.EncodeToString(TreeRoot(b.leaves))
}

// Proof returns the inclusion proof for h.
func (b *Batch) Proof(h hasher.Digest) (certificate.InclusionProof, error) {
	i, ok := b.index[h]
	if !ok {
		return certificate.InclusionProof{}, fmt.Errorf("hash %s not in batch", h.Hex())
	}
	path := AuditPath(b.leaves, i)
	hashes := make([]string, len(path))
	for j, p := range path {
		hashes[j] = hex.EncodeToString(p)
	}
	return certificate.InclusionProof{
		LeafIndex: uint64(i),
		TreeSize:  uint64(len(b.leaves)),
		RootHash:  b.Root(),
		Hashes:    hashes,
	}, nil
}
