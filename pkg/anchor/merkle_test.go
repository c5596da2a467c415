package anchor

import (
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecosign/ecocert/pkg/hasher"
)

func leavesOf(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("leaf-%d", i))
	}
	return out
}

func TestInclusionForEveryTreeShape(t *testing.T) {
	for size := 1; size <= 17; size++ {
		leaves := leavesOf(size)
		root := TreeRoot(leaves)
		for i := 0; i < size; i++ {
			path := AuditPath(leaves, i)
			got, err := RootFromProof(uint64(i), uint64(size), LeafHash(leaves[i]), path)
			require.NoError(t, err, "size=%d index=%d", size, i)
			assert.Equal(t, root, got, "size=%d index=%d", size, i)
		}
	}
}

func TestInclusionRejectsWrongLeafOrPosition(t *testing.T) {
	leaves := leavesOf(7)
	rootHex := hex.EncodeToString(TreeRoot(leaves))
	path := AuditPath(leaves, 3)
	pathHex := make([]string, len(path))
	for i, p := range path {
		pathHex[i] = hex.EncodeToString(p)
	}

	require.NoError(t, VerifyInclusion(leaves[3], 3, 7, pathHex, rootHex))
	assert.Error(t, VerifyInclusion([]byte("forged"), 3, 7, pathHex, rootHex))
	assert.Error(t, VerifyInclusion(leaves[3], 2, 7, pathHex, rootHex))
	assert.Error(t, VerifyInclusion(leaves[3], 3, 4, pathHex, rootHex))
	assert.Error(t, VerifyInclusion(leaves[3], 3, 16, pathHex, rootHex))
	// Leaf 3 has the same audit path shape in trees of size 7 and 8.
	assert.NoError(t, VerifyInclusion(leaves[3], 3, 8, pathHex, rootHex))
	assert.Error(t, VerifyInclusion(leaves[3], 3, 7, pathHex[:len(pathHex)-1], rootHex))
	assert.Error(t, VerifyInclusion(leaves[3], 7, 7, pathHex, rootHex))
}

func TestKnownRFC6962Vectors(t *testing.T) {
	// Empty tree and single empty leaf.
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", hex.EncodeToString(TreeRoot(nil)))
	assert.Equal(t, "6e340b9cffb37a989ca544e6bb780a2c78901d3fb33738768511a30617afa01d", hex.EncodeToString(TreeRoot([][]byte{{}})))
}

func TestBatchProofsVerify(t *testing.T) {
	b, err := NewBatch("bitcoin")
	require.NoError(t, err)

	var hashes []hasher.Digest
	for i := 0; i < 5; i++ {
		h := hasher.HashBytes([]byte(fmt.Sprintf("manifest-%d", i)))
		hashes = append(hashes, h)
		b.Add(h)
	}
	b.Add(hashes[0])

	for i, h := range hashes {
		p, err := b.Proof(h)
		require.NoError(t, err)
		assert.EqualValues(t, i, p.LeafIndex)
		assert.EqualValues(t, 5, p.TreeSize)
		assert.Equal(t, b.Root(), p.RootHash)
		assert.NoError(t, VerifyInclusion(h[:], p.LeafIndex, p.TreeSize, p.Hashes, p.RootHash))
	}

	_, err = b.Proof(hasher.HashBytes([]byte("absent")))
	assert.Error(t, err)
	_, err = NewBatch("dogecoin")
	assert.Error(t, err)
}
