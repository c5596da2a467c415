// Package anchor validates public-ledger anchors: RFC 6962 inclusion proofs
// from the manifest hash to a root the ledger committed, corroborated by the
// ledger's own view of the transaction.
package anchor

import (
	"golang.org/x/crypto/sha3"

	"github.com/ecosign/ecocert/pkg/certificate"
	"github.com/ecosign/ecocert/pkg/hasher"
)

// Chain describes how a ledger commits to a manifest hash.
type Chain struct {
	Name string
	// Durable ledgers are the ones a "fully anchored" claim may rest on.
	Durable bool
	commit  func(hasher.Digest) []byte
}

// Commitment returns the leaf data the chain's batch tree contains for h.
func (c Chain) Commitment(h hasher.Digest) []byte { return c.commit(h) }

var chains = map[string]Chain{
	certificate.ChainPolygon: {
		Name:    certificate.ChainPolygon,
		Durable: false,
		commit: func(h hasher.Digest) []byte {
			k := sha3.NewLegacyKeccak256()
			k.Write(h[:])
			return k.Sum(nil)
		},
	},
	certificate.ChainBitcoin: {
		Name:    certificate.ChainBitcoin,
		Durable: true,
		commit: func(h hasher.Digest) []byte {
			out := make([]byte, len(h))
			copy(out, h[:])
			return out
		},
	},
}

// Lookup returns the chain definition by name.
func Lookup(name string) (Chain, bool) {
	c, ok := chains[name]
	return c, ok
}
