package certificate

import (
	"errors"
	"fmt"
	"time"
)

// Ledgers an anchor may target.
const (
	ChainPolygon = "polygon"
	ChainBitcoin = "bitcoin"
)

// AnchorStatus is the lifecycle state of a ledger anchor.
type AnchorStatus string

const (
	AnchorPending   AnchorStatus = "pending"
	AnchorConfirmed AnchorStatus = "confirmed"
)

// ErrAnchorFinal is returned when confirming an anchor that is already confirmed.
var ErrAnchorFinal = errors.New("anchor already confirmed")

// Anchor claims inclusion of the manifest hash in a public ledger.
type Anchor struct {
	Chain                string          `json:"chain"`
	Status               AnchorStatus    `json:"status"`
	TransactionReference string          `json:"transactionReference,omitempty"`
	SubmittedAt          *time.Time      `json:"submittedAt,omitempty"`
	ConfirmedAt          *time.Time      `json:"confirmedAt,omitempty"`
	Proof                *InclusionProof `json:"proof,omitempty"`
}

// InclusionProof is an RFC 6962 audit path from the anchored leaf to the
// root committed on the ledger.
type InclusionProof struct {
	LeafIndex uint64   `json:"leafIndex"`
	TreeSize  uint64   `json:"treeSize"`
	RootHash  string   `json:"rootHash"`
	Hashes    []string `json:"hashes"`
}

// NewPendingAnchor records a submission to chain.
func NewPendingAnchor(chain, txRef string, submittedAt time.Time) Anchor {
	at := submittedAt.UTC()
	return Anchor{
		Chain:                chain,
		Status:               AnchorPending,
		TransactionReference: txRef,
		SubmittedAt:          &at,
	}
}

// Confirm moves a pending anchor to confirmed. It succeeds exactly once.
func (a *Anchor) Confirm(txRef string, at time.Time, proof InclusionProof) error {
	if a.Status == AnchorConfirmed {
		return fmt.Errorf("%s anchor %q: %w", a.Chain, a.TransactionReference, ErrAnchorFinal)
	}
	if txRef == "" {
		return errors.New("confirmed anchor requires a transaction reference")
	}
	confirmed := at.UTC()
	a.Status = AnchorConfirmed
	a.TransactionReference = txRef
	a.ConfirmedAt = &confirmed
	a.Proof = &proof
	return nil
}
