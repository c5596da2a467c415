package anchor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ecosign/ecocert/pkg/certificate"
	"github.com/ecosign/ecocert/pkg/faults"
	"github.com/ecosign/ecocert/pkg/hasher"
)

// Outcome classifies one anchor check.
type Outcome string

const (
	OutcomeConfirmed   Outcome = "confirmed"
	OutcomePending     Outcome = "pending"
	OutcomeUnconfirmed Outcome = "unconfirmed"
	OutcomeInvalid     Outcome = "invalid"
)

// Result reports one anchor.
type Result struct {
	Index                int                      `json:"index"`
	Chain                string                   `json:"chain"`
	Status               certificate.AnchorStatus `json:"status"`
	Outcome              Outcome                  `json:"outcome"`
	Durable              bool                     `json:"durable"`
	Valid                bool                     `json:"valid"`
	TransactionReference string                   `json:"transaction_reference,omitempty"`
	ConfirmedAt          *time.Time               `json:"confirmed_at,omitempty"`
	BlockHeight          uint64                   `json:"block_height,omitempty"`
	Code                 faults.Code              `json:"code,omitempty"`
	Reason               string                   `json:"reason"`
}

// Validator checks anchors against a Ledger. A nil ledger leaves every
// confirmed anchor uncorroborated.
type Validator struct {
	ledger Ledger
	logger *slog.Logger
}

func NewValidator(ledger Ledger, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default().With("component", "anchor")
	}
	return &Validator{ledger: ledger, logger: logger}
}

// Verify checks one anchor. Only context cancellation returns an error.
func (v *Validator) Verify(ctx context.Context, manifestHash hasher.Digest, a certificate.Anchor) (Result, error) {
	res := Result{
		Chain:                a.Chain,
		Status:               a.Status,
		TransactionReference: a.TransactionReference,
	}
	chain, ok := Lookup(a.Chain)
	if !ok {
		return fail(res, faults.CodeAnchorInvalidProof, "unknown chain %q", a.Chain), nil
	}
	res.Durable = chain.Durable

	if a.Status == certificate.AnchorPending {
		res.Outcome = OutcomePending
		res.Reason = fmt.Sprintf("submitted to %s, awaiting confirmation", a.Chain)
		return res, nil
	}
	if a.Proof == nil {
		return fail(res, faults.CodeAnchorInvalidProof, "confirmed anchor carries no inclusion proof"), nil
	}

	p := a.Proof
	if err := VerifyInclusion(chain.Commitment(manifestHash), p.LeafIndex, p.TreeSize, p.Hashes, p.RootHash); err != nil {
		return fail(res, faults.CodeAnchorInvalidProof, "inclusion proof does not reach the manifest hash: %v", err), nil
	}

	if v.ledger == nil {
		return unconfirmed(res, faults.CodeAnchorUnreachable, "proof is internally consistent; no ledger configured to corroborate root"), nil
	}
	st, err := v.ledger.State(ctx, a.Chain, a.TransactionReference)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		v.logger.Warn("ledger unreachable", "chain", a.Chain, "tx", a.TransactionReference, "error", err)
		return unconfirmed(res, faults.CodeAnchorUnreachable, "ledger unreachable: %v", err), nil
	}
	if !st.Confirmed {
		return unconfirmed(res, faults.CodeAnchorInconsistency,
			"certificate records a confirmed anchor but %s no longer reports transaction %s as confirmed", a.Chain, a.TransactionReference), nil
	}
	if !strings.EqualFold(st.RootHash, p.RootHash) {
		return fail(res, faults.CodeAnchorInvalidProof, "ledger committed root %s, proof claims %s", st.RootHash, p.RootHash), nil
	}

	res.Outcome = OutcomeConfirmed
	res.Valid = true
	res.BlockHeight = st.BlockHeight
	res.ConfirmedAt = a.ConfirmedAt
	if st.ConfirmedAt != nil {
		at := st.ConfirmedAt.UTC()
		res.ConfirmedAt = &at
	}
	res.Reason = fmt.Sprintf("included in %s transaction %s", a.Chain, a.TransactionReference)
	return res, nil
}

// FullyAnchored reports whether at least one durable anchor is confirmed.
func FullyAnchored(results []Result) bool {
	for _, r := range results {
		if r.Valid && r.Durable {
			return true
		}
	}
	return false
}

func fail(res Result, code faults.Code, format string, args ...any) Result {
	res.Outcome = OutcomeInvalid
	res.Code = code
	res.Reason = fmt.Sprintf(format, args...)
	return res
}

func unconfirmed(res Result, code faults.Code, format string, args ...any) Result {
	res.Outcome = OutcomeUnconfirmed
	res.Code = code
	res.Reason = fmt.Sprintf(format, args...)
	return res
}
