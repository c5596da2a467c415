package anchor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ecosign/ecocert/pkg/remote"
)

// LedgerState is a ledger's current view of one anchoring transaction.
type LedgerState struct {
	Chain                string     `json:"chain"`
	TransactionReference string     `json:"transactionReference"`
	Confirmed            bool       `json:"confirmed"`
	RootHash             string     `json:"rootHash,omitempty"`
	BlockHeight          uint64     `json:"blockHeight,omitempty"`
	ConfirmedAt          *time.Time `json:"confirmedAt,omitempty"`
}

// Ledger resolves anchoring transactions. Implementations talk to a chain
// indexer; the verifier never holds node connections itself.
type Ledger interface {
	State(ctx context.Context, chain, txRef string) (*LedgerState, error)
}

// HTTPLedger reads states from an indexer exposing
// GET {base}/v1/chains/{chain}/transactions/{txRef}.
type HTTPLedger struct {
	base   string
	client *remote.Client
}

func NewHTTPLedger(baseURL string, client *remote.Client) *HTTPLedger {
	return &HTTPLedger{base: baseURL, client: client}
}

func (l *HTTPLedger) State(ctx context.Context, chain, txRef string) (*LedgerState, error) {
	u := fmt.Sprintf("%s/v1/chains/%s/transactions/%s", l.base, url.PathEscape(chain), url.PathEscape(txRef))
	var st LedgerState
	err := l.client.GetJSON(ctx, u, &st)
	var se *remote.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		// The indexer is reachable and does not know the transaction.
		return &LedgerState{Chain: chain, TransactionReference: txRef}, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}
