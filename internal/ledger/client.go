// Package ledger fetches account transaction history from an XRP Ledger node.
package ledger

import (
	"context"
	"encoding/json"

	"xrp-payment-monitor/internal/models"
)

// Marker is the opaque pagination token returned by the node. Nil means no
// more pages remain.
type Marker json.RawMessage

// IsEmpty reports whether the marker signals the end of the history.
func (m Marker) IsEmpty() bool {
	return len(m) == 0 || string(m) == "null"
}

// Page is one batch of transactions in the order the node returned them
type Page struct {
	Records []models.LedgerRecord
	Marker  Marker
}

// Client fetches transaction history for an account at the validated ledger state.
type Client interface {
	FetchTransactions(ctx context.Context, address string, marker Marker) (*Page, error)
}
