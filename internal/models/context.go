package models

import (
	"context"
)

type ledgerContextKey struct{}

// LedgerContext carries supplementary ledger data through context so store
// backends that keep rich metadata (Formance) can record it without changing
// the PaymentStore interface.
type LedgerContext struct {
	CycleId        string // poll cycle that discovered the payment
	LedgerIndex    string // validated ledger sequence
	DeliveredDrops string // delivered amount as reported, in drops
	RateFetchedAt  string // when the conversion rate was fetched, RFC3339
}

// WithLedgerContext attaches ledger data to a context.
func WithLedgerContext(ctx context.Context, lc *LedgerContext) context.Context {
	return context.WithValue(ctx, ledgerContextKey{}, lc)
}

// GetLedgerContext retrieves ledger data from context, or nil if absent.
func GetLedgerContext(ctx context.Context) *LedgerContext {
	lc, _ := ctx.Value(ledgerContextKey{}).(*LedgerContext)
	return lc
}
