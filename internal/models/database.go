package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the lifecycle state of a stored payment
type PaymentStatus string

const (
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentPending   PaymentStatus = "pending"
	PaymentFailed    PaymentStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentConfirmed, PaymentPending, PaymentFailed:
		return true
	}
	return false
}

// PaymentRecord is the durable unit of truth for an ingested ledger payment.
// TxId is immutable once written; AmountFiat is NULL when no rate was available.
type PaymentRecord struct {
	TxId         string              `db:"tx_id" json:"tx_id"`
	Sender       string              `db:"sender" json:"sender"`
	Receiver     string              `db:"receiver" json:"receiver"`
	AmountNative decimal.Decimal     `db:"amount_native" json:"amount_native"`
	AmountFiat   decimal.NullDecimal `db:"amount_fiat" json:"amount_fiat"`
	FiatCurrency string              `db:"fiat_currency" json:"fiat_currency"`
	ObservedAt   time.Time           `db:"observed_at" json:"observed_at"`
	Status       PaymentStatus       `db:"status" json:"status"`
}

// ForStorage returns the record as it must be written: fiat rounded to the
// currency's minor unit, observed_at in UTC and status defaulted.
func (p PaymentRecord) ForStorage() PaymentRecord {
	out := p
	if out.AmountFiat.Valid {
		out.AmountFiat.Decimal = RoundFiat(out.AmountFiat.Decimal, out.FiatCurrency)
	}
	out.ObservedAt = out.ObservedAt.UTC()
	if out.Status == "" {
		out.Status = PaymentConfirmed
	}
	return out
}

// RateCacheEntry is a cached fiat rate for one currency
type RateCacheEntry struct {
	Currency  string
	Rate      decimal.Decimal
	FetchedAt time.Time
}
