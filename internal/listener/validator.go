package listener

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"xrp-payment-monitor/internal/models"

	"github.com/shopspring/decimal"
)

// Rejection reasons reported by CheckPayment
const (
	ReasonMissingPayload   = "missing_payload"
	ReasonNotPayment       = "not_payment"
	ReasonFailedResult     = "failed_result"
	ReasonWrongDestination = "wrong_destination"
	ReasonMalformedAmount  = "malformed_amount"
	ReasonDust             = "dust"
)

const (
	paymentType   = "Payment"
	resultSuccess = "tesSUCCESS"
)

var errIssuedCurrency = errors.New("issued currency amounts are not supported")

// IsValidPayment reports whether rec is a payment of at least minimum XRP
// delivered to merchant. It never panics on malformed input.
func IsValidPayment(rec models.LedgerRecord, merchant string, minimum decimal.Decimal) bool {
	_, reason := CheckPayment(rec, merchant, minimum)
	return reason == ""
}

// CheckPayment applies the validation rules in order and returns the
// delivered amount in XRP, or the first rejection reason.
func CheckPayment(rec models.LedgerRecord, merchant string, minimum decimal.Decimal) (decimal.Decimal, string) {
	if rec.Tx == nil || rec.Meta == nil || rec.Hash() == "" {
		return decimal.Zero, ReasonMissingPayload
	}

	if txType, _ := rec.Tx["TransactionType"].(string); txType != paymentType {
		return decimal.Zero, ReasonNotPayment
	}

	// a validated transaction can still have failed and delivered nothing
	if result, ok := rec.Meta["TransactionResult"].(string); ok && result != resultSuccess {
		return decimal.Zero, ReasonFailedResult
	}

	if dest, _ := rec.Tx["Destination"].(string); dest != merchant {
		return decimal.Zero, ReasonWrongDestination
	}

	amount, err := DeliveredAmount(rec)
	if err != nil {
		return decimal.Zero, ReasonMalformedAmount
	}
	if amount.LessThan(minimum) {
		return amount, ReasonDust
	}
	return amount, ""
}

// DeliveredAmount returns meta.delivered_amount converted from drops to XRP.
func DeliveredAmount(rec models.LedgerRecord) (decimal.Decimal, error) {
	drops, err := DeliveredDrops(rec)
	if err != nil {
		return decimal.Zero, err
	}
	return models.DropsToXRP(drops), nil
}

// DeliveredDrops returns meta.delivered_amount in drops.
func DeliveredDrops(rec models.LedgerRecord) (decimal.Decimal, error) {
	if rec.Meta == nil {
		return decimal.Zero, fmt.Errorf("missing metadata")
	}
	raw, ok := rec.Meta["delivered_amount"]
	if !ok {
		return decimal.Zero, fmt.Errorf("missing delivered_amount")
	}

	var drops decimal.Decimal
	switch v := raw.(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid delivered_amount %q: %w", v, err)
		}
		drops = d
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid delivered_amount %q: %w", v, err)
		}
		drops = d
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Zero, fmt.Errorf("invalid delivered_amount %v", v)
		}
		drops = decimal.NewFromFloat(v)
	case int:
		drops = decimal.NewFromInt(int64(v))
	case int64:
		drops = decimal.NewFromInt(v)
	case map[string]any:
		return decimal.Zero, errIssuedCurrency
	default:
		return decimal.Zero, fmt.Errorf("unexpected delivered_amount type %T", raw)
	}

	if drops.IsNegative() || !drops.Equal(drops.Truncate(0)) {
		return decimal.Zero, fmt.Errorf("delivered_amount must be a non-negative whole number of drops, got %s", drops)
	}
	return drops, nil
}
