package listener

import (
	"encoding/json"
	"testing"

	"xrp-payment-monitor/internal/models"

	"github.com/shopspring/decimal"
)

var defaultMinimum = decimal.RequireFromString("0.0001")

func paymentRecord(hash, destination string, delivered any) models.LedgerRecord {
	return models.LedgerRecord{
		Tx: map[string]any{
			"hash":            hash,
			"TransactionType": "Payment",
			"Account":         "rSender",
			"Destination":     destination,
		},
		Meta: map[string]any{
			"TransactionResult": "tesSUCCESS",
			"delivered_amount":  delivered,
		},
		Validated: true,
	}
}

func TestCheckPayment(t *testing.T) {
	notPayment := paymentRecord("H", "M1", "150000")
	notPayment.Tx["TransactionType"] = "OfferCreate"

	failed := paymentRecord("H", "M1", "150000")
	failed.Meta["TransactionResult"] = "tecPATH_DRY"

	noHash := paymentRecord("", "M1", "150000")

	tests := []struct {
		name   string
		rec    models.LedgerRecord
		reason string
		amount string
	}{
		{"valid string drops", paymentRecord("H", "M1", "150000"), "", "0.15"},
		{"valid json number", paymentRecord("H", "M1", json.Number("150000")), "", "0.15"},
		{"valid float", paymentRecord("H", "M1", float64(150000)), "", "0.15"},
		{"exact minimum", paymentRecord("H", "M1", "100"), "", "0.0001"},
		{"dust", paymentRecord("H", "M1", "99"), ReasonDust, "0.000099"},
		{"wrong destination", paymentRecord("H", "M2", "150000"), ReasonWrongDestination, "0"},
		{"destination is case-sensitive", paymentRecord("H", "m1", "150000"), ReasonWrongDestination, "0"},
		{"not a payment", notPayment, ReasonNotPayment, "0"},
		{"failed result", failed, ReasonFailedResult, "0"},
		{"missing tx", models.LedgerRecord{Meta: map[string]any{}}, ReasonMissingPayload, "0"},
		{"missing meta", models.LedgerRecord{Tx: map[string]any{"hash": "H"}}, ReasonMissingPayload, "0"},
		{"missing hash", noHash, ReasonMissingPayload, "0"},
		{"issued currency", paymentRecord("H", "M1", map[string]any{"currency": "USD", "value": "1"}), ReasonMalformedAmount, "0"},
		{"garbage amount", paymentRecord("H", "M1", "lots"), ReasonMalformedAmount, "0"},
		{"negative amount", paymentRecord("H", "M1", "-5"), ReasonMalformedAmount, "0"},
		{"fractional drops", paymentRecord("H", "M1", "1.5"), ReasonMalformedAmount, "0"},
		{"wrong type", paymentRecord("H", "M1", true), ReasonMalformedAmount, "0"},
		{"missing delivered", paymentRecord("H", "M1", nil), ReasonMalformedAmount, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.name == "missing delivered" {
				delete(tt.rec.Meta, "delivered_amount")
			}
			amount, reason := CheckPayment(tt.rec, "M1", defaultMinimum)
			if reason != tt.reason {
				t.Errorf("expected reason %q, got %q", tt.reason, reason)
			}
			if !amount.Equal(decimal.RequireFromString(tt.amount)) {
				t.Errorf("expected amount %s, got %s", tt.amount, amount)
			}
			if got := IsValidPayment(tt.rec, "M1", defaultMinimum); got != (tt.reason == "") {
				t.Errorf("IsValidPayment = %v, inconsistent with reason %q", got, tt.reason)
			}
		})
	}
}

func TestCheckPayment_ResultOptional(t *testing.T) {
	rec := paymentRecord("H", "M1", "150000")
	delete(rec.Meta, "TransactionResult")
	if !IsValidPayment(rec, "M1", defaultMinimum) {
		t.Error("record without TransactionResult should still validate")
	}
}

func TestDeliveredAmount_IsExact(t *testing.T) {
	amount, err := DeliveredAmount(paymentRecord("H", "M1", "100000000000000001"))
	if err != nil {
		t.Fatalf("DeliveredAmount failed: %v", err)
	}
	if amount.String() != "100000000000.000001" {
		t.Errorf("expected exact conversion, got %s", amount)
	}
}
