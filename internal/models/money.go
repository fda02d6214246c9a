package models

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// DropsPerXRP is the fixed divisor between the ledger's native unit and XRP.
var DropsPerXRP = decimal.NewFromInt(1_000_000)

const dropsExponent = 6

// NativeCurrency is the ledger's base denomination.
const NativeCurrency = "XRP"

const defaultFiatScale = 2

// FiatScale returns the number of minor-unit digits for an ISO 4217 code.
// Unknown codes use two digits.
func FiatScale(code string) int32 {
	unit, err := currency.ParseISO(strings.ToUpper(code))
	if err != nil {
		return defaultFiatScale
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale)
}

// RoundFiat rounds a fiat amount to the currency's minor unit (half-even).
func RoundFiat(amount decimal.Decimal, code string) decimal.Decimal {
	return amount.RoundBank(FiatScale(code))
}

// DropsToXRP converts an amount of drops to XRP without loss.
func DropsToXRP(drops decimal.Decimal) decimal.Decimal {
	return drops.Shift(-dropsExponent)
}
