package common

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"xrp-payment-monitor/internal/models"

	"github.com/shopspring/decimal"
)

const (
	DefaultWidth = 80
	WideWidth    = 110
)

// PrintSeparator prints a separator line with the specified character and width
func PrintSeparator(w io.Writer, char string, width int) {
	fmt.Fprintln(w, strings.Repeat(char, width))
}

// PrintHeader prints a title between two separator lines
func PrintHeader(w io.Writer, title string, width int) {
	fmt.Fprintln(w)
	PrintSeparator(w, "=", width)
	fmt.Fprintln(w, title)
	PrintSeparator(w, "=", width)
}

// FormatFiat renders a nullable fiat amount with its currency
func FormatFiat(amount decimal.NullDecimal, currency string) string {
	if !amount.Valid {
		return "n/a"
	}
	return amount.Decimal.StringFixed(models.FiatScale(currency)) + " " + currency
}

// PrintPayments writes payments as an aligned table, newest first as given
func PrintPayments(w io.Writer, payments []models.PaymentRecord) {
	PrintHeader(w, fmt.Sprintf("Payments (%d)", len(payments)), WideWidth)
	if len(payments) == 0 {
		fmt.Fprintln(w, "No payments found")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "OBSERVED AT\tTX ID\tSENDER\tRECEIVER\tXRP\tFIAT\tSTATUS")
	for _, p := range payments {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ObservedAt.UTC().Format(time.RFC3339),
			shorten(p.TxId, 16),
			shorten(p.Sender, 14),
			shorten(p.Receiver, 14),
			p.AmountNative.String(),
			FormatFiat(p.AmountFiat, p.FiatCurrency),
			p.Status)
	}
	tw.Flush()
}

// Summary aggregates payments per fiat currency
type Summary struct {
	Currency     string
	Count        int
	TotalNative  decimal.Decimal
	TotalFiat    decimal.Decimal
	Unconverted  int
	FirstPayment time.Time
	LastPayment  time.Time
}

// Summarize totals payments per fiat currency. Payments without a fiat
// amount count towards the native total only.
func Summarize(payments []models.PaymentRecord) []Summary {
	byCurrency := make(map[string]*Summary)
	for _, p := range payments {
		s, ok := byCurrency[p.FiatCurrency]
		if !ok {
			s = &Summary{Currency: p.FiatCurrency, FirstPayment: p.ObservedAt, LastPayment: p.ObservedAt}
			byCurrency[p.FiatCurrency] = s
		}
		s.Count++
		s.TotalNative = s.TotalNative.Add(p.AmountNative)
		if p.AmountFiat.Valid {
			s.TotalFiat = s.TotalFiat.Add(p.AmountFiat.Decimal)
		} else {
			s.Unconverted++
		}
		if p.ObservedAt.Before(s.FirstPayment) {
			s.FirstPayment = p.ObservedAt
		}
		if p.ObservedAt.After(s.LastPayment) {
			s.LastPayment = p.ObservedAt
		}
	}

	out := make([]Summary, 0, len(byCurrency))
	for _, s := range byCurrency {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

// PrintSummary writes per-currency totals
func PrintSummary(w io.Writer, summaries []Summary) {
	PrintHeader(w, "Payment summary", DefaultWidth)
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No payments found")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CURRENCY\tCOUNT\tTOTAL XRP\tTOTAL FIAT\tUNCONVERTED\tLAST PAYMENT")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%s\n",
			s.Currency,
			s.Count,
			s.TotalNative.String(),
			s.TotalFiat.StringFixed(models.FiatScale(s.Currency)),
			s.Unconverted,
			s.LastPayment.UTC().Format(time.RFC3339))
	}
	tw.Flush()
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
