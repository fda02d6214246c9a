package formance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"xrp-payment-monitor/internal/models"
	"xrp-payment-monitor/internal/store"

	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Numscript template. All metadata is set inside the script via set_tx_meta()
// so the Formance transaction is fully self-describing.
const numscriptPaymentReceived = `vars {
  monetary $amount
  account $receiver
  string $tx_id
  string $sender
  string $receiver_address
  string $amount_native
  string $amount_fiat
  string $fiat_currency
  string $observed_at
  string $status
  string $ledger_index
  string $cycle_id
}

send $amount (
  source = @world
  destination = @merchants:$receiver
)

set_tx_meta("event_type", "payment_received")
set_tx_meta("tx_id", $tx_id)
set_tx_meta("sender", $sender)
set_tx_meta("receiver", $receiver_address)
set_tx_meta("amount_native", $amount_native)
set_tx_meta("amount_fiat", $amount_fiat)
set_tx_meta("fiat_currency", $fiat_currency)
set_tx_meta("observed_at", $observed_at)
set_tx_meta("status", $status)
set_tx_meta("ledger_index", $ledger_index)
set_tx_meta("cycle_id", $cycle_id)
`

const (
	eventPaymentReceived = "payment_received"
	nativeAsset          = "XRP/6"
	listPageSize         = int64(100)
	maxListPages         = 1000
)

// paymentVars builds the Numscript variables for a payment. Fiat is stored
// as an empty string when no rate was available.
func paymentVars(p models.PaymentRecord, lc *models.LedgerContext) map[string]string {
	drops := p.AmountNative.Shift(6).BigInt().String()
	fiat := ""
	if p.AmountFiat.Valid {
		fiat = p.AmountFiat.Decimal.String()
	}
	vars := map[string]string{
		"amount":           fmt.Sprintf("%s %s", nativeAsset, drops),
		"receiver":         p.Receiver,
		"tx_id":            p.TxId,
		"sender":           p.Sender,
		"receiver_address": p.Receiver,
		"amount_native":    p.AmountNative.String(),
		"amount_fiat":      fiat,
		"fiat_currency":    p.FiatCurrency,
		"observed_at":      p.ObservedAt.UTC().Format(time.RFC3339Nano),
		"status":           string(p.Status),
		"ledger_index":     "",
		"cycle_id":         "",
	}
	if lc != nil {
		vars["ledger_index"] = lc.LedgerIndex
		vars["cycle_id"] = lc.CycleId
	}
	return vars
}

// recordFromMetadata rebuilds a payment from the transaction metadata.
func recordFromMetadata(meta map[string]string) (models.PaymentRecord, error) {
	p := models.PaymentRecord{
		TxId:         meta["tx_id"],
		Sender:       meta["sender"],
		Receiver:     meta["receiver"],
		FiatCurrency: meta["fiat_currency"],
		Status:       models.PaymentStatus(meta["status"]),
	}
	if p.TxId == "" {
		return p, fmt.Errorf("transaction metadata has no tx_id")
	}

	var err error
	if p.AmountNative, err = decimal.NewFromString(meta["amount_native"]); err != nil {
		return p, fmt.Errorf("invalid amount_native for %s: %w", p.TxId, err)
	}
	if raw := meta["amount_fiat"]; raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return p, fmt.Errorf("invalid amount_fiat for %s: %w", p.TxId, err)
		}
		p.AmountFiat = decimal.NewNullDecimal(d)
	}
	if p.ObservedAt, err = time.Parse(time.RFC3339Nano, meta["observed_at"]); err != nil {
		return p, fmt.Errorf("invalid observed_at for %s: %w", p.TxId, err)
	}
	return p, nil
}

// InsertPayment posts the payment as a ledger transaction referenced by tx_id.
// A CONFLICT on the reference means it was already recorded.
func (s *Service) InsertPayment(ctx context.Context, payment models.PaymentRecord) (bool, error) {
	if err := store.ValidateRecord(payment); err != nil {
		return false, err
	}
	p := payment.ForStorage()

	postTx := shared.V2PostTransaction{
		Reference: strPtr(p.TxId),
		Script: &shared.V2PostTransactionScript{
			Plain: numscriptPaymentReceived,
			Vars:  paymentVars(p, models.GetLedgerContext(ctx)),
		},
		Timestamp: &p.ObservedAt,
	}

	_, err := s.client.Ledger.V2.CreateTransaction(ctx, operations.V2CreateTransactionRequest{
		Ledger:            s.ledger,
		V2PostTransaction: postTx,
	})
	if err != nil {
		if isConflictError(err) {
			return false, nil // idempotent
		}
		return false, classify("formance.insert_payment", err)
	}

	zap.L().Info("Payment recorded in Formance",
		zap.String("tx_id", p.TxId),
		zap.String("receiver", p.Receiver),
		zap.String("amount", p.AmountNative.String()))
	return true, nil
}

func paymentQuery(filter store.PaymentFilter) map[string]any {
	clauses := []any{
		map[string]any{"$match": map[string]any{"metadata[event_type]": eventPaymentReceived}},
	}
	if filter.Receiver != "" {
		clauses = append(clauses, map[string]any{"$match": map[string]any{"metadata[receiver]": filter.Receiver}})
	}
	if filter.Sender != "" {
		clauses = append(clauses, map[string]any{"$match": map[string]any{"metadata[sender]": filter.Sender}})
	}
	if filter.Currency != "" {
		clauses = append(clauses, map[string]any{"$match": map[string]any{"metadata[fiat_currency]": filter.Currency}})
	}
	if filter.Status != "" {
		clauses = append(clauses, map[string]any{"$match": map[string]any{"metadata[status]": string(filter.Status)}})
	}
	return map[string]any{"$and": clauses}
}

// eachPayment walks matching transactions page by page until fn returns false.
func (s *Service) eachPayment(ctx context.Context, filter store.PaymentFilter, fn func(models.PaymentRecord) bool) error {
	var cursor *string
	for page := 0; page < maxListPages; page++ {
		req := operations.V2ListTransactionsRequest{
			Ledger:      s.ledger,
			PageSize:    ptrInt64(listPageSize),
			RequestBody: paymentQuery(filter),
		}
		if cursor != nil {
			req = operations.V2ListTransactionsRequest{Ledger: s.ledger, Cursor: cursor}
		}

		resp, err := s.client.Ledger.V2.ListTransactions(ctx, req)
		if err != nil {
			return classify("formance.list_payments", err)
		}

		c := resp.V2TransactionsCursorResponse.Cursor
		for _, tx := range c.Data {
			p, err := recordFromMetadata(tx.Metadata)
			if err != nil {
				zap.L().Warn("Skipping ledger transaction with unreadable metadata", zap.Error(err))
				continue
			}
			if !fn(p) {
				return nil
			}
		}
		if !c.HasMore || c.Next == nil {
			return nil
		}
		cursor = c.Next
	}
	return nil
}

func (s *Service) ListPayments(ctx context.Context, filter store.PaymentFilter) ([]models.PaymentRecord, error) {
	limit := filter.EffectiveLimit()
	var payments []models.PaymentRecord
	err := s.eachPayment(ctx, filter, func(p models.PaymentRecord) bool {
		if filter.Matches(p) {
			payments = append(payments, p)
		}
		return len(payments) < limit
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(payments, func(i, j int) bool {
		return payments[i].ObservedAt.After(payments[j].ObservedAt)
	})
	return payments, nil
}

func (s *Service) ListTxIds(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.eachPayment(ctx, store.PaymentFilter{}, func(p models.PaymentRecord) bool {
		ids = append(ids, p.TxId)
		return true
	})
	return ids, err
}

// LatestObservedAt reads the newest payment transaction. The ledger lists
// newest first and the transaction timestamp is the observation time.
func (s *Service) LatestObservedAt(ctx context.Context) (time.Time, bool, error) {
	resp, err := s.client.Ledger.V2.ListTransactions(ctx, operations.V2ListTransactionsRequest{
		Ledger:      s.ledger,
		PageSize:    ptrInt64(1),
		RequestBody: paymentQuery(store.PaymentFilter{}),
	})
	if err != nil {
		return time.Time{}, false, classify("formance.latest_observed_at", err)
	}
	data := resp.V2TransactionsCursorResponse.Cursor.Data
	if len(data) == 0 {
		return time.Time{}, false, nil
	}
	return data[0].Timestamp.UTC(), true, nil
}
