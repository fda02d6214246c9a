package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"xrp-payment-monitor/internal/models"
	"xrp-payment-monitor/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// observedAtLayout has a fixed width so lexical order matches time order.
const observedAtLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(observedAtLayout)
}

// InsertPayment writes a payment once. A known tx_id returns (false, nil).
func (s *Service) InsertPayment(ctx context.Context, payment models.PaymentRecord) (bool, error) {
	if err := store.ValidateRecord(payment); err != nil {
		return false, err
	}
	p := payment.ForStorage()

	var fiat sql.NullString
	if p.AmountFiat.Valid {
		fiat = sql.NullString{String: p.AmountFiat.Decimal.String(), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, queryInsertPayment,
		p.TxId, p.Sender, p.Receiver, p.AmountNative.String(), fiat,
		p.FiatCurrency, formatTime(p.ObservedAt), string(p.Status))
	if err != nil {
		return false, classify("database.insert_payment", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, classify("database.insert_payment", err)
	}
	if rows == 0 {
		zap.L().Debug("Payment already stored", zap.String("tx_id", p.TxId))
		return false, nil
	}
	return true, nil
}

func (s *Service) ListPayments(ctx context.Context, filter store.PaymentFilter) ([]models.PaymentRecord, error) {
	query, args := buildListQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("database.list_payments", err)
	}
	defer rows.Close()

	var payments []models.PaymentRecord
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("database.list_payments", err)
	}
	return payments, nil
}

func buildListQuery(filter store.PaymentFilter) (string, []any) {
	var where []string
	var args []any

	if filter.Receiver != "" {
		where = append(where, "receiver = ?")
		args = append(args, filter.Receiver)
	}
	if filter.Sender != "" {
		where = append(where, "sender = ?")
		args = append(args, filter.Sender)
	}
	if filter.Currency != "" {
		where = append(where, "fiat_currency = ?")
		args = append(args, filter.Currency)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		where = append(where, "observed_at >= ?")
		args = append(args, formatTime(filter.Since))
	}
	if !filter.Until.IsZero() {
		where = append(where, "observed_at < ?")
		args = append(args, formatTime(filter.Until))
	}

	var b strings.Builder
	b.WriteString(queryListPaymentsBase)
	if len(where) > 0 {
		b.WriteString("\n\t\tWHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString("\n\t\tORDER BY observed_at DESC, tx_id\n\t\tLIMIT ?")
	args = append(args, filter.EffectiveLimit())
	return b.String(), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (models.PaymentRecord, error) {
	var (
		p                   models.PaymentRecord
		amountStr, observed string
		fiatStr             sql.NullString
		status              string
	)
	if err := row.Scan(&p.TxId, &p.Sender, &p.Receiver, &amountStr, &fiatStr, &p.FiatCurrency, &observed, &status); err != nil {
		return p, fmt.Errorf("failed to scan payment: %w", err)
	}

	var err error
	p.AmountNative, err = decimal.NewFromString(amountStr)
	if err != nil {
		return p, fmt.Errorf("failed to parse amount_native '%s': %w", amountStr, err)
	}
	if fiatStr.Valid {
		d, err := decimal.NewFromString(fiatStr.String)
		if err != nil {
			return p, fmt.Errorf("failed to parse amount_fiat '%s': %w", fiatStr.String, err)
		}
		p.AmountFiat = decimal.NewNullDecimal(d)
	}
	p.ObservedAt, err = time.Parse(observedAtLayout, observed)
	if err != nil {
		return p, fmt.Errorf("failed to parse observed_at '%s': %w", observed, err)
	}
	p.Status = models.PaymentStatus(status)
	return p, nil
}

func (s *Service) ListTxIds(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, queryListTxIds)
	if err != nil {
		return nil, classify("database.list_tx_ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tx_id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Service) LatestObservedAt(ctx context.Context) (time.Time, bool, error) {
	var latest sql.NullString
	if err := s.db.QueryRowContext(ctx, queryLatestObservedAt).Scan(&latest); err != nil {
		return time.Time{}, false, classify("database.latest_observed_at", err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(observedAtLayout, latest.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse observed_at '%s': %w", latest.String, err)
	}
	return t, true, nil
}
