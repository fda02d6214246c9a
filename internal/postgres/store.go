package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"xrp-payment-monitor/internal/models"
	"xrp-payment-monitor/internal/resilience"
	"xrp-payment-monitor/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var _ store.PaymentStore = (*Store)(nil)

const uniqueViolation = "23505"

const schema = `
	CREATE TABLE IF NOT EXISTS payments (
		tx_id TEXT PRIMARY KEY,
		sender TEXT NOT NULL,
		receiver TEXT NOT NULL,
		amount_native NUMERIC(38, 6) NOT NULL,
		amount_fiat NUMERIC(38, 8),
		fiat_currency TEXT NOT NULL,
		observed_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL DEFAULT 'confirmed'
	);
	CREATE INDEX IF NOT EXISTS idx_payments_observed_at ON payments(observed_at DESC);
	CREATE INDEX IF NOT EXISTS idx_payments_receiver_observed ON payments(receiver, observed_at DESC);`

const (
	queryInsertPayment = `
		INSERT INTO payments (tx_id, sender, receiver, amount_native, amount_fiat, fiat_currency, observed_at, status)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8)
		ON CONFLICT (tx_id) DO NOTHING`

	queryListPaymentsBase = `
		SELECT tx_id, sender, receiver, amount_native::text, amount_fiat::text, fiat_currency, observed_at, status
		FROM payments`

	queryListTxIds        = `SELECT tx_id FROM payments`
	queryLatestObservedAt = `SELECT MAX(observed_at) FROM payments`
)

// Store is a PostgreSQL payment store backed by a pgx pool
type Store struct {
	Db *pgxpool.Pool
}

func NewStore(ctx context.Context, cfg models.PostgresConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, resilience.FatalConfig("postgres.open", fmt.Errorf("POSTGRES_DSN is required for the postgres backend"))
	}

	config, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, resilience.FatalConfig("postgres.open", fmt.Errorf("unable to parse database config: %w", err))
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}

	zap.L().Info("PostgreSQL payment store initialized")
	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Db.Ping(ctx)
}

func (s *Store) InsertPayment(ctx context.Context, payment models.PaymentRecord) (bool, error) {
	if err := store.ValidateRecord(payment); err != nil {
		return false, err
	}
	p := payment.ForStorage()

	var fiat *string
	if p.AmountFiat.Valid {
		v := p.AmountFiat.Decimal.String()
		fiat = &v
	}

	tag, err := s.Db.Exec(ctx, queryInsertPayment,
		p.TxId, p.Sender, p.Receiver, p.AmountNative.String(), fiat,
		p.FiatCurrency, p.ObservedAt, string(p.Status))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return false, nil
		}
		return false, classify("postgres.insert_payment", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListPayments(ctx context.Context, filter store.PaymentFilter) ([]models.PaymentRecord, error) {
	query, args := buildListQuery(filter)
	rows, err := s.Db.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("postgres.list_payments", err)
	}
	defer rows.Close()

	var payments []models.PaymentRecord
	for rows.Next() {
		var (
			p         models.PaymentRecord
			amountStr string
			fiatStr   *string
			status    string
		)
		if err := rows.Scan(&p.TxId, &p.Sender, &p.Receiver, &amountStr, &fiatStr, &p.FiatCurrency, &p.ObservedAt, &status); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		if p.AmountNative, err = decimal.NewFromString(amountStr); err != nil {
			return nil, fmt.Errorf("failed to parse amount_native '%s': %w", amountStr, err)
		}
		if fiatStr != nil {
			d, err := decimal.NewFromString(*fiatStr)
			if err != nil {
				return nil, fmt.Errorf("failed to parse amount_fiat '%s': %w", *fiatStr, err)
			}
			p.AmountFiat = decimal.NewNullDecimal(d)
		}
		p.ObservedAt = p.ObservedAt.UTC()
		p.Status = models.PaymentStatus(status)
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("postgres.list_payments", err)
	}
	return payments, nil
}

func buildListQuery(filter store.PaymentFilter) (string, []any) {
	var where []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, clause+" $"+strconv.Itoa(len(args)))
	}

	if filter.Receiver != "" {
		add("receiver =", filter.Receiver)
	}
	if filter.Sender != "" {
		add("sender =", filter.Sender)
	}
	if filter.Currency != "" {
		add("fiat_currency =", filter.Currency)
	}
	if filter.Status != "" {
		add("status =", string(filter.Status))
	}
	if !filter.Since.IsZero() {
		add("observed_at >=", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		add("observed_at <", filter.Until.UTC())
	}

	var b strings.Builder
	b.WriteString(queryListPaymentsBase)
	if len(where) > 0 {
		b.WriteString("\n\t\tWHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	args = append(args, filter.EffectiveLimit())
	b.WriteString("\n\t\tORDER BY observed_at DESC, tx_id\n\t\tLIMIT $" + strconv.Itoa(len(args)))
	return b.String(), args
}

func (s *Store) ListTxIds(ctx context.Context) ([]string, error) {
	rows, err := s.Db.Query(ctx, queryListTxIds)
	if err != nil {
		return nil, classify("postgres.list_tx_ids", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify("postgres.list_tx_ids", err)
	}
	return ids, nil
}

func (s *Store) LatestObservedAt(ctx context.Context) (time.Time, bool, error) {
	var latest *time.Time
	if err := s.Db.QueryRow(ctx, queryLatestObservedAt).Scan(&latest); err != nil {
		return time.Time{}, false, classify("postgres.latest_observed_at", err)
	}
	if latest == nil {
		return time.Time{}, false, nil
	}
	return latest.UTC(), true, nil
}

func classify(op string, err error) error {
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return resilience.Transient(op, errors.Join(store.ErrUnavailable, err))
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// SQLSTATE class prefixes
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "40"):
			return resilience.Transient(op, errors.Join(store.ErrUnavailable, err))
		case strings.HasPrefix(pgErr.Code, "53"):
			return resilience.Exhausted(op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
