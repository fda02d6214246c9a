package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"xrp-payment-monitor/internal/models"

	"github.com/shopspring/decimal"
)

// SaveRate persists the last good rate so a restart can serve it as stale.
func (s *Service) SaveRate(ctx context.Context, entry models.RateCacheEntry) error {
	_, err := s.db.ExecContext(ctx, queryUpsertRate, entry.Currency, entry.Rate.String(), formatTime(entry.FetchedAt))
	return classify("database.save_rate", err)
}

// LoadRate returns the persisted rate for a currency, if any.
func (s *Service) LoadRate(ctx context.Context, currency string) (models.RateCacheEntry, bool, error) {
	var entry models.RateCacheEntry
	var rateStr, fetched string
	err := s.db.QueryRowContext(ctx, queryGetRate, currency).Scan(&entry.Currency, &rateStr, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return entry, false, nil
	}
	if err != nil {
		return entry, false, classify("database.load_rate", err)
	}

	entry.Rate, err = decimal.NewFromString(rateStr)
	if err != nil {
		return entry, false, fmt.Errorf("failed to parse rate '%s': %w", rateStr, err)
	}
	entry.FetchedAt, err = time.Parse(observedAtLayout, fetched)
	if err != nil {
		return entry, false, fmt.Errorf("failed to parse fetched_at '%s': %w", fetched, err)
	}
	return entry, true, nil
}
