/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"xrp-payment-monitor/internal/models"
	"xrp-payment-monitor/internal/resilience"
	"xrp-payment-monitor/internal/store"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Compile-time check: *Service must satisfy store.PaymentStore.
var _ store.PaymentStore = (*Service)(nil)

type Service struct {
	db *sql.DB
}

func NewService(ctx context.Context, cfg models.DatabaseConfig) (*Service, error) {
	// Validate configuration
	if cfg.Path == "" {
		return nil, resilience.FatalConfig("database.open", fmt.Errorf("database path cannot be empty"))
	}
	if cfg.MaxOpenConns <= 0 {
		return nil, resilience.FatalConfig("database.open", fmt.Errorf("max open connections must be positive, got %d", cfg.MaxOpenConns))
	}
	if cfg.MaxIdleConns < 0 {
		return nil, resilience.FatalConfig("database.open", fmt.Errorf("max idle connections cannot be negative, got %d", cfg.MaxIdleConns))
	}
	if cfg.PingTimeout <= 0 {
		return nil, resilience.FatalConfig("database.open", fmt.Errorf("ping timeout must be positive, got %v", cfg.PingTimeout))
	}

	zap.L().Info("Opening SQLite database", zap.String("file", cfg.Path))
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=1000&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	// Set connection timeouts and limits
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Test connection with timeout
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	service := &Service{db: db}
	if err := service.initSchema(ctx); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}

	zap.L().Info("Database service initialized successfully")
	return service, nil
}

func (s *Service) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close database connection", zap.Error(err))
	}
}

// Ping checks the connection is usable
func (s *Service) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Service) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaPayments); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, schemaRateCache)
	return err
}

// classify marks lock contention and I/O failures as transient so callers retry them.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return resilience.Transient(op, errors.Join(store.ErrUnavailable, err))
		case sqlite3.ErrFull:
			return resilience.Exhausted(op, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return resilience.Transient(op, errors.Join(store.ErrUnavailable, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}
