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

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"xrp-payment-monitor/internal/models"
	"xrp-payment-monitor/internal/resilience"

	"github.com/shopspring/decimal"
)

const opLoad = "config.load"

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendFormance = "formance"
)

// Load reads the configuration from the environment. Every malformed or
// missing required value is reported in one FatalConfig error.
func Load() (*models.Config, error) {
	return load(true)
}

// LoadReadOnly is Load for tools that only read the payment store and do
// not need a monitored address.
func LoadReadOnly() (*models.Config, error) {
	return load(false)
}

func load(requireAddress bool) (*models.Config, error) {
	e := &env{}

	cfg := &models.Config{
		Addresses: splitList(getEnvString("MERCHANT_ADDRESS", "")),
		Storage: models.StorageConfig{
			Backend: strings.ToLower(getEnvString("STORAGE_BACKEND", BackendSQLite)),
		},
		Database: models.DatabaseConfig{
			Path:            getEnvString("DATABASE_PATH", "payments.db"),
			MaxOpenConns:    e.getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    e.getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: e.getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: e.getEnvDuration("DB_CONN_MAX_IDLE_TIME", 30*time.Second),
			PingTimeout:     e.getEnvDuration("DB_PING_TIMEOUT", 5*time.Second),
		},
		Postgres: models.PostgresConfig{
			DSN:         getEnvString("POSTGRES_DSN", ""),
			PingTimeout: e.getEnvDuration("DB_PING_TIMEOUT", 5*time.Second),
		},
		Formance: models.FormanceConfig{
			StackURL:     getEnvString("FORMANCE_STACK_URL", ""),
			ClientID:     getEnvString("FORMANCE_CLIENT_ID", ""),
			ClientSecret: getEnvString("FORMANCE_CLIENT_SECRET", ""),
			LedgerName:   getEnvString("FORMANCE_LEDGER", "xrp-payments"),
		},
		Dedup: models.DedupConfig{
			Path: getEnvString("DEDUP_INDEX_PATH", ""),
		},
		Ledger: models.LedgerConfig{
			NodeURL:           getEnvString("XRPL_NODE_URL", "https://s.altnet.rippletest.net:51234"),
			PageLimit:         e.getEnvInt("XRPL_PAGE_LIMIT", 200),
			MaxPagesPerCycle:  e.getEnvInt("XRPL_MAX_PAGES_PER_CYCLE", 10),
			RequestsPerSecond: e.getEnvFloat("XRPL_REQUESTS_PER_SECOND", 5),
			RequestTimeout:    e.getEnvDuration("XRPL_REQUEST_TIMEOUT", 30*time.Second),
		},
		Rates: models.RatesConfig{
			ProviderURL:        getEnvString("RATE_PROVIDER_URL", "https://pro-api.coinmarketcap.com/v1"),
			APIKey:             getEnvString("COINMARKETCAP_API_KEY", ""),
			SettlementCurrency: strings.ToUpper(getEnvString("SETTLEMENT_CURRENCY", "USD")),
			CacheTTL:           e.getEnvDuration("RATE_CACHE_TTL", 5*time.Minute),
			WarmInterval:       e.getEnvDuration("RATE_WARM_INTERVAL", 60*time.Second),
		},
		Listener: models.ListenerConfig{
			PollingInterval:      e.getEnvDuration("POLLING_INTERVAL", 5*time.Second),
			ErrorBackoffInterval: e.getEnvDuration("ERROR_BACKOFF_INTERVAL", 10*time.Second),
			MinPaymentAmount:     e.getEnvDecimal("MIN_PAYMENT_AMOUNT", decimal.RequireFromString("0.0001")),
			QueueSize:            e.getEnvInt("QUEUE_SIZE", 1000),
			EnqueueTimeout:       e.getEnvDuration("ENQUEUE_TIMEOUT", 5*time.Second),
		},
		Retry: models.RetryConfig{
			MaxAttempts:  e.getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			InitialDelay: e.getEnvDuration("RETRY_INITIAL_DELAY", time.Second),
			MaxDelay:     e.getEnvDuration("RETRY_MAX_DELAY", 30*time.Second),
			Multiplier:   e.getEnvFloat("RETRY_MULTIPLIER", 2.0),
		},
		Breaker: models.BreakerConfig{
			FailureThreshold: e.getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			Window:           e.getEnvDuration("BREAKER_WINDOW", 60*time.Second),
			RecoveryTimeout:  e.getEnvDuration("BREAKER_RECOVERY_TIMEOUT", 60*time.Second),
		},
		Alerts: models.AlertsConfig{
			RulesFile:  getEnvString("ALERTS_FILE", "alerts.yaml"),
			WebhookURL: getEnvString("ALERT_WEBHOOK_URL", ""),
		},
		Server: models.ServerConfig{
			Addr: getEnvString("HTTP_ADDR", ":8080"),
		},
	}

	e.check(validate(cfg, requireAddress)...)

	if err := errors.Join(e.errs...); err != nil {
		return nil, resilience.FatalConfig(opLoad, err)
	}
	return cfg, nil
}

func validate(cfg *models.Config, requireAddress bool) []error {
	var errs []error
	if requireAddress && len(cfg.Addresses) == 0 {
		errs = append(errs, fmt.Errorf("MERCHANT_ADDRESS is required"))
	}

	switch cfg.Storage.Backend {
	case BackendSQLite:
		if cfg.Database.Path == "" {
			errs = append(errs, fmt.Errorf("DATABASE_PATH is required for the sqlite backend"))
		}
	case BackendPostgres:
		if cfg.Postgres.DSN == "" {
			errs = append(errs, fmt.Errorf("POSTGRES_DSN is required for the postgres backend"))
		}
	case BackendFormance:
		if cfg.Formance.StackURL == "" || cfg.Formance.ClientID == "" || cfg.Formance.ClientSecret == "" {
			errs = append(errs, fmt.Errorf("FORMANCE_STACK_URL, FORMANCE_CLIENT_ID and FORMANCE_CLIENT_SECRET are required for the formance backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.Storage.Backend))
	}

	if cfg.Listener.MinPaymentAmount.IsNegative() {
		errs = append(errs, fmt.Errorf("MIN_PAYMENT_AMOUNT must not be negative"))
	}
	if cfg.Listener.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("QUEUE_SIZE must be at least 1"))
	}
	if cfg.Ledger.PageLimit < 1 || cfg.Ledger.MaxPagesPerCycle < 1 {
		errs = append(errs, fmt.Errorf("XRPL_PAGE_LIMIT and XRPL_MAX_PAGES_PER_CYCLE must be at least 1"))
	}
	if cfg.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1"))
	}
	if cfg.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("RETRY_MULTIPLIER must be at least 1"))
	}
	if cfg.Breaker.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be at least 1"))
	}
	if len(cfg.Rates.SettlementCurrency) != 3 {
		errs = append(errs, fmt.Errorf("SETTLEMENT_CURRENCY must be a three-letter code, got %q", cfg.Rates.SettlementCurrency))
	}
	return errs
}

// env collects parse errors so Load can report all of them at once
type env struct {
	errs []error
}

func (e *env) check(errs ...error) {
	e.errs = append(e.errs, errs...)
}

func getEnvString(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func (e *env) getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			e.check(fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err))
			return defaultValue
		}
		return duration
	}
	return defaultValue
}

func (e *env) getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.Atoi(value)
		if err != nil {
			e.check(fmt.Errorf("invalid integer for %s: %q (%w)", key, value, err))
			return defaultValue
		}
		return intValue
	}
	return defaultValue
}

func (e *env) getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		floatValue, err := strconv.ParseFloat(value, 64)
		if err != nil {
			e.check(fmt.Errorf("invalid number for %s: %q (%w)", key, value, err))
			return defaultValue
		}
		return floatValue
	}
	return defaultValue
}

func (e *env) getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		d, err := decimal.NewFromString(value)
		if err != nil {
			e.check(fmt.Errorf("invalid decimal for %s: %q (%w)", key, value, err))
			return defaultValue
		}
		return d
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
