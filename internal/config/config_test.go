package config

import (
	"strings"
	"testing"
	"time"

	"xrp-payment-monitor/internal/resilience"

	"github.com/shopspring/decimal"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("MERCHANT_ADDRESS", "rMerchant")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(cfg.Addresses) != 1 || cfg.Addresses[0] != "rMerchant" {
		t.Errorf("unexpected addresses %v", cfg.Addresses)
	}
	if cfg.Storage.Backend != BackendSQLite {
		t.Errorf("expected sqlite backend, got %s", cfg.Storage.Backend)
	}
	if cfg.Listener.PollingInterval != 5*time.Second {
		t.Errorf("expected 5s polling interval, got %s", cfg.Listener.PollingInterval)
	}
	if !cfg.Listener.MinPaymentAmount.Equal(decimal.RequireFromString("0.0001")) {
		t.Errorf("expected 0.0001 minimum, got %s", cfg.Listener.MinPaymentAmount)
	}
	if cfg.Rates.SettlementCurrency != "USD" || cfg.Rates.CacheTTL != 5*time.Minute {
		t.Errorf("unexpected rates config %+v", cfg.Rates)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.Multiplier != 2 {
		t.Errorf("unexpected retry config %+v", cfg.Retry)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.RecoveryTimeout != time.Minute {
		t.Errorf("unexpected breaker config %+v", cfg.Breaker)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("MERCHANT_ADDRESS", " rA , rB,, ")
	t.Setenv("STORAGE_BACKEND", "Postgres")
	t.Setenv("POSTGRES_DSN", "postgres://localhost/payments")
	t.Setenv("MIN_PAYMENT_AMOUNT", "1.5")
	t.Setenv("SETTLEMENT_CURRENCY", "eur")
	t.Setenv("POLLING_INTERVAL", "250ms")
	t.Setenv("XRPL_REQUESTS_PER_SECOND", "0.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Addresses) != 2 || cfg.Addresses[1] != "rB" {
		t.Errorf("unexpected addresses %v", cfg.Addresses)
	}
	if cfg.Storage.Backend != BackendPostgres {
		t.Errorf("expected postgres, got %s", cfg.Storage.Backend)
	}
	if !cfg.Listener.MinPaymentAmount.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("expected 1.5, got %s", cfg.Listener.MinPaymentAmount)
	}
	if cfg.Rates.SettlementCurrency != "EUR" {
		t.Errorf("expected EUR, got %s", cfg.Rates.SettlementCurrency)
	}
	if cfg.Listener.PollingInterval != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %s", cfg.Listener.PollingInterval)
	}
	if cfg.Ledger.RequestsPerSecond != 0.5 {
		t.Errorf("expected 0.5 rps, got %v", cfg.Ledger.RequestsPerSecond)
	}
}

func TestLoad_FatalConfig(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		message string
	}{
		{"missing address", map[string]string{}, "MERCHANT_ADDRESS"},
		{"bad duration", map[string]string{"MERCHANT_ADDRESS": "r", "POLLING_INTERVAL": "soon"}, "POLLING_INTERVAL"},
		{"bad integer", map[string]string{"MERCHANT_ADDRESS": "r", "QUEUE_SIZE": "many"}, "QUEUE_SIZE"},
		{"bad decimal", map[string]string{"MERCHANT_ADDRESS": "r", "MIN_PAYMENT_AMOUNT": "dust"}, "MIN_PAYMENT_AMOUNT"},
		{"negative minimum", map[string]string{"MERCHANT_ADDRESS": "r", "MIN_PAYMENT_AMOUNT": "-1"}, "MIN_PAYMENT_AMOUNT"},
		{"unknown backend", map[string]string{"MERCHANT_ADDRESS": "r", "STORAGE_BACKEND": "mongo"}, "STORAGE_BACKEND"},
		{"postgres without dsn", map[string]string{"MERCHANT_ADDRESS": "r", "STORAGE_BACKEND": "postgres"}, "POSTGRES_DSN"},
		{"formance without credentials", map[string]string{"MERCHANT_ADDRESS": "r", "STORAGE_BACKEND": "formance"}, "FORMANCE_CLIENT_ID"},
		{"multiplier below one", map[string]string{"MERCHANT_ADDRESS": "r", "RETRY_MULTIPLIER": "0.5"}, "RETRY_MULTIPLIER"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MERCHANT_ADDRESS", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if resilience.KindOf(err) != resilience.KindFatalConfig {
				t.Errorf("expected fatal config kind, got %s", resilience.KindOf(err))
			}
			if !strings.Contains(err.Error(), tt.message) {
				t.Errorf("expected error to mention %s, got %v", tt.message, err)
			}
		})
	}
}

func TestLoad_ReportsAllErrors(t *testing.T) {
	t.Setenv("MERCHANT_ADDRESS", "")
	t.Setenv("POLLING_INTERVAL", "x")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "MERCHANT_ADDRESS") || !strings.Contains(err.Error(), "POLLING_INTERVAL") {
		t.Errorf("expected both problems reported, got %v", err)
	}
}

func TestLoadReadOnly_AddressOptional(t *testing.T) {
	t.Setenv("MERCHANT_ADDRESS", "")

	cfg, err := LoadReadOnly()
	if err != nil {
		t.Fatalf("LoadReadOnly failed: %v", err)
	}
	if len(cfg.Addresses) != 0 {
		t.Errorf("expected no addresses, got %v", cfg.Addresses)
	}
}
