package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config represents the application configuration
type Config struct {
	Addresses []string
	Storage   StorageConfig
	Database  DatabaseConfig
	Postgres  PostgresConfig
	Formance  FormanceConfig
	Dedup     DedupConfig
	Ledger    LedgerConfig
	Rates     RatesConfig
	Listener  ListenerConfig
	Retry     RetryConfig
	Breaker   BreakerConfig
	Alerts    AlertsConfig
	Server    ServerConfig
}

// StorageConfig selects the payment store backend
type StorageConfig struct {
	Backend string // sqlite, postgres, formance
}

// DatabaseConfig holds SQLite connection settings
type DatabaseConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	DSN         string
	PingTimeout time.Duration
}

// FormanceConfig holds Formance Stack connection settings
type FormanceConfig struct {
	StackURL     string
	ClientID     string
	ClientSecret string
	LedgerName   string
}

// DedupConfig controls where the processed transaction index lives.
// An empty path keeps the index in memory only.
type DedupConfig struct {
	Path string
}

// LedgerConfig holds XRPL node settings
type LedgerConfig struct {
	NodeURL           string
	PageLimit         int
	MaxPagesPerCycle  int
	RequestsPerSecond float64
	RequestTimeout    time.Duration
}

// RatesConfig holds fiat rate provider and cache settings
type RatesConfig struct {
	ProviderURL        string
	APIKey             string
	SettlementCurrency string
	CacheTTL           time.Duration
	WarmInterval       time.Duration
}

// ListenerConfig holds reconciliation loop settings
type ListenerConfig struct {
	PollingInterval      time.Duration
	ErrorBackoffInterval time.Duration
	MinPaymentAmount     decimal.Decimal
	QueueSize            int
	EnqueueTimeout       time.Duration
}

// RetryConfig holds exponential backoff settings
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// BreakerConfig holds circuit breaker settings
type BreakerConfig struct {
	FailureThreshold int
	Window           time.Duration
	RecoveryTimeout  time.Duration
}

// AlertsConfig holds alert rule and channel settings
type AlertsConfig struct {
	RulesFile  string
	WebhookURL string
}

// ServerConfig holds the read API listener settings
type ServerConfig struct {
	Addr string
}
