package alerts

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Alert types raised by the ingestion engine
const (
	LedgerFetchFailure         = "ledger_fetch_failure"
	TransactionProcessingError = "transaction_processing_error"
	StorageFailure             = "storage_failure"
	QueueBackpressure          = "queue_backpressure"
	RateRefreshFailure         = "rate_refresh_failure"
	CircuitOpen                = "circuit_open"
)

const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Rule decides when an alert type fires and where it is delivered.
// An occurrence is recorded when the observed value reaches Threshold; the
// alert fires once MinOccurrences occurrences fall inside Window.
type Rule struct {
	Type           string
	Threshold      float64
	MinOccurrences int
	Window         time.Duration
	Severity       string
	Channels       []string
}

type ruleConfig struct {
	Type           string   `yaml:"type"`
	Threshold      float64  `yaml:"threshold"`
	MinOccurrences int      `yaml:"min_occurrences"`
	Window         string   `yaml:"window"`
	Severity       string   `yaml:"severity"`
	Channels       []string `yaml:"channels"`
}

type rulesConfig struct {
	WebhookURL string       `yaml:"webhook_url"`
	Rules      []ruleConfig `yaml:"rules"`
}

// Config is the parsed alerts file
type Config struct {
	WebhookURL string
	Rules      []Rule
}

// DefaultRules are used when no rules file exists.
func DefaultRules() []Rule {
	both := []string{"log", "webhook"}
	return []Rule{
		{Type: LedgerFetchFailure, Threshold: 1, MinOccurrences: 3, Window: 5 * time.Minute, Severity: SeverityCritical, Channels: both},
		{Type: TransactionProcessingError, Threshold: 1, MinOccurrences: 5, Window: 5 * time.Minute, Severity: SeverityWarning, Channels: both},
		{Type: StorageFailure, Threshold: 1, MinOccurrences: 1, Window: time.Minute, Severity: SeverityCritical, Channels: both},
		{Type: QueueBackpressure, Threshold: 1, MinOccurrences: 1, Window: time.Minute, Severity: SeverityWarning, Channels: both},
		{Type: RateRefreshFailure, Threshold: 1, MinOccurrences: 3, Window: 10 * time.Minute, Severity: SeverityWarning, Channels: []string{"log"}},
		{Type: CircuitOpen, Threshold: 1, MinOccurrences: 1, Window: time.Minute, Severity: SeverityCritical, Channels: both},
	}
}

// LoadConfig reads alert rules from a YAML file. A missing file yields the
// default rules.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Config{Rules: DefaultRules()}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("unable to read %s: %w", path, err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (Config, error) {
	var raw rulesConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("unable to parse alert rules: %w", err)
	}

	cfg := Config{WebhookURL: raw.WebhookURL}
	for i, r := range raw.Rules {
		if r.Type == "" {
			return Config{}, fmt.Errorf("alert rule at index %d missing type", i)
		}
		window, err := time.ParseDuration(r.Window)
		if err != nil {
			return Config{}, fmt.Errorf("alert rule %s has invalid window %q: %w", r.Type, r.Window, err)
		}
		minOcc := r.MinOccurrences
		if minOcc < 1 {
			minOcc = 1
		}
		severity := r.Severity
		if severity == "" {
			severity = SeverityWarning
		}
		cfg.Rules = append(cfg.Rules, Rule{
			Type:           r.Type,
			Threshold:      r.Threshold,
			MinOccurrences: minOcc,
			Window:         window,
			Severity:       severity,
			Channels:       r.Channels,
		})
	}
	return cfg, nil
}
