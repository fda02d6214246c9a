package common

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"xrp-payment-monitor/internal/alerts"
	"xrp-payment-monitor/internal/config"
	"xrp-payment-monitor/internal/database"
	"xrp-payment-monitor/internal/dedup"
	"xrp-payment-monitor/internal/formance"
	"xrp-payment-monitor/internal/httpclient"
	"xrp-payment-monitor/internal/ledger"
	"xrp-payment-monitor/internal/listener"
	"xrp-payment-monitor/internal/metrics"
	"xrp-payment-monitor/internal/models"
	"xrp-payment-monitor/internal/postgres"
	"xrp-payment-monitor/internal/rates"
	"xrp-payment-monitor/internal/resilience"
	"xrp-payment-monitor/internal/store"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// init loads environment variables from .env file if it exists
func init() {
	// a missing .env is fine, variables may come from the shell or the container
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
		log.Println("Make sure to set environment variables via export or other means")
	} else {
		log.Println("✓ Loaded environment variables from .env file")
	}
}

// Services holds everything the engine and the read API share. Listeners
// are built per address on top of it.
type Services struct {
	Store       store.PaymentStore
	Dedup       dedup.Index
	HTTPClient  *http.Client
	Ledger      ledger.Client
	LedgerGuard *resilience.Guard
	RatesGuard  *resilience.Guard
	Rates       *rates.Cache
	Alerts      *alerts.Dispatcher
}

func InitializeLogger() (*zap.Logger, func()) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

// InitializeStore opens the configured payment store backend.
func InitializeStore(ctx context.Context, cfg *models.Config) (store.PaymentStore, error) {
	zap.L().Info("Opening payment store", zap.String("backend", cfg.Storage.Backend))

	switch cfg.Storage.Backend {
	case config.BackendSQLite, "":
		svc, err := database.NewService(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		return svc, nil
	case config.BackendPostgres:
		pg, err := postgres.NewStore(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case config.BackendFormance:
		svc, err := formance.NewService(ctx, cfg.Formance)
		if err != nil {
			return nil, err
		}
		return svc, nil
	default:
		return nil, resilience.FatalConfig("store.open", fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend))
	}
}

// InitializeServices builds the store, dedup index, guarded adapters, rate
// cache and alert dispatcher from configuration.
func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	st, err := InitializeStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	services := &Services{Store: st}

	if services.Dedup, err = openDedup(cfg.Dedup); err != nil {
		services.Close()
		return nil, err
	}

	if services.HTTPClient, err = httpclient.New(cfg.Ledger.RequestTimeout); err != nil {
		services.Close()
		return nil, fmt.Errorf("failed to create http client: %w", err)
	}

	services.Alerts, err = InitializeAlerts(cfg.Alerts, services.HTTPClient)
	if err != nil {
		services.Close()
		return nil, err
	}

	services.LedgerGuard = NewGuard("ledger", cfg, services.Alerts)
	services.RatesGuard = NewGuard("rates", cfg, services.Alerts)

	if services.Ledger, err = ledger.NewXRPLClient(cfg.Ledger, services.HTTPClient); err != nil {
		services.Close()
		return nil, err
	}

	services.Rates = newRateCache(ctx, cfg, services)

	zap.L().Info("Services initialized",
		zap.String("backend", cfg.Storage.Backend),
		zap.Bool("persistent_dedup", cfg.Dedup.Path != ""),
		zap.Bool("fiat_conversion", services.Rates.Enabled()),
		zap.String("xrpl_node", cfg.Ledger.NodeURL))

	return services, nil
}

// NewListeners builds one payment listener per monitored address.
func (s *Services) NewListeners(cfg *models.Config) ([]*listener.PaymentListener, error) {
	listeners := make([]*listener.PaymentListener, 0, len(cfg.Addresses))
	for _, address := range cfg.Addresses {
		l, err := listener.NewPaymentListener(listener.PaymentListenerConfig{
			Address:              address,
			Ledger:               s.Ledger,
			LedgerGuard:          s.LedgerGuard,
			Store:                s.Store,
			Dedup:                s.Dedup,
			Rates:                s.Rates,
			Alerts:               s.Alerts,
			SettlementCurrency:   cfg.Rates.SettlementCurrency,
			MinPaymentAmount:     cfg.Listener.MinPaymentAmount,
			PollingInterval:      cfg.Listener.PollingInterval,
			ErrorBackoffInterval: cfg.Listener.ErrorBackoffInterval,
			MaxPagesPerCycle:     cfg.Ledger.MaxPagesPerCycle,
			QueueSize:            cfg.Listener.QueueSize,
			EnqueueTimeout:       cfg.Listener.EnqueueTimeout,
		})
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, l)
	}
	return listeners, nil
}

// InitializeAlerts loads the rules file and enables the webhook channel when
// a URL is configured. The environment URL wins over the file's.
func InitializeAlerts(cfg models.AlertsConfig, httpClient *http.Client) (*alerts.Dispatcher, error) {
	alertCfg, err := alerts.LoadConfig(cfg.RulesFile)
	if err != nil {
		return nil, resilience.FatalConfig("alerts.load", err)
	}

	channels := []alerts.Channel{alerts.LogChannel{}}
	webhookURL := alertCfg.WebhookURL
	if cfg.WebhookURL != "" {
		webhookURL = cfg.WebhookURL
	}
	if webhookURL != "" {
		channels = append(channels, alerts.NewWebhookChannel(webhookURL, httpClient))
	}

	zap.L().Info("Alert rules loaded",
		zap.String("file", cfg.RulesFile),
		zap.Int("rules", len(alertCfg.Rules)),
		zap.Bool("webhook", webhookURL != ""))

	return alerts.NewDispatcher(alertCfg.Rules, channels...).StartWorker(alerts.DefaultOutboxSize), nil
}

func openDedup(cfg models.DedupConfig) (dedup.Index, error) {
	if cfg.Path == "" {
		return dedup.NewMemoryIndex(), nil
	}
	idx, err := dedup.OpenBoltIndex(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dedup index: %w", err)
	}
	return idx, nil
}

// NewGuard builds the retry and circuit breaker pair for one dependency.
// The dispatcher may be nil when no alerting is wanted.
func NewGuard(name string, cfg *models.Config, dispatcher *alerts.Dispatcher) *resilience.Guard {
	guard := resilience.NewGuard(name,
		resilience.RetryPolicy{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   cfg.Retry.Multiplier,
		},
		resilience.BreakerSettings{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Window:           cfg.Breaker.Window,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		})

	metrics.SetCircuitState(name, resilience.StateClosed)
	guard.Breaker.OnStateChange(func(name string, from, to resilience.State) {
		metrics.SetCircuitState(name, to)
		zap.L().Warn("Circuit breaker state changed",
			zap.String("dependency", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		if to == resilience.StateOpen && dispatcher != nil {
			dispatcher.Notify(context.Background(), alerts.CircuitOpen, 1, map[string]string{
				"dependency": name,
				"from":       from.String(),
			})
		}
	})
	return guard
}

func newRateCache(ctx context.Context, cfg *models.Config, s *Services) *rates.Cache {
	var provider rates.Provider
	if cfg.Rates.APIKey != "" {
		provider = rates.NewCoinMarketCapProvider(cfg.Rates.ProviderURL, cfg.Rates.APIKey, s.HTTPClient)
	} else {
		zap.L().Warn("COINMARKETCAP_API_KEY not set, fiat amounts will be stored as NULL")
	}

	cache := rates.NewCache(provider, s.RatesGuard, cfg.Rates.CacheTTL)
	if snapshots, ok := s.Store.(rates.Snapshotter); ok {
		cache.WithSnapshots(ctx, snapshots, cfg.Rates.SettlementCurrency)
	}
	cache.OnRefreshFailure(func(currency string, err error) {
		s.Alerts.Notify(context.Background(), alerts.RateRefreshFailure, 1, map[string]string{
			"currency": currency,
			"error":    err.Error(),
		})
	})
	return cache
}

func (s *Services) Close() {
	if s.Alerts != nil {
		s.Alerts.Close()
	}
	if s.Dedup != nil {
		if err := s.Dedup.Close(); err != nil {
			zap.L().Warn("Failed to close dedup index", zap.Error(err))
		}
	}
	if s.Store != nil {
		s.Store.Close()
	}
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
