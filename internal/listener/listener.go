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

package listener

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"xrp-payment-monitor/internal/alerts"
	"xrp-payment-monitor/internal/dedup"
	"xrp-payment-monitor/internal/ledger"
	"xrp-payment-monitor/internal/models"
	"xrp-payment-monitor/internal/rates"
	"xrp-payment-monitor/internal/resilience"
	"xrp-payment-monitor/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultPollingInterval      = 5 * time.Second
	defaultErrorBackoffInterval = 10 * time.Second
	defaultMaxPagesPerCycle     = 10
	defaultQueueSize            = 1000
	defaultEnqueueTimeout       = 5 * time.Second
	defaultSettlementCurrency   = "USD"
)

const (
	opPoll     = "listener.poll"
	opValidate = "listener.validate"
	opPersist  = "listener.persist"
)

// PaymentListenerConfig wires one listener to its collaborators. Rates and
// Alerts may be nil; LedgerGuard may be nil to call the ledger unguarded.
// MinPaymentAmount is applied as given: zero accepts every delivered amount.
type PaymentListenerConfig struct {
	Address     string
	Ledger      ledger.Client
	LedgerGuard *resilience.Guard
	Store       store.PaymentStore
	Dedup       dedup.Index
	Rates       *rates.Cache
	Alerts      *alerts.Dispatcher

	SettlementCurrency   string
	MinPaymentAmount     decimal.Decimal
	PollingInterval      time.Duration
	ErrorBackoffInterval time.Duration
	MaxPagesPerCycle     int
	QueueSize            int
	EnqueueTimeout       time.Duration
}

// PaymentListener reconciles the validated payment history of one monitored
// address into the payment store. A producer goroutine polls and validates,
// a consumer goroutine converts and persists.
type PaymentListener struct {
	address     string
	ledger      ledger.Client
	ledgerGuard *resilience.Guard
	store       store.PaymentStore
	dedup       dedup.Index
	rates       *rates.Cache
	alerts      *alerts.Dispatcher

	settlementCurrency   string
	minPaymentAmount     decimal.Decimal
	check                checkFunc
	pollingInterval      time.Duration
	errorBackoffInterval time.Duration
	maxPagesPerCycle     int
	enqueueTimeout       time.Duration

	queue chan pendingPayment

	// ids handed to the consumer but not yet settled
	pendingMu sync.Mutex
	pending   map[string]struct{}

	state         atomic.Int32
	producerState atomic.Int32

	statsMu sync.RWMutex
	stats   models.ListenerStatus

	started     atomic.Bool
	stopOnce    sync.Once
	stopChan    chan struct{}
	doneChan    chan struct{}
	processDone chan struct{}

	now func() time.Time
}

// checkFunc decides whether a record is an in-scope payment, returning the
// delivered amount or a rejection reason
type checkFunc func(rec models.LedgerRecord, merchant string, minimum decimal.Decimal) (decimal.Decimal, string)

// pendingPayment is a validated record waiting to be persisted
type pendingPayment struct {
	record     models.LedgerRecord
	txId       string
	amount     decimal.Decimal
	observedAt time.Time
	cycleId    string
}

func NewPaymentListener(cfg PaymentListenerConfig) (*PaymentListener, error) {
	if cfg.Address == "" {
		return nil, resilience.FatalConfig("listener.new", fmt.Errorf("monitored address is required"))
	}
	if cfg.Ledger == nil || cfg.Store == nil {
		return nil, resilience.FatalConfig("listener.new", fmt.Errorf("ledger client and payment store are required"))
	}

	if cfg.Dedup == nil {
		cfg.Dedup = dedup.NewMemoryIndex()
	}
	if cfg.SettlementCurrency == "" {
		cfg.SettlementCurrency = defaultSettlementCurrency
	}
	if cfg.MinPaymentAmount.IsNegative() {
		return nil, resilience.FatalConfig("listener.new", fmt.Errorf("minimum payment amount must not be negative"))
	}
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = defaultPollingInterval
	}
	if cfg.ErrorBackoffInterval <= 0 {
		cfg.ErrorBackoffInterval = defaultErrorBackoffInterval
	}
	if cfg.MaxPagesPerCycle <= 0 {
		cfg.MaxPagesPerCycle = defaultMaxPagesPerCycle
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}

	return &PaymentListener{
		address:              cfg.Address,
		ledger:               cfg.Ledger,
		ledgerGuard:          cfg.LedgerGuard,
		store:                cfg.Store,
		dedup:                cfg.Dedup,
		rates:                cfg.Rates,
		alerts:               cfg.Alerts,
		settlementCurrency:   cfg.SettlementCurrency,
		minPaymentAmount:     cfg.MinPaymentAmount,
		check:                CheckPayment,
		pollingInterval:      cfg.PollingInterval,
		errorBackoffInterval: cfg.ErrorBackoffInterval,
		maxPagesPerCycle:     cfg.MaxPagesPerCycle,
		enqueueTimeout:       cfg.EnqueueTimeout,
		queue:                make(chan pendingPayment, cfg.QueueSize),
		pending:              make(map[string]struct{}),
		stopChan:             make(chan struct{}),
		doneChan:             make(chan struct{}),
		processDone:          make(chan struct{}),
		now:                  time.Now,
	}, nil
}

// Address returns the monitored address
func (l *PaymentListener) Address() string {
	return l.address
}

// State returns the listener's current phase
func (l *PaymentListener) State() State {
	return State(l.state.Load())
}

// Status returns a snapshot for the read API
func (l *PaymentListener) Status() models.ListenerStatus {
	l.statsMu.RLock()
	s := l.stats
	l.statsMu.RUnlock()

	s.Address = l.address
	s.State = l.State().String()
	s.QueueDepth = len(l.queue)
	return s
}

// Start seeds the dedup index from storage and launches the producer and
// consumer goroutines. The consumer keeps persisting after ctx is cancelled
// until the queue is drained by Stop.
func (l *PaymentListener) Start(ctx context.Context) error {
	zap.L().Info("Starting payment listener", zap.String("address", l.address))

	if err := l.performStartupRecovery(ctx); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	l.started.Store(true)
	go l.processLoop(context.WithoutCancel(ctx))
	go l.pollLoop(ctx)

	zap.L().Info("Payment listener started successfully",
		zap.String("address", l.address),
		zap.Duration("polling_interval", l.pollingInterval),
		zap.Duration("error_backoff_interval", l.errorBackoffInterval),
		zap.Int("max_pages_per_cycle", l.maxPagesPerCycle),
		zap.String("min_payment_amount", l.minPaymentAmount.String()),
		zap.String("settlement_currency", l.settlementCurrency))

	return nil
}

// Stop lets the producer finish its in-flight page, then waits for the
// consumer to persist everything already queued.
func (l *PaymentListener) Stop() {
	if !l.started.Load() {
		return
	}
	l.stopOnce.Do(func() {
		zap.L().Info("Stopping payment listener", zap.String("address", l.address))
		close(l.stopChan)
		<-l.doneChan
		close(l.queue)
		<-l.processDone
		l.setProducerState(StateIdle)
		zap.L().Info("Payment listener stopped", zap.String("address", l.address))
	})
}

// performStartupRecovery rebuilds the dedup index from the stored tx ids so a
// restarted listener does not re-evaluate what it already persisted, and
// re-evaluates anything the index remembered but the store does not hold
func (l *PaymentListener) performStartupRecovery(ctx context.Context) error {
	txIds, err := l.store.ListTxIds(ctx)
	if err != nil {
		return fmt.Errorf("failed to list stored transactions: %w", err)
	}

	dropped, err := dedup.Rebuild(l.dedup, txIds)
	if err != nil {
		return fmt.Errorf("failed to rebuild dedup index: %w", err)
	}
	if dropped > 0 {
		zap.L().Warn("Dedup index held transactions missing from storage",
			zap.String("address", l.address),
			zap.Int("dropped", dropped))
	}

	zap.L().Info("Dedup index rebuilt from storage",
		zap.String("address", l.address),
		zap.Int("stored_transactions", len(txIds)),
		zap.Int("index_size", l.dedup.Len()))
	return nil
}

func (l *PaymentListener) stopping() bool {
	select {
	case <-l.stopChan:
		return true
	default:
		return false
	}
}

// setProducerState records the producer's phase and publishes it when the
// consumer has nothing in hand
func (l *PaymentListener) setProducerState(s State) {
	l.producerState.Store(int32(s))
	if len(l.queue) == 0 {
		l.state.Store(int32(s))
	}
}

func (l *PaymentListener) markPending(txId string) {
	l.pendingMu.Lock()
	l.pending[txId] = struct{}{}
	l.pendingMu.Unlock()
}

func (l *PaymentListener) clearPending(txId string) {
	l.pendingMu.Lock()
	delete(l.pending, txId)
	l.pendingMu.Unlock()
}

func (l *PaymentListener) isPending(txId string) bool {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	_, ok := l.pending[txId]
	return ok
}

func (l *PaymentListener) updateStats(fn func(s *models.ListenerStatus)) {
	l.statsMu.Lock()
	fn(&l.stats)
	l.statsMu.Unlock()
}

// notify raises an alert occurrence when a dispatcher is configured
func (l *PaymentListener) notify(ctx context.Context, alertType string, value float64, details map[string]string) {
	if l.alerts == nil {
		return
	}
	if details == nil {
		details = make(map[string]string)
	}
	details["address"] = l.address
	l.alerts.Notify(ctx, alertType, value, details)
}

// ANSI color helpers for console output.
const (
	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorCyan  = "\033[36m"
)

func shortId(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}
