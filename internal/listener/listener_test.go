package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"xrp-payment-monitor/internal/dedup"
	"xrp-payment-monitor/internal/ledger"
	"xrp-payment-monitor/internal/models"
	"xrp-payment-monitor/internal/rates"
	"xrp-payment-monitor/internal/resilience"
	"xrp-payment-monitor/internal/store"

	"github.com/shopspring/decimal"
)

const merchant = "M1"

// fakeLedger serves pages keyed by the marker that requests them
type fakeLedger struct {
	mu      sync.Mutex
	pages   map[string]*ledger.Page
	err     error
	markers []string
}

func (f *fakeLedger) FetchTransactions(ctx context.Context, address string, marker ledger.Marker) (*ledger.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markers = append(f.markers, string(marker))
	if f.err != nil {
		return nil, f.err
	}
	page, ok := f.pages[string(marker)]
	if !ok {
		return &ledger.Page{}, nil
	}
	return page, nil
}

func (f *fakeLedger) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.markers)
}

type fakeStore struct {
	mu      sync.Mutex
	rows    map[string]models.PaymentRecord
	inserts int
	err     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]models.PaymentRecord)}
}

func (f *fakeStore) InsertPayment(ctx context.Context, p models.PaymentRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	if f.err != nil {
		return false, f.err
	}
	if err := store.ValidateRecord(p); err != nil {
		return false, err
	}
	if _, ok := f.rows[p.TxId]; ok {
		return false, nil
	}
	f.rows[p.TxId] = p.ForStorage()
	return true, nil
}

func (f *fakeStore) ListPayments(ctx context.Context, filter store.PaymentFilter) ([]models.PaymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PaymentRecord
	for _, p := range f.rows {
		if filter.Matches(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) ListTxIds(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.rows))
	for id := range f.rows {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeStore) LatestObservedAt(ctx context.Context) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func (f *fakeStore) Close() {}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func (f *fakeStore) get(txId string) (models.PaymentRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.rows[txId]
	return p, ok
}

type fakeProvider struct {
	rate decimal.Decimal
	err  error
}

func (f *fakeProvider) FetchRate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	return f.rate, f.err
}

func payment(hash, destination, drops string) models.LedgerRecord {
	return models.LedgerRecord{
		Tx: map[string]any{
			"hash":            hash,
			"TransactionType": "Payment",
			"Account":         "rSender",
			"Destination":     destination,
			"ledger_index":    json.Number("100"),
		},
		Meta: map[string]any{
			"TransactionResult": "tesSUCCESS",
			"delivered_amount":  drops,
		},
		Validated: true,
	}
}

func singlePage(records ...models.LedgerRecord) *fakeLedger {
	return &fakeLedger{pages: map[string]*ledger.Page{"": {Records: records}}}
}

func newTestListener(t *testing.T, led ledger.Client, st store.PaymentStore, mutate func(*PaymentListenerConfig)) *PaymentListener {
	t.Helper()
	cfg := PaymentListenerConfig{
		Address:          merchant,
		Ledger:           led,
		Store:            st,
		MinPaymentAmount: decimal.RequireFromString("0.0001"),
		QueueSize:        100,
		EnqueueTimeout:   20 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	l, err := NewPaymentListener(cfg)
	if err != nil {
		t.Fatalf("NewPaymentListener failed: %v", err)
	}
	return l
}

// drain runs the consumer synchronously over everything queued
func drain(l *PaymentListener) {
	for len(l.queue) > 0 {
		l.process(context.Background(), <-l.queue)
	}
}

func TestNewPaymentListener_RequiresAddress(t *testing.T) {
	_, err := NewPaymentListener(PaymentListenerConfig{Ledger: singlePage(), Store: newFakeStore()})
	if resilience.KindOf(err) != resilience.KindFatalConfig {
		t.Fatalf("expected fatal config error, got %v", err)
	}
}

func TestPollOnce_PersistsValidPayment(t *testing.T) {
	st := newFakeStore()
	l := newTestListener(t, singlePage(payment("TX1", merchant, "150000")), st, nil)

	if err := l.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce failed: %v", err)
	}
	drain(l)

	p, ok := st.get("TX1")
	if !ok {
		t.Fatal("expected TX1 to be stored")
	}
	if !p.AmountNative.Equal(decimal.RequireFromString("0.15")) {
		t.Errorf("expected amount 0.15, got %s", p.AmountNative)
	}
	if p.Sender != "rSender" || p.Receiver != merchant {
		t.Errorf("unexpected parties %s -> %s", p.Sender, p.Receiver)
	}
	if p.Status != models.PaymentConfirmed {
		t.Errorf("expected confirmed, got %s", p.Status)
	}
	if p.AmountFiat.Valid {
		t.Errorf("expected NULL fiat without a rate cache, got %s", p.AmountFiat.Decimal)
	}
	if !l.dedup.HasSeen("TX1") {
		t.Error("expected TX1 to be marked seen after persistence")
	}

	status := l.Status()
	if status.Persisted != 1 || status.Cycles != 1 {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestPollOnce_Idempotent(t *testing.T) {
	st := newFakeStore()
	rec := payment("TX1", merchant, "150000")
	led := &fakeLedger{pages: map[string]*ledger.Page{
		"":     {Records: []models.LedgerRecord{rec, rec}, Marker: ledger.Marker(`"p2"`)},
		`"p2"`: {Records: []models.LedgerRecord{rec}},
	}}
	l := newTestListener(t, led, st, nil)

	for i := 0; i < 3; i++ {
		if err := l.pollOnce(context.Background()); err != nil {
			t.Fatalf("cycle %d failed: %v", i, err)
		}
		drain(l)
	}

	if st.count() != 1 {
		t.Fatalf("expected exactly one row, got %d", st.count())
	}
	if st.inserts != 1 {
		t.Errorf("expected one insert attempt, got %d", st.inserts)
	}
}

func TestPollOnce_FiltersDustAndDestination(t *testing.T) {
	st := newFakeStore()
	led := singlePage(
		payment("DUST", merchant, "99"),
		payment("OTHER", "M2", "150000000"),
		payment("OK", merchant, "100"),
	)
	l := newTestListener(t, led, st, nil)

	if err := l.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce failed: %v", err)
	}
	drain(l)

	if st.count() != 1 {
		t.Fatalf("expected only the valid payment, got %d rows", st.count())
	}
	if _, ok := st.get("OK"); !ok {
		t.Error("expected OK to be stored")
	}
	if got := l.Status().Rejected; got != 2 {
		t.Errorf("expected 2 rejected records, got %d", got)
	}
}

func TestPollOnce_PaginationCompleteness(t *testing.T) {
	st := newFakeStore()
	led := &fakeLedger{pages: map[string]*ledger.Page{
		"": {Records: []models.LedgerRecord{payment("A1", merchant, "1000"), payment("A2", merchant, "1000")},
			Marker: ledger.Marker(`{"ledger":3,"seq":1}`)},
		`{"ledger":3,"seq":1}`: {Records: []models.LedgerRecord{payment("B1", merchant, "1000")},
			Marker: ledger.Marker(`{"ledger":2,"seq":7}`)},
		`{"ledger":2,"seq":7}`: {Records: []models.LedgerRecord{payment("C1", merchant, "1000"), payment("C2", merchant, "1000")}},
	}}
	l := newTestListener(t, led, st, nil)

	if err := l.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce failed: %v", err)
	}
	drain(l)

	if st.count() != 5 {
		t.Fatalf("expected 5 rows across three pages, got %d", st.count())
	}
	want := []string{"", `{"ledger":3,"seq":1}`, `{"ledger":2,"seq":7}`}
	if len(led.markers) != len(want) {
		t.Fatalf("expected %d fetches, got %d", len(want), len(led.markers))
	}
	for i := range want {
		if led.markers[i] != want[i] {
			t.Errorf("fetch %d: expected marker %q, got %q", i, want[i], led.markers[i])
		}
	}

	// the next cycle restarts from the newest page
	if err := l.pollOnce(context.Background()); err != nil {
		t.Fatalf("second pollOnce failed: %v", err)
	}
	if led.markers[3] != "" {
		t.Errorf("expected second cycle to start without a marker, got %q", led.markers[3])
	}
}

func TestPollOnce_PageCap(t *testing.T) {
	led := &fakeLedger{pages: map[string]*ledger.Page{
		"":    {Records: []models.LedgerRecord{payment("A", merchant, "1000")}, Marker: ledger.Marker(`"2"`)},
		`"2"`: {Records: []models.LedgerRecord{payment("B", merchant, "1000")}, Marker: ledger.Marker(`"3"`)},
		`"3"`: {Records: []models.LedgerRecord{payment("C", merchant, "1000")}},
	}}
	st := newFakeStore()
	l := newTestListener(t, led, st, func(c *PaymentListenerConfig) { c.MaxPagesPerCycle = 2 })

	if err := l.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce failed: %v", err)
	}
	drain(l)

	if led.calls() != 2 {
		t.Errorf("expected 2 fetches, got %d", led.calls())
	}
	if _, ok := st.get("C"); ok {
		t.Error("record beyond the page cap should not be stored this cycle")
	}
}

func TestPollOnce_FailOpenConversion(t *testing.T) {
	st := newFakeStore()
	cache := rates.NewCache(&fakeProvider{err: resilience.Transient("rates.fetch", errors.New("provider down"))}, nil, time.Minute)
	l := newTestListener(t, singlePage(payment("TX1", merchant, "150000")), st, func(c *PaymentListenerConfig) {
		c.Rates = cache
	})

	if err := l.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce failed: %v", err)
	}
	drain(l)

	p, ok := st.get("TX1")
	if !ok {
		t.Fatal("payment must be stored even when conversion is unavailable")
	}
	if p.AmountFiat.Valid {
		t.Errorf("expected NULL fiat, got %s", p.AmountFiat.Decimal)
	}
}

func TestPollOnce_ConvertsWithRate(t *testing.T) {
	st := newFakeStore()
	cache := rates.NewCache(&fakeProvider{rate: decimal.RequireFromString("0.5")}, nil, time.Minute)
	l := newTestListener(t, singlePage(payment("TX1", merchant, "150000")), st, func(c *PaymentListenerConfig) {
		c.Rates = cache
		c.SettlementCurrency = "EUR"
	})

	if err := l.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce failed: %v", err)
	}
	drain(l)

	p, _ := st.get("TX1")
	if !p.AmountFiat.Valid {
		t.Fatal("expected fiat amount")
	}
	// 0.15 * 0.5 = 0.075, rounded half-even at storage
	if !p.AmountFiat.Decimal.Equal(decimal.RequireFromString("0.08")) {
		t.Errorf("expected 0.08, got %s", p.AmountFiat.Decimal)
	}
	if p.FiatCurrency != "EUR" {
		t.Errorf("expected EUR, got %s", p.FiatCurrency)
	}
}

func TestPollOnce_FetchFailureBacksOff(t *testing.T) {
	led := &fakeLedger{err: resilience.Malformed("ledger.account_tx", errors.New("bad response"))}
	st := newFakeStore()
	l := newTestListener(t, led, st, nil)

	if err := l.pollOnce(context.Background()); err == nil {
		t.Fatal("expected cycle error")
	}

	if l.State() != StateErrorBackoff {
		t.Errorf("expected error_backoff, got %s", l.State())
	}
	status := l.Status()
	if status.FailedCycles != 1 || status.LastError == "" {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestPollOnce_OpenCircuitFailsFast(t *testing.T) {
	led := &fakeLedger{err: resilience.Transient("ledger.account_tx", errors.New("timeout"))}
	guard := resilience.NewGuard("ledger",
		resilience.RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		resilience.BreakerSettings{FailureThreshold: 2, Window: time.Minute, RecoveryTimeout: time.Hour})
	l := newTestListener(t, led, newFakeStore(), func(c *PaymentListenerConfig) { c.LedgerGuard = guard })

	for i := 0; i < 3; i++ {
		_ = l.pollOnce(context.Background())
	}

	if led.calls() != 2 {
		t.Errorf("expected the open circuit to block the third fetch, got %d calls", led.calls())
	}
	if guard.Breaker.State() != resilience.StateOpen {
		t.Errorf("expected open breaker, got %s", guard.Breaker.State())
	}
}

func TestProcess_StorageFailureRetriedNextCycle(t *testing.T) {
	st := newFakeStore()
	st.err = resilience.Transient("store.insert", errors.New("database is locked"))
	l := newTestListener(t, singlePage(payment("TX1", merchant, "150000")), st, nil)

	if err := l.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce failed: %v", err)
	}
	drain(l)

	if l.dedup.HasSeen("TX1") {
		t.Fatal("a failed write must not mark the transaction seen")
	}
	if l.Status().RecordFailures != 1 {
		t.Errorf("expected one record failure, got %d", l.Status().RecordFailures)
	}

	st.mu.Lock()
	st.err = nil
	st.mu.Unlock()

	if err := l.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce failed: %v", err)
	}
	drain(l)

	if _, ok := st.get("TX1"); !ok {
		t.Error("expected TX1 to be stored on the next cycle")
	}
}

func TestPollOnce_BackpressureDefersCycle(t *testing.T) {
	st := newFakeStore()
	led := singlePage(
		payment("TX1", merchant, "1000"),
		payment("TX2", merchant, "1000"),
		payment("TX3", merchant, "1000"),
	)
	l := newTestListener(t, led, st, func(c *PaymentListenerConfig) {
		c.QueueSize = 1
		c.EnqueueTimeout = 5 * time.Millisecond
	})

	res, err := l.runCycle(context.Background())
	if err != nil {
		t.Fatalf("runCycle failed: %v", err)
	}
	if !res.deferred || res.enqueued != 1 {
		t.Fatalf("expected one enqueued record and a deferred cycle, got %+v", res)
	}
	if l.isPending("TX2") {
		t.Error("a record that timed out must not stay pending")
	}

	for i := 0; i < 3; i++ {
		drain(l)
		if _, err := l.runCycle(context.Background()); err != nil {
			t.Fatalf("runCycle failed: %v", err)
		}
	}
	drain(l)

	if st.count() != 3 {
		t.Errorf("expected deferred records to be stored by later cycles, got %d", st.count())
	}
}

func TestPollOnce_SkipsPendingRecords(t *testing.T) {
	st := newFakeStore()
	l := newTestListener(t, singlePage(payment("TX1", merchant, "1000")), st, nil)

	for i := 0; i < 2; i++ {
		if err := l.pollOnce(context.Background()); err != nil {
			t.Fatalf("pollOnce failed: %v", err)
		}
	}
	if len(l.queue) != 1 {
		t.Errorf("expected an in-flight record to be queued once, got %d", len(l.queue))
	}
}

func TestStartStop_DrainsQueueAndSeedsDedup(t *testing.T) {
	st := newFakeStore()
	st.rows["OLD"] = models.PaymentRecord{TxId: "OLD", Receiver: merchant, Status: models.PaymentConfirmed}

	var records []models.LedgerRecord
	records = append(records, payment("OLD", merchant, "1000"))
	for i := 0; i < 20; i++ {
		records = append(records, payment(fmt.Sprintf("TX%02d", i), merchant, "1000"))
	}
	l := newTestListener(t, singlePage(records...), st, func(c *PaymentListenerConfig) {
		c.PollingInterval = time.Hour
	})

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !l.dedup.HasSeen("OLD") {
		t.Error("expected stored tx ids to be seeded into the dedup index")
	}
	l.Stop()
	l.Stop()

	if st.count() != 21 {
		t.Errorf("expected all queued records persisted on shutdown, got %d rows", st.count())
	}
	if st.inserts != 20 {
		t.Errorf("seeded record should not be re-inserted, got %d inserts", st.inserts)
	}
	if l.State() != StateIdle {
		t.Errorf("expected idle after stop, got %s", l.State())
	}
}

func TestStop_WithoutStart(t *testing.T) {
	l := newTestListener(t, singlePage(), newFakeStore(), nil)
	l.Stop()
}

func TestPollOnce_ZeroMinimumAcceptsOneDrop(t *testing.T) {
	st := newFakeStore()
	l := newTestListener(t, singlePage(payment("TX1", merchant, "1")), st, func(c *PaymentListenerConfig) {
		c.MinPaymentAmount = decimal.Zero
	})

	if !l.minPaymentAmount.IsZero() {
		t.Fatalf("expected configured minimum 0, got %s", l.minPaymentAmount)
	}
	if err := l.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce failed: %v", err)
	}
	drain(l)

	p, ok := st.get("TX1")
	if !ok {
		t.Fatal("expected the one-drop payment to be stored")
	}
	if !p.AmountNative.Equal(decimal.RequireFromString("0.000001")) {
		t.Errorf("expected 0.000001 XRP, got %s", p.AmountNative)
	}
}

func TestNewPaymentListener_RejectsNegativeMinimum(t *testing.T) {
	_, err := NewPaymentListener(PaymentListenerConfig{
		Address:          merchant,
		Ledger:           singlePage(),
		Store:            newFakeStore(),
		MinPaymentAmount: decimal.RequireFromString("-1"),
	})
	if resilience.KindOf(err) != resilience.KindFatalConfig {
		t.Fatalf("expected fatal config error, got %v", err)
	}
}

func TestPollOnce_ValidatorPanicSkipsOnlyThatRecord(t *testing.T) {
	st := newFakeStore()
	led := singlePage(
		payment("TX1", merchant, "1000"),
		payment("BAD", merchant, "1000"),
		payment("TX2", merchant, "1000"),
		payment("TX3", merchant, "1000"),
	)
	l := newTestListener(t, led, st, nil)
	l.check = func(rec models.LedgerRecord, address string, minimum decimal.Decimal) (decimal.Decimal, string) {
		if rec.Hash() == "BAD" {
			panic("unexpected field layout")
		}
		return CheckPayment(rec, address, minimum)
	}

	if err := l.pollOnce(context.Background()); err != nil {
		t.Fatalf("a defective record must not fail the cycle: %v", err)
	}
	drain(l)

	if st.count() != 3 {
		t.Fatalf("expected the records after the defect to be stored, got %d rows", st.count())
	}
	for _, id := range []string{"TX1", "TX2", "TX3"} {
		if _, ok := st.get(id); !ok {
			t.Errorf("expected %s to be stored", id)
		}
	}
	if _, ok := st.get("BAD"); ok {
		t.Error("defective record should not be stored")
	}
	status := l.Status()
	if status.RecordFailures != 1 {
		t.Errorf("expected one record failure, got %d", status.RecordFailures)
	}
	if status.FailedCycles != 0 {
		t.Errorf("expected the cycle to succeed, got %d failed cycles", status.FailedCycles)
	}
	if l.dedup.HasSeen("BAD") {
		t.Error("defective record must not be marked seen")
	}
}

func TestStart_RebuildsPersistedIndexFromStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seen.db")

	stale, err := dedup.OpenBoltIndex(path)
	if err != nil {
		t.Fatalf("OpenBoltIndex failed: %v", err)
	}
	if err := stale.MarkSeen("TX1"); err != nil {
		t.Fatalf("MarkSeen failed: %v", err)
	}
	if err := stale.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	idx, err := dedup.OpenBoltIndex(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	// fresh store that never saw TX1
	st := newFakeStore()
	l := newTestListener(t, singlePage(payment("TX1", merchant, "150000")), st, func(c *PaymentListenerConfig) {
		c.Dedup = idx
	})

	if err := l.performStartupRecovery(context.Background()); err != nil {
		t.Fatalf("startup recovery failed: %v", err)
	}
	if idx.HasSeen("TX1") {
		t.Fatal("ids missing from the store must be dropped from the index")
	}

	for i := 0; i < 3; i++ {
		if err := l.pollOnce(context.Background()); err != nil {
			t.Fatalf("pollOnce failed: %v", err)
		}
		drain(l)
	}
	if st.count() != 1 {
		t.Fatalf("expected TX1 to be stored once, got %d rows", st.count())
	}
	if !idx.HasSeen("TX1") {
		t.Error("expected TX1 marked seen after it was persisted")
	}
}
