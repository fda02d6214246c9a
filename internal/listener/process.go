package listener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"xrp-payment-monitor/internal/alerts"
	"xrp-payment-monitor/internal/metrics"
	"xrp-payment-monitor/internal/models"
	"xrp-payment-monitor/internal/resilience"
	"xrp-payment-monitor/internal/store"

	"go.uber.org/zap"
)

// processLoop persists queued payments until the queue is closed. It runs
// on a context that outlives shutdown so queued records are not abandoned.
func (l *PaymentListener) processLoop(ctx context.Context) {
	defer close(l.processDone)

	for p := range l.queue {
		l.process(ctx, p)
		metrics.QueueDepth.WithLabelValues(l.address).Set(float64(len(l.queue)))
		if len(l.queue) == 0 {
			l.state.Store(l.producerState.Load())
		}
	}
}

// process converts and persists one payment. The tx id is marked seen only
// once the store accepted it or reported it as already stored.
func (l *PaymentListener) process(ctx context.Context, p pendingPayment) {
	defer l.clearPending(p.txId)

	if l.dedup.HasSeen(p.txId) {
		return
	}

	l.state.Store(int32(StateConverting))
	lc := &models.LedgerContext{
		CycleId:        p.cycleId,
		LedgerIndex:    p.record.LedgerIndex(),
		DeliveredDrops: p.amount.Shift(6).String(),
	}

	record := models.PaymentRecord{
		TxId:         p.txId,
		Sender:       p.record.Account(),
		Receiver:     l.address,
		AmountNative: p.amount,
		FiatCurrency: l.settlementCurrency,
		ObservedAt:   p.observedAt,
		Status:       models.PaymentConfirmed,
	}
	if l.rates != nil {
		record.AmountFiat = l.rates.Convert(ctx, p.amount, l.settlementCurrency)
		if entry, ok := l.rates.Peek(l.settlementCurrency); ok && record.AmountFiat.Valid {
			lc.RateFetchedAt = entry.FetchedAt.UTC().Format(time.RFC3339)
		}
	}

	l.state.Store(int32(StatePersisting))
	inserted, err := l.store.InsertPayment(models.WithLedgerContext(ctx, lc), record)
	if err != nil {
		l.handlePersistError(ctx, p, err)
		return
	}

	if err := l.dedup.MarkSeen(p.txId); err != nil {
		// storage uniqueness still prevents a second row
		zap.L().Warn("Failed to mark transaction as seen",
			zap.String("tx_id", p.txId),
			zap.String("address", l.address),
			zap.Error(err))
	}

	if !inserted {
		l.updateStats(func(s *models.ListenerStatus) { s.Duplicates++ })
		metrics.PaymentsPersisted.WithLabelValues(l.address, "duplicate").Inc()
		zap.L().Debug("Payment already stored",
			zap.String("tx_id", p.txId),
			zap.String("address", l.address))
		return
	}

	l.updateStats(func(s *models.ListenerStatus) { s.Persisted++ })
	metrics.PaymentsPersisted.WithLabelValues(l.address, "inserted").Inc()

	fiat := "n/a"
	if record.AmountFiat.Valid {
		fiat = models.RoundFiat(record.AmountFiat.Decimal, l.settlementCurrency).String() + " " + l.settlementCurrency
	}
	fmt.Printf("  %s✓ %s XRP (%s) from %s | %s%s\n",
		colorGreen, p.amount.String(), fiat, shortId(record.Sender), shortId(p.txId), colorReset)
	zap.L().Info("Payment recorded",
		zap.String("tx_id", p.txId),
		zap.String("cycle_id", p.cycleId),
		zap.String("sender", record.Sender),
		zap.String("receiver", record.Receiver),
		zap.String("amount_native", p.amount.String()),
		zap.String("fiat", fiat))
}

// handlePersistError isolates a failed write to its record. Invalid records
// are per-transaction failures; anything else means storage is unavailable
// and the record is left unmarked for the next cycle.
func (l *PaymentListener) handlePersistError(ctx context.Context, p pendingPayment, err error) {
	l.updateStats(func(s *models.ListenerStatus) {
		s.RecordFailures++
		s.LastError = err.Error()
	})

	details := map[string]string{
		"tx_id":    p.txId,
		"cycle_id": p.cycleId,
		"error":    err.Error(),
	}

	if errors.Is(err, store.ErrInvalidPayment) {
		metrics.RecordError(opPersist, resilience.Malformed(opPersist, err))
		zap.L().Error("Payment rejected by store",
			zap.String("tx_id", p.txId),
			zap.String("address", l.address),
			zap.Error(err))
		l.notify(ctx, alerts.TransactionProcessingError, 1, details)
		return
	}

	metrics.RecordError(opPersist, resilience.Exhausted(opPersist, err))
	fmt.Printf("  %s✗ %s XRP | %s | %s%s\n",
		colorRed, p.amount.String(), shortId(p.txId), err, colorReset)
	zap.L().Error("Failed to persist payment, will retry next cycle",
		zap.String("tx_id", p.txId),
		zap.String("address", l.address),
		zap.String("cycle_id", p.cycleId),
		zap.Error(err))
	l.notify(ctx, alerts.StorageFailure, 1, details)
}
