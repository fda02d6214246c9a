package listener

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"xrp-payment-monitor/internal/alerts"
	"xrp-payment-monitor/internal/ledger"
	"xrp-payment-monitor/internal/metrics"
	"xrp-payment-monitor/internal/models"
	"xrp-payment-monitor/internal/resilience"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// cycleResult summarizes one poll cycle
type cycleResult struct {
	cycleId  string
	pages    int
	records  int
	enqueued int
	rejected int
	deferred bool
}

// pollLoop runs cycles until Stop or ctx cancellation. A failed cycle is
// followed by the longer error backoff.
func (l *PaymentListener) pollLoop(ctx context.Context) {
	defer close(l.doneChan)

	for {
		wait := l.pollingInterval
		if err := l.pollOnce(ctx); err != nil {
			wait = l.errorBackoffInterval
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-l.stopChan:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// pollOnce runs one cycle and records its outcome
func (l *PaymentListener) pollOnce(ctx context.Context) error {
	started := l.now()
	res, err := l.runCycle(ctx)

	l.updateStats(func(s *models.ListenerStatus) {
		s.Cycles++
		s.LastCycleAt = started
	})

	if err != nil {
		if ctx.Err() != nil {
			l.setProducerState(StateIdle)
			return err
		}

		l.setProducerState(StateErrorBackoff)
		l.updateStats(func(s *models.ListenerStatus) {
			s.FailedCycles++
			s.LastError = err.Error()
		})
		metrics.RecordError(opPoll, err)
		metrics.PollCycles.WithLabelValues(l.address, "failure").Inc()

		fmt.Printf("%s[%s] ✗ %s cycle failed after %d page(s): %s%s\n",
			colorRed, started.Format("15:04:05"), shortId(l.address), res.pages, err, colorReset)
		zap.L().Error("Poll cycle failed, backing off",
			zap.String("address", l.address),
			zap.String("cycle_id", res.cycleId),
			zap.Int("pages_fetched", res.pages),
			zap.String("kind", resilience.KindOf(err).String()),
			zap.Duration("backoff", l.errorBackoffInterval),
			zap.Error(err))

		l.notify(ctx, alerts.LedgerFetchFailure, 1, map[string]string{
			"cycle_id": res.cycleId,
			"error":    err.Error(),
		})
		return err
	}

	l.setProducerState(StateIdle)
	l.updateStats(func(s *models.ListenerStatus) {
		s.LastSuccessAt = l.now()
		s.LastError = ""
	})

	outcome := "success"
	if res.deferred {
		outcome = "deferred"
	}
	metrics.PollCycles.WithLabelValues(l.address, outcome).Inc()

	if res.enqueued > 0 {
		fmt.Printf("%s[%s] %s: %d new payment(s) from %d record(s) on %d page(s)%s\n",
			colorCyan, started.Format("15:04:05"), shortId(l.address), res.enqueued, res.records, res.pages, colorReset)
	}
	zap.L().Debug("Poll cycle completed",
		zap.String("address", l.address),
		zap.String("cycle_id", res.cycleId),
		zap.Int("pages", res.pages),
		zap.Int("records", res.records),
		zap.Int("enqueued", res.enqueued),
		zap.Int("rejected", res.rejected),
		zap.Bool("deferred", res.deferred),
		zap.Duration("elapsed", l.now().Sub(started)))
	return nil
}

// runCycle fetches the validated history from the most recent ledger
// backwards, starting with no marker, until the ledger reports no further
// pages or the page cap is hit. Records go to the consumer in page order.
func (l *PaymentListener) runCycle(ctx context.Context) (cycleResult, error) {
	res := cycleResult{cycleId: uuid.New().String()}
	log := zap.L().With(zap.String("address", l.address), zap.String("cycle_id", res.cycleId))

	seen := make(map[string]struct{})
	var marker ledger.Marker

	for {
		if res.pages > 0 && l.stopping() {
			log.Debug("Stop requested, ending cycle early", zap.Int("pages", res.pages))
			return res, nil
		}
		if res.pages >= l.maxPagesPerCycle {
			log.Debug("Page cap reached, remaining pages deferred", zap.Int("max_pages_per_cycle", l.maxPagesPerCycle))
			return res, nil
		}

		l.setProducerState(StateFetching)
		page, err := l.fetchPage(ctx, marker)
		if err != nil {
			return res, fmt.Errorf("failed to fetch page %d: %w", res.pages+1, err)
		}
		res.pages++

		l.setProducerState(StateValidating)
		if !l.handlePage(ctx, log, page.Records, seen, &res) {
			res.deferred = true
			return res, nil
		}

		if page.Marker.IsEmpty() {
			return res, nil
		}
		marker = page.Marker
	}
}

func (l *PaymentListener) fetchPage(ctx context.Context, marker ledger.Marker) (*ledger.Page, error) {
	fetch := func(ctx context.Context) (*ledger.Page, error) {
		return l.ledger.FetchTransactions(ctx, l.address, marker)
	}
	if l.ledgerGuard == nil {
		return fetch(ctx)
	}
	return resilience.Do(ctx, l.ledgerGuard, fetch)
}

// handlePage evaluates each record and enqueues the accepted ones. It
// returns false when the queue stayed full past the enqueue timeout.
func (l *PaymentListener) handlePage(ctx context.Context, log *zap.Logger, records []models.LedgerRecord, seen map[string]struct{}, res *cycleResult) bool {
	for i, rec := range records {
		res.records++

		txId := rec.Hash()
		if txId != "" {
			if _, dup := seen[txId]; dup {
				continue
			}
			seen[txId] = struct{}{}
			if l.dedup.HasSeen(txId) || l.isPending(txId) {
				continue
			}
		}

		amount, reason, err := l.evaluate(rec)
		if err != nil {
			l.recordDefect(ctx, log, txId, i, err)
			continue
		}
		if reason != "" {
			res.rejected++
			l.recordRejection(log, txId, reason)
			continue
		}

		p := pendingPayment{
			record:     rec,
			txId:       txId,
			amount:     amount,
			observedAt: l.now().UTC(),
			cycleId:    res.cycleId,
		}
		if !l.enqueue(p) {
			log.Warn("Payment queue full, deferring rest of cycle",
				zap.String("tx_id", txId),
				zap.Int("queue_depth", len(l.queue)),
				zap.Duration("enqueue_timeout", l.enqueueTimeout))
			metrics.RecordError(opPoll, resilience.Exhausted(opPoll, fmt.Errorf("payment queue full")))
			l.notify(ctx, alerts.QueueBackpressure, 1, map[string]string{
				"cycle_id":    res.cycleId,
				"queue_depth": fmt.Sprintf("%d", len(l.queue)),
			})
			return false
		}
		res.enqueued++
	}
	return true
}

// evaluate runs the validator, converting a panic into an error so a single
// defective record cannot abort the page
func (l *PaymentListener) evaluate(rec models.LedgerRecord) (amount decimal.Decimal, reason string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("validator panicked: %v\n%s", r, debug.Stack())
		}
	}()
	amount, reason = l.check(rec, l.address, l.minPaymentAmount)
	return amount, reason, nil
}

func (l *PaymentListener) recordRejection(log *zap.Logger, txId, reason string) {
	l.updateStats(func(s *models.ListenerStatus) { s.Rejected++ })
	metrics.RecordsSkipped.WithLabelValues(reason).Inc()

	switch reason {
	case ReasonMissingPayload, ReasonMalformedAmount:
		metrics.RecordError(opValidate, resilience.Malformed(opValidate, fmt.Errorf("%s", reason)))
		log.Warn("Skipping malformed ledger record", zap.String("tx_id", txId), zap.String("reason", reason))
	default:
		log.Debug("Skipping ledger record", zap.String("tx_id", txId), zap.String("reason", reason))
	}
}

func (l *PaymentListener) recordDefect(ctx context.Context, log *zap.Logger, txId string, index int, err error) {
	l.updateStats(func(s *models.ListenerStatus) { s.RecordFailures++ })
	metrics.RecordError(opValidate, err)
	log.Error("Validator failed on ledger record",
		zap.String("tx_id", txId),
		zap.Int("page_position", index),
		zap.Error(err))
	l.notify(ctx, alerts.TransactionProcessingError, 1, map[string]string{
		"tx_id": txId,
		"error": err.Error(),
	})
}

// enqueue hands a payment to the consumer, waiting at most the enqueue
// timeout for room in the queue
func (l *PaymentListener) enqueue(p pendingPayment) bool {
	l.markPending(p.txId)

	timer := time.NewTimer(l.enqueueTimeout)
	defer timer.Stop()

	select {
	case l.queue <- p:
		metrics.QueueDepth.WithLabelValues(l.address).Set(float64(len(l.queue)))
		return true
	case <-timer.C:
		l.clearPending(p.txId)
		return false
	}
}
