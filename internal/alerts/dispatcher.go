// Package alerts rate-limits and delivers operational alerts.
package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"xrp-payment-monitor/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	deliveryTimeout   = 10 * time.Second
	DefaultOutboxSize = 64
)

// Dispatcher decides whether an alert should fire and fans it out to the
// rule's channels. It is safe for concurrent use by every listener.
type Dispatcher struct {
	rules    map[string]Rule
	channels map[string]Channel

	mu      sync.Mutex
	history map[string][]time.Time

	// set by StartWorker; guarded by outboxMu so Close cannot race a send
	outboxMu   sync.RWMutex
	outbox     chan Alert
	closed     bool
	workerDone chan struct{}

	now func() time.Time
}

func NewDispatcher(rules []Rule, channels ...Channel) *Dispatcher {
	d := &Dispatcher{
		rules:    make(map[string]Rule, len(rules)),
		channels: make(map[string]Channel, len(channels)),
		history:  make(map[string][]time.Time),
		now:      time.Now,
	}
	for _, r := range rules {
		d.rules[r.Type] = r
	}
	for _, c := range channels {
		d.channels[c.Name()] = c
	}
	return d
}

// ShouldAlert records an occurrence when value reaches the rule threshold and
// reports whether enough occurrences fell inside the window. Firing clears
// the history so the next alert needs a fresh burst.
func (d *Dispatcher) ShouldAlert(alertType string, value float64, at time.Time) bool {
	rule, ok := d.rules[alertType]
	if !ok {
		return false
	}
	if at.IsZero() {
		at = d.now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := at.Add(-rule.Window)
	kept := d.history[alertType][:0]
	for _, t := range d.history[alertType] {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	d.history[alertType] = kept

	if value < rule.Threshold {
		return false
	}
	d.history[alertType] = append(d.history[alertType], at)
	if len(d.history[alertType]) < rule.MinOccurrences {
		return false
	}
	d.history[alertType] = nil
	return true
}

// Send delivers the alert on every configured channel. A failing channel is
// logged and counted without affecting the others.
func (d *Dispatcher) Send(ctx context.Context, alertType string, details map[string]string) {
	alert, ok := d.newAlert(alertType, details)
	if !ok {
		return
	}
	d.send(ctx, alert)
}

func (d *Dispatcher) newAlert(alertType string, details map[string]string) (Alert, bool) {
	rule, ok := d.rules[alertType]
	if !ok {
		return Alert{}, false
	}
	return Alert{
		Id:       uuid.New().String(),
		Type:     alertType,
		Severity: rule.Severity,
		Details:  details,
		FiredAt:  d.now(),
	}, true
}

func (d *Dispatcher) send(ctx context.Context, alert Alert) {
	for _, name := range d.rules[alert.Type].Channels {
		channel, ok := d.channels[name]
		if !ok {
			zap.L().Debug("Alert channel not configured", zap.String("channel", name), zap.String("alert_type", alert.Type))
			continue
		}
		if err := d.deliver(ctx, channel, alert); err != nil {
			metrics.AlertsSent.WithLabelValues(alert.Type, name, "failure").Inc()
			zap.L().Error("Failed to send alert",
				zap.String("channel", name),
				zap.String("alert_type", alert.Type),
				zap.String("alert_id", alert.Id),
				zap.Error(err))
			continue
		}
		metrics.AlertsSent.WithLabelValues(alert.Type, name, "success").Inc()
	}
}

// StartWorker moves delivery for Notify onto a background goroutine so a
// slow channel never blocks the caller. At most size alerts wait for
// delivery; further alerts are dropped and counted.
func (d *Dispatcher) StartWorker(size int) *Dispatcher {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	d.outbox = make(chan Alert, size)
	d.workerDone = make(chan struct{})
	go func() {
		defer close(d.workerDone)
		for alert := range d.outbox {
			d.send(context.Background(), alert)
		}
	}()
	return d
}

// Close delivers the alerts still queued and stops the worker.
func (d *Dispatcher) Close() {
	d.outboxMu.Lock()
	if d.outbox == nil || d.closed {
		d.outboxMu.Unlock()
		return
	}
	d.closed = true
	close(d.outbox)
	d.outboxMu.Unlock()
	<-d.workerDone
}

// enqueue hands the alert to the worker, reporting false when there is no
// worker to take it
func (d *Dispatcher) enqueue(alert Alert) bool {
	d.outboxMu.RLock()
	defer d.outboxMu.RUnlock()
	if d.outbox == nil {
		return false
	}
	if d.closed {
		zap.L().Warn("Alert dropped after dispatcher closed", zap.String("alert_type", alert.Type))
		metrics.AlertsSent.WithLabelValues(alert.Type, "outbox", "dropped").Inc()
		return true
	}
	select {
	case d.outbox <- alert:
	default:
		zap.L().Warn("Alert outbox full, dropping alert",
			zap.String("alert_type", alert.Type),
			zap.String("alert_id", alert.Id))
		metrics.AlertsSent.WithLabelValues(alert.Type, "outbox", "dropped").Inc()
	}
	return true
}

func (d *Dispatcher) deliver(ctx context.Context, channel Channel, alert Alert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("alert channel panicked: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()
	return channel.Deliver(ctx, alert)
}

// Notify is ShouldAlert followed by delivery when the rule fires. With a
// worker started, delivery happens in the background.
func (d *Dispatcher) Notify(ctx context.Context, alertType string, value float64, details map[string]string) bool {
	if !d.ShouldAlert(alertType, value, d.now()) {
		return false
	}
	alert, _ := d.newAlert(alertType, details)
	if !d.enqueue(alert) {
		d.send(ctx, alert)
	}
	return true
}
