// Package rates converts native amounts to fiat through a cached rate provider.
package rates

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"xrp-payment-monitor/internal/metrics"
	"xrp-payment-monitor/internal/models"
	"xrp-payment-monitor/internal/resilience"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrRateUnavailable means no rate could be fetched and none was cached.
var ErrRateUnavailable = errors.New("fiat rate unavailable")

// Snapshotter persists the last good rate so stale values survive a restart.
type Snapshotter interface {
	SaveRate(ctx context.Context, entry models.RateCacheEntry) error
	LoadRate(ctx context.Context, currency string) (models.RateCacheEntry, bool, error)
}

// Cache is a TTL cache of native→fiat rates shared by every listener.
// Refreshes for one currency are coalesced into a single provider call.
type Cache struct {
	provider Provider
	guard    *resilience.Guard
	base     string
	ttl      time.Duration

	mu      sync.RWMutex
	entries map[string]models.RateCacheEntry
	group   singleflight.Group

	snapshots Snapshotter
	onFailure func(currency string, err error)
	now       func() time.Time
}

// NewCache builds a cache. A nil provider disables conversion entirely.
func NewCache(provider Provider, guard *resilience.Guard, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		provider: provider,
		guard:    guard,
		base:     models.NativeCurrency,
		ttl:      ttl,
		entries:  make(map[string]models.RateCacheEntry),
		now:      time.Now,
	}
}

// WithSnapshots loads persisted rates for the given currencies and keeps
// saving fresh ones.
func (c *Cache) WithSnapshots(ctx context.Context, s Snapshotter, currencies ...string) *Cache {
	c.snapshots = s
	for _, cur := range currencies {
		entry, ok, err := s.LoadRate(ctx, normalize(cur))
		if err != nil {
			zap.L().Warn("Unable to load persisted rate", zap.String("currency", cur), zap.Error(err))
			continue
		}
		if ok {
			c.mu.Lock()
			c.entries[entry.Currency] = entry
			c.mu.Unlock()
		}
	}
	return c
}

// OnRefreshFailure registers a hook called whenever a refresh fails.
func (c *Cache) OnRefreshFailure(fn func(currency string, err error)) {
	c.onFailure = fn
}

// Enabled reports whether a provider is configured.
func (c *Cache) Enabled() bool {
	return c.provider != nil
}

func normalize(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// Peek returns the cached entry without any I/O, expired or not.
func (c *Cache) Peek(currency string) (models.RateCacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[normalize(currency)]
	return e, ok
}

func (c *Cache) fresh(e models.RateCacheEntry) bool {
	return c.now().Sub(e.FetchedAt) < c.ttl
}

// GetRate returns a rate within TTL without I/O, otherwise refreshes. When
// the refresh fails the last known value is served.
func (c *Cache) GetRate(ctx context.Context, currency string) (decimal.Decimal, error) {
	cur := normalize(currency)
	entry, ok := c.Peek(cur)
	if ok && c.fresh(entry) {
		return entry.Rate, nil
	}

	rate, err := c.refresh(ctx, cur, false)
	if err == nil {
		return rate, nil
	}
	if ok {
		metrics.RateStaleServed.WithLabelValues(cur).Inc()
		zap.L().Warn("Serving stale fiat rate",
			zap.String("currency", cur),
			zap.Time("fetched_at", entry.FetchedAt),
			zap.Error(err))
		return entry.Rate, nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrRateUnavailable, cur, err)
}

// Refresh fetches a new rate. Concurrent callers for the same currency wait
// for one shared provider call.
func (c *Cache) Refresh(ctx context.Context, currency string) (decimal.Decimal, error) {
	return c.refresh(ctx, normalize(currency), true)
}

func (c *Cache) refresh(ctx context.Context, cur string, force bool) (decimal.Decimal, error) {
	if c.provider == nil {
		return decimal.Zero, ErrRateUnavailable
	}

	v, err, _ := c.group.Do(cur, func() (any, error) {
		// a caller that waited on the previous flight may find it already done
		if entry, ok := c.Peek(cur); ok && !force && c.fresh(entry) {
			return entry.Rate, nil
		}
		return c.fetch(ctx, cur)
	})
	if err != nil {
		metrics.RateRefreshFailures.WithLabelValues(cur).Inc()
		metrics.RecordError(opFetchRate, err)
		if c.onFailure != nil {
			c.onFailure(cur, err)
		}
		return decimal.Zero, err
	}
	return v.(decimal.Decimal), nil
}

func (c *Cache) fetch(ctx context.Context, cur string) (decimal.Decimal, error) {
	call := func(ctx context.Context) (decimal.Decimal, error) {
		return c.provider.FetchRate(ctx, c.base, cur)
	}
	var rate decimal.Decimal
	var err error
	if c.guard != nil {
		rate, err = resilience.Do(ctx, c.guard, call)
	} else {
		rate, err = call(ctx)
	}
	if err != nil {
		return decimal.Zero, err
	}

	entry := models.RateCacheEntry{Currency: cur, Rate: rate, FetchedAt: c.now()}
	c.mu.Lock()
	c.entries[cur] = entry
	c.mu.Unlock()

	if c.snapshots != nil {
		if err := c.snapshots.SaveRate(ctx, entry); err != nil {
			zap.L().Warn("Unable to persist fiat rate", zap.String("currency", cur), zap.Error(err))
		}
	}
	zap.L().Debug("Fiat rate refreshed", zap.String("currency", cur), zap.String("rate", rate.String()))
	return rate, nil
}

// Convert returns amount*rate unrounded, or NULL when no rate is available.
// It never fails: native persistence must not wait on fiat conversion.
func (c *Cache) Convert(ctx context.Context, amount decimal.Decimal, currency string) decimal.NullDecimal {
	if c.provider == nil {
		return decimal.NullDecimal{}
	}
	rate, err := c.GetRate(ctx, currency)
	if err != nil {
		zap.L().Warn("Fiat conversion unavailable", zap.String("currency", currency), zap.Error(err))
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(amount.Mul(rate))
}

// Warm refreshes the given currencies every interval until ctx is done.
func (c *Cache) Warm(ctx context.Context, currencies []string, interval time.Duration) {
	if c.provider == nil || interval <= 0 {
		return
	}
	refresh := func() {
		for _, cur := range currencies {
			if _, err := c.Refresh(ctx, cur); err != nil && ctx.Err() == nil {
				zap.L().Warn("Background rate refresh failed", zap.String("currency", cur), zap.Error(err))
			}
		}
	}

	refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}
