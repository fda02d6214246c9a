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

package api

import (
	"context"
	"fmt"
	"time"

	"xrp-payment-monitor/internal/dedup"
	"xrp-payment-monitor/internal/models"
	"xrp-payment-monitor/internal/resilience"
	"xrp-payment-monitor/internal/store"

	"go.uber.org/zap"
)

// StatusSource is anything that can report a listener snapshot
type StatusSource interface {
	Status() models.ListenerStatus
}

// PaymentService is the read side of the engine. It only touches the store
// and in-memory snapshots, so reads keep working while listeners back off.
type PaymentService struct {
	store     store.PaymentStore
	listeners []StatusSource
	breakers  []*resilience.CircuitBreaker
	dedup     dedup.Index
}

func NewPaymentService(st store.PaymentStore) *PaymentService {
	return &PaymentService{
		store: st,
	}
}

// WithListeners registers listeners reported by Status.
func (s *PaymentService) WithListeners(listeners ...StatusSource) *PaymentService {
	s.listeners = append(s.listeners, listeners...)
	return s
}

// WithBreakers registers circuit breakers reported by Status.
func (s *PaymentService) WithBreakers(breakers ...*resilience.CircuitBreaker) *PaymentService {
	s.breakers = append(s.breakers, breakers...)
	return s
}

func (s *PaymentService) WithDedup(idx dedup.Index) *PaymentService {
	s.dedup = idx
	return s
}

// pinger is implemented by backends holding a connection pool.
type pinger interface {
	Ping(ctx context.Context) error
}

func (s *PaymentService) HealthCheck(ctx context.Context) error {
	if p, ok := s.store.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("payment store unreachable: %w", err)
		}
	}
	if _, _, err := s.store.LatestObservedAt(ctx); err != nil {
		return fmt.Errorf("payment store health check failed: %w", err)
	}
	return nil
}

// ListPayments returns stored payments newest first.
func (s *PaymentService) ListPayments(ctx context.Context, filter store.PaymentFilter) ([]models.PaymentRecord, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", store.ErrInvalidPayment, filter.Status)
	}

	payments, err := s.store.ListPayments(ctx, filter)
	if err != nil {
		zap.L().Error("Failed to list payments", zap.Error(err))
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return payments, nil
}

// LatestObservedAt returns the newest observed_at, or nil when nothing is stored.
func (s *PaymentService) LatestObservedAt(ctx context.Context) (*time.Time, error) {
	latest, ok, err := s.store.LatestObservedAt(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest payment time: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &latest, nil
}

// Status reports listener and breaker state alongside data freshness. A
// store error leaves LatestObservedAt nil rather than failing the call.
func (s *PaymentService) Status(ctx context.Context) *models.StatusResponse {
	resp := &models.StatusResponse{}
	latest, err := s.LatestObservedAt(ctx)
	if err != nil {
		zap.L().Warn("Status without data freshness", zap.Error(err))
	}
	resp.LatestObservedAt = latest

	resp.Listeners = make([]models.ListenerStatus, 0, len(s.listeners))
	for _, l := range s.listeners {
		resp.Listeners = append(resp.Listeners, l.Status())
	}

	resp.Dependencies = make([]models.DependencyStatus, 0, len(s.breakers))
	for _, b := range s.breakers {
		resp.Dependencies = append(resp.Dependencies, models.DependencyStatus{
			Name:  b.Name(),
			State: b.State().String(),
		})
	}

	if s.dedup != nil {
		resp.DedupSize = s.dedup.Len()
	}
	return resp
}
