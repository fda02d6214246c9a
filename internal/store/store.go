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

package store

import (
	"context"
	"errors"
	"time"

	"xrp-payment-monitor/internal/models"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

// Sentinel errors shared across all backend implementations.
var (
	ErrInvalidPayment = errors.New("invalid payment record")
	ErrUnavailable    = errors.New("payment store unavailable")
)

// PaymentFilter narrows ListPayments. Zero values mean "no constraint".
type PaymentFilter struct {
	Receiver string
	Sender   string
	Currency string
	Status   models.PaymentStatus
	Since    time.Time
	Until    time.Time
	Limit    int
}

// EffectiveLimit applies the default and the upper bound.
func (f PaymentFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		return MaxListLimit
	}
	return f.Limit
}

// Matches reports whether a record satisfies the filter. Backends that cannot
// push every predicate into their query use it to post-filter.
func (f PaymentFilter) Matches(p models.PaymentRecord) bool {
	if f.Receiver != "" && p.Receiver != f.Receiver {
		return false
	}
	if f.Sender != "" && p.Sender != f.Sender {
		return false
	}
	if f.Currency != "" && p.FiatCurrency != f.Currency {
		return false
	}
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && p.ObservedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !p.ObservedAt.Before(f.Until) {
		return false
	}
	return true
}

// ValidateRecord checks the invariants every backend enforces before a write.
func ValidateRecord(p models.PaymentRecord) error {
	if p.TxId == "" {
		return errors.Join(ErrInvalidPayment, errors.New("tx_id is required"))
	}
	if p.Receiver == "" {
		return errors.Join(ErrInvalidPayment, errors.New("receiver is required"))
	}
	if p.AmountNative.IsNegative() {
		return errors.Join(ErrInvalidPayment, errors.New("amount_native must not be negative"))
	}
	if p.Status != "" && !p.Status.Valid() {
		return errors.Join(ErrInvalidPayment, errors.New("unknown status "+string(p.Status)))
	}
	return nil
}

// PaymentStore defines the contract that every backend (SQLite, Postgres,
// Formance) must satisfy. Uniqueness of tx_id is enforced by the backend:
// inserting a known tx_id returns (false, nil), never an error.
type PaymentStore interface {
	InsertPayment(ctx context.Context, payment models.PaymentRecord) (bool, error)
	ListPayments(ctx context.Context, filter PaymentFilter) ([]models.PaymentRecord, error)
	ListTxIds(ctx context.Context) ([]string, error)
	LatestObservedAt(ctx context.Context) (time.Time, bool, error)
	Close()
}
