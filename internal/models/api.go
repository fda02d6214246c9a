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

package models

import (
	"time"
)

// ListenerStatus is a point-in-time view of one reconciliation worker
type ListenerStatus struct {
	Address        string    `json:"address"`
	State          string    `json:"state"`
	LastCycleAt    time.Time `json:"last_cycle_at,omitempty"`
	LastSuccessAt  time.Time `json:"last_success_at,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	Cycles         int64     `json:"cycles"`
	FailedCycles   int64     `json:"failed_cycles"`
	Persisted      int64     `json:"persisted"`
	Duplicates     int64     `json:"duplicates"`
	Rejected       int64     `json:"rejected"`
	RecordFailures int64     `json:"record_failures"`
	QueueDepth     int       `json:"queue_depth"`
}

// DependencyStatus reports a guarded dependency's circuit state
type DependencyStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// StatusResponse is returned by the status endpoint. Staleness is visible
// through LatestObservedAt rather than through an error.
type StatusResponse struct {
	Listeners        []ListenerStatus   `json:"listeners"`
	Dependencies     []DependencyStatus `json:"dependencies"`
	LatestObservedAt *time.Time         `json:"latest_observed_at"`
	DedupSize        int                `json:"dedup_size"`
}

// PaymentsResponse is returned by the payments endpoint
type PaymentsResponse struct {
	Payments []PaymentRecord `json:"payments"`
	Count    int             `json:"count"`
}
