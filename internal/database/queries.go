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

package database

const (
	schemaPayments = `
	CREATE TABLE IF NOT EXISTS payments (
		tx_id TEXT PRIMARY KEY,
		sender TEXT NOT NULL,
		receiver TEXT NOT NULL,
		amount_native TEXT NOT NULL,
		amount_fiat TEXT,
		fiat_currency TEXT NOT NULL,
		observed_at TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'confirmed'
	);

	-- Listing is always newest first, usually for one merchant address
	CREATE INDEX IF NOT EXISTS idx_payments_observed_at ON payments(observed_at);
	CREATE INDEX IF NOT EXISTS idx_payments_receiver_observed ON payments(receiver, observed_at);
	`

	schemaRateCache = `
	CREATE TABLE IF NOT EXISTS rate_cache (
		currency TEXT PRIMARY KEY,
		rate TEXT NOT NULL,
		fetched_at TEXT NOT NULL
	);`

	// Payment queries
	queryInsertPayment = `
		INSERT INTO payments (tx_id, sender, receiver, amount_native, amount_fiat, fiat_currency, observed_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tx_id) DO NOTHING`

	queryListPaymentsBase = `
		SELECT tx_id, sender, receiver, amount_native, amount_fiat, fiat_currency, observed_at, status
		FROM payments`

	queryListTxIds = `
		SELECT tx_id FROM payments`

	queryLatestObservedAt = `
		SELECT MAX(observed_at) FROM payments`

	// Rate cache queries
	queryUpsertRate = `
		INSERT INTO rate_cache (currency, rate, fetched_at) VALUES (?, ?, ?)
		ON CONFLICT(currency) DO UPDATE SET rate = excluded.rate, fetched_at = excluded.fetched_at`

	queryGetRate = `
		SELECT currency, rate, fetched_at FROM rate_cache WHERE currency = ?`
)
