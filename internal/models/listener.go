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

// LedgerRecord is one entry of an account_tx response: the transaction
// payload and its metadata, decoded loosely so the validator can reject
// malformed shapes instead of failing the whole page.
type LedgerRecord struct {
	Tx        map[string]any `json:"tx"`
	Meta      map[string]any `json:"meta"`
	Validated bool           `json:"validated"`
}

// Hash returns the transaction identifier, or "" when absent.
func (r LedgerRecord) Hash() string {
	if r.Tx == nil {
		return ""
	}
	h, _ := r.Tx["hash"].(string)
	return h
}

// Account returns the sending account, or "" when absent.
func (r LedgerRecord) Account() string {
	if r.Tx == nil {
		return ""
	}
	a, _ := r.Tx["Account"].(string)
	return a
}

// LedgerIndex returns the ledger sequence the transaction was validated in.
func (r LedgerRecord) LedgerIndex() string {
	if r.Tx == nil {
		return ""
	}
	switch v := r.Tx["ledger_index"].(type) {
	case string:
		return v
	case interface{ String() string }:
		return v.String()
	}
	return ""
}
