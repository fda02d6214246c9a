// Package dedup tracks which ledger transactions have already been persisted.
//
// The index is a cache over the payment store: it is rebuilt from the stored
// tx ids at startup and only written after the store accepted a payment (or
// reported it as a duplicate). The store's uniqueness constraint stays the
// source of truth.
package dedup

import (
	"sync"
)

// Index answers "has this transaction already been processed?"
type Index interface {
	HasSeen(txId string) bool
	MarkSeen(txId string) error
	// Reset replaces the whole index with txIds
	Reset(txIds []string) error
	Len() int
	Close() error
}

// MemoryIndex is a process-local index
type MemoryIndex struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{seen: make(map[string]struct{})}
}

func (m *MemoryIndex) HasSeen(txId string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.seen[txId]
	return ok
}

func (m *MemoryIndex) MarkSeen(txId string) error {
	m.mu.Lock()
	m.seen[txId] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) Reset(txIds []string) error {
	seen := make(map[string]struct{}, len(txIds))
	for _, id := range txIds {
		seen[id] = struct{}{}
	}
	m.mu.Lock()
	m.seen = seen
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.seen)
}

func (m *MemoryIndex) Close() error { return nil }

// Rebuild makes the index mirror the stored tx ids exactly. Ids the store
// does not hold are dropped so they are evaluated again. It returns how many
// entries were dropped.
func Rebuild(idx Index, txIds []string) (int, error) {
	stored := make(map[string]struct{}, len(txIds))
	kept := 0
	for _, id := range txIds {
		if _, dup := stored[id]; dup {
			continue
		}
		stored[id] = struct{}{}
		if idx.HasSeen(id) {
			kept++
		}
	}
	dropped := idx.Len() - kept
	if err := idx.Reset(txIds); err != nil {
		return 0, err
	}
	return dropped, nil
}
