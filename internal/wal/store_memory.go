package wal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/romilpunetha/tao-sub001/internal/model"
)

// MemoryStore is a non-durable Store, used by tests and in-process
// deployments that accept losing in-flight transactions on crash.
type MemoryStore struct {
	mu   sync.RWMutex
	txns map[string]*Transaction
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txns: make(map[string]*Transaction)}
}

func cloneTxn(t *Transaction) *Transaction {
	out := *t
	out.Steps = append([]Step(nil), t.Steps...)
	return &out
}

func (m *MemoryStore) Put(_ context.Context, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txns[txn.ID] = cloneTxn(txn)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	txn, ok := m.txns[id]
	if !ok {
		return nil, false, nil
	}
	return cloneTxn(txn), true, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txns[id]; !ok {
		return fmt.Errorf("wal: transaction %s: %w", id, model.ErrNotFound)
	}
	delete(m.txns, id)
	return nil
}

func (m *MemoryStore) ScanDue(_ context.Context, states []TxnState, now time.Time) ([]*Transaction, error) {
	wanted := toStateSet(states)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Transaction
	for _, txn := range m.txns {
		if !wanted[txn.State] {
			continue
		}
		if txn.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, cloneTxn(txn))
	}
	return out, nil
}

func (m *MemoryStore) ScanAll(_ context.Context) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Transaction, 0, len(m.txns))
	for _, txn := range m.txns {
		out = append(out, cloneTxn(txn))
	}
	return out, nil
}

func (m *MemoryStore) ScanOlderThan(_ context.Context, states []TxnState, cutoff time.Time) ([]*Transaction, error) {
	wanted := toStateSet(states)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Transaction
	for _, txn := range m.txns {
		if !wanted[txn.State] {
			continue
		}
		if txn.CreatedAt.After(cutoff) {
			continue
		}
		out = append(out, cloneTxn(txn))
	}
	return out, nil
}

func toStateSet(states []TxnState) map[TxnState]bool {
	set := make(map[TxnState]bool, len(states))
	for _, s := range states {
		set[s] = true
	}
	return set
}
