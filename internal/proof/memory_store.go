package proof

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory proof store for demo/development mode.
type MemoryStore struct {
	proofs   map[string][]*Proof // dealID -> submissions
	accesses map[string][]*Access
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory proof store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		proofs:   make(map[string][]*Proof),
		accesses: make(map[string][]*Access),
	}
}

func (m *MemoryStore) CreateProof(ctx context.Context, p *Proof) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.proofs[p.DealID] = append(m.proofs[p.DealID], &cp)
	return nil
}

func (m *MemoryStore) ListProofs(ctx context.Context, dealID string) ([]*Proof, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Proof, 0, len(m.proofs[dealID]))
	for _, p := range m.proofs[dealID] {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) RecordAccess(ctx context.Context, a *Access) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *a
	m.accesses[a.DealID] = append(m.accesses[a.DealID], &cp)
	return nil
}

func (m *MemoryStore) FirstAccess(ctx context.Context, dealID string) (*time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var first *time.Time
	for _, a := range m.accesses[dealID] {
		if first == nil || a.AccessedAt.Before(*first) {
			t := a.AccessedAt
			first = &t
		}
	}
	return first, nil
}
