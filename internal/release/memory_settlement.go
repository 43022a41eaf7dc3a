package release

import (
	"context"
	"sync"

	"github.com/clearhold/clearhold/internal/deal"
	"github.com/clearhold/clearhold/internal/ledger"
)

// MemorySettlement commits settlements against the in-memory stores for
// demo/development mode. One mutex serializes all settlement writers,
// and the checks that can fail run before any write, so the two stores
// move together.
type MemorySettlement struct {
	deals  *deal.MemoryStore
	ledger *ledger.MemoryStore
	mu     sync.Mutex
}

// NewMemorySettlement creates a settlement store over memory stores.
func NewMemorySettlement(deals *deal.MemoryStore, led *ledger.MemoryStore) *MemorySettlement {
	return &MemorySettlement{deals: deals, ledger: led}
}

func (m *MemorySettlement) Commit(ctx context.Context, s *Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Fail-able checks first: milestone still pending, version current,
	// idempotency key unseen. Only then mutate.
	if s.MilestoneIndex != nil {
		releases, err := m.deals.ListMilestoneReleases(ctx, s.Deal.ID)
		if err != nil {
			return err
		}
		pending := false
		for _, r := range releases {
			if r.Index == *s.MilestoneIndex && r.Status == deal.MilestonePending {
				pending = true
			}
		}
		if !pending {
			return deal.ErrAlreadyReleased
		}
	}

	if err := m.deals.UpdateVersioned(ctx, s.Deal); err != nil {
		return err
	}

	if s.Entry != nil {
		if err := m.ledger.Apply(ctx, s.Entry); err != nil {
			return err
		}
	}

	if s.MilestoneIndex != nil {
		if err := m.deals.MarkMilestoneReleased(ctx, s.Deal.ID, *s.MilestoneIndex, s.TransferRef); err != nil {
			return err
		}
	}
	return nil
}
