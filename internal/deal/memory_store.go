package deal

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory deal store for demo/development mode.
type MemoryStore struct {
	deals    map[string]*Deal
	releases map[string][]*MilestoneRelease
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory deal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deals:    make(map[string]*Deal),
		releases: make(map[string][]*MilestoneRelease),
	}
}

func (m *MemoryStore) Create(ctx context.Context, d *Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := copyDeal(d)
	m.deals[d.ID] = cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deals[id]
	if !ok {
		return nil, ErrDealNotFound
	}
	return copyDeal(d), nil
}

// UpdateVersioned is the compare-and-swap write: it only succeeds when
// the caller's version matches the stored one, then bumps it.
func (m *MemoryStore) UpdateVersioned(ctx context.Context, d *Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateVersionedLocked(d)
}

func (m *MemoryStore) updateVersionedLocked(d *Deal) error {
	stored, ok := m.deals[d.ID]
	if !ok {
		return ErrDealNotFound
	}
	if stored.Version != d.Version {
		return ErrVersionConflict
	}
	d.Version++
	m.deals[d.ID] = copyDeal(d)
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, userID string, limit int) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Deal
	for _, d := range m.deals {
		if d.BuyerID == userID || d.SellerID == userID {
			result = append(result, copyDeal(d))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Deal
	for _, d := range m.deals {
		if d.Status != StatusProofSubmitted && d.Status != StatusUnderReview {
			continue
		}
		if d.AutoReleaseAt == nil || d.AutoReleaseAt.After(before) {
			continue
		}
		result = append(result, copyDeal(d))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) CreateMilestoneReleases(ctx context.Context, dealID string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deals[dealID]; !ok {
		return ErrDealNotFound
	}
	if len(m.releases[dealID]) > 0 {
		return nil // already created; funding confirmations are idempotent here
	}
	records := make([]*MilestoneRelease, count)
	for i := 0; i < count; i++ {
		records[i] = &MilestoneRelease{DealID: dealID, Index: i, Status: MilestonePending}
	}
	m.releases[dealID] = records
	return nil
}

func (m *MemoryStore) ListMilestoneReleases(ctx context.Context, dealID string) ([]*MilestoneRelease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listMilestoneReleasesLocked(dealID), nil
}

func (m *MemoryStore) listMilestoneReleasesLocked(dealID string) []*MilestoneRelease {
	records := m.releases[dealID]
	out := make([]*MilestoneRelease, len(records))
	for i, r := range records {
		cp := *r
		out[i] = &cp
	}
	return out
}

func (m *MemoryStore) MarkMilestoneReleased(ctx context.Context, dealID string, index int, transferRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markMilestoneReleasedLocked(dealID, index, transferRef)
}

func (m *MemoryStore) markMilestoneReleasedLocked(dealID string, index int, transferRef string) error {
	for _, r := range m.releases[dealID] {
		if r.Index != index {
			continue
		}
		if r.Status == MilestoneReleased {
			return ErrAlreadyReleased
		}
		now := time.Now()
		r.Status = MilestoneReleased
		r.ReleasedAt = &now
		if transferRef != "" {
			r.TransferRef = transferRef
		}
		return nil
	}
	return ErrDealNotFound
}

func (m *MemoryStore) SetMilestoneTransferRef(ctx context.Context, dealID string, index int, transferRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.releases[dealID] {
		if r.Index == index {
			r.TransferRef = transferRef
			return nil
		}
	}
	return ErrDealNotFound
}

// copyDeal deep-copies a deal so callers never share the stored
// milestone slice backing array.
func copyDeal(d *Deal) *Deal {
	cp := *d
	if d.Milestones != nil {
		cp.Milestones = make([]Milestone, len(d.Milestones))
		copy(cp.Milestones, d.Milestones)
	}
	return &cp
}
