// Package dispute implements the dispute-freeze interlock.
//
// An open dispute vetoes every release path for its deal. The guard is
// a pure read with no caching: a dispute can open between a scheduler's
// selection pass and its release attempt, so the release orchestrator
// re-checks the guard inside its own per-deal lock. Once the disputed
// status is durably recorded, any in-flight release observes the freeze
// and aborts — the dispute wins the race by construction.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clearhold/clearhold/internal/deal"
	"github.com/clearhold/clearhold/internal/idgen"
)

var (
	ErrDisputeNotFound = errors.New("dispute: not found")
	ErrAlreadyResolved = errors.New("dispute: already resolved")
)

// Status represents the state of a dispute.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Dispute is one buyer or seller complaint against a deal, optionally
// scoped to a single milestone.
type Dispute struct {
	ID             string     `json:"id"`
	DealID         string     `json:"dealId"`
	MilestoneIndex *int       `json:"milestoneIndex,omitempty"`
	Status         Status     `json:"status"`
	ReasonCode     string     `json:"reasonCode"`
	OpenedBy       string     `json:"openedBy"`
	Resolution     string     `json:"resolution,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	ListOpenByDeal(ctx context.Context, dealID string) ([]*Dispute, error)
	ListByDeal(ctx context.Context, dealID string) ([]*Dispute, error)
}

// FreezeGuard answers "is release currently blocked by an open dispute?".
type FreezeGuard struct {
	store Store
}

// NewFreezeGuard creates a freeze guard over a dispute store.
func NewFreezeGuard(store Store) *FreezeGuard {
	return &FreezeGuard{store: store}
}

// IsFrozen reports whether a release for the deal (or, when
// milestoneIndex is non-nil, for that milestone) is blocked.
//
// A deal-level dispute freezes everything. A milestone-scoped dispute
// freezes its milestone and any full release, but leaves other
// milestones releasable.
func (g *FreezeGuard) IsFrozen(ctx context.Context, dealID string, milestoneIndex *int) (bool, error) {
	open, err := g.store.ListOpenByDeal(ctx, dealID)
	if err != nil {
		return false, fmt.Errorf("failed to read disputes: %w", err)
	}
	for _, d := range open {
		if d.MilestoneIndex == nil || milestoneIndex == nil {
			return true, nil
		}
		if *d.MilestoneIndex == *milestoneIndex {
			return true, nil
		}
	}
	return false, nil
}

// OpenRequest contains the parameters for opening a dispute.
type OpenRequest struct {
	DealID         string `json:"dealId" binding:"required"`
	MilestoneIndex *int   `json:"milestoneIndex"`
	ReasonCode     string `json:"reasonCode" binding:"required"`
	OpenedBy       string `json:"openedBy" binding:"required"`
}

// Notifier is told about dispute lifecycle events, fire-and-forget.
type Notifier interface {
	DisputeOpened(d *Dispute)
	DisputeResolved(d *Dispute)
}

// Service implements dispute business logic. Opening and resolving a
// dispute are themselves state-machine transitions on the deal, applied
// with the same optimistic-concurrency discipline as every other status
// change.
type Service struct {
	store    Store
	deals    *deal.Service
	notifier Notifier
}

// NewService creates a new dispute service.
func NewService(store Store, deals *deal.Service) *Service {
	return &Service{store: store, deals: deals}
}

// WithNotifier adds a dispute event notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Guard returns a freeze guard backed by this service's store.
func (s *Service) Guard() *FreezeGuard {
	return NewFreezeGuard(s.store)
}

// Open records a dispute and moves the deal to disputed. The deal
// transition is validated first: a deal that cannot be disputed in its
// current state rejects the whole operation.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Dispute, error) {
	target, err := s.deals.Get(ctx, req.DealID)
	if err != nil {
		return nil, err
	}
	if req.MilestoneIndex != nil {
		i := *req.MilestoneIndex
		if i < 0 || i >= len(target.Milestones) {
			return nil, fmt.Errorf("dispute: milestone index %d out of range", i)
		}
	}

	// Durably record the freeze before the dispute row: once the deal
	// reads disputed, every release path is already vetoed.
	if _, err := s.deals.Dispute(ctx, req.DealID); err != nil {
		return nil, err
	}

	now := time.Now()
	d := &Dispute{
		ID:             idgen.WithPrefix("dsp_"),
		DealID:         req.DealID,
		MilestoneIndex: req.MilestoneIndex,
		Status:         StatusOpen,
		ReasonCode:     req.ReasonCode,
		OpenedBy:       req.OpenedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to record dispute: %w", err)
	}

	if s.notifier != nil {
		s.notifier.DisputeOpened(d)
	}
	return d, nil
}

// Resolve closes a dispute with a resolution note and, once no open
// disputes remain, moves the deal to resolved. Settlement of the
// resolution (full release, partial refund, full refund) then goes
// exclusively through the release orchestrator.
func (s *Service) Resolve(ctx context.Context, id, resolution string) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}

	now := time.Now()
	d.Status = StatusResolved
	d.Resolution = resolution
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to resolve dispute: %w", err)
	}

	remaining, err := s.store.ListOpenByDeal(ctx, d.DealID)
	if err != nil {
		return nil, err
	}
	if len(remaining) == 0 {
		if _, err := s.deals.MarkResolved(ctx, d.DealID); err != nil {
			return nil, err
		}
	}

	if s.notifier != nil {
		s.notifier.DisputeResolved(d)
	}
	return d, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// ListByDeal returns all disputes for a deal, open and resolved.
func (s *Service) ListByDeal(ctx context.Context, dealID string) ([]*Dispute, error) {
	return s.store.ListByDeal(ctx, dealID)
}
