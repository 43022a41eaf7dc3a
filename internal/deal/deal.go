// Package deal owns the escrow transaction entity and its lifecycle.
//
// Flow:
//  1. Buyer and seller agree terms → deal created in draft
//  2. Buyer is invoiced → awaiting_payment, then funded on confirmation
//  3. Seller delivers → proof_submitted; buyer reviews or requests revisions
//  4. Release (manual, admin, or auto) settles funds → released
//  5. A dispute at any fundable stage freezes settlement until resolved
//
// Every status change goes through ValidateTransition and is persisted
// with an optimistic version check, so concurrent writers cannot
// silently overwrite each other.
package deal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clearhold/clearhold/internal/idgen"
	"github.com/clearhold/clearhold/internal/money"
	"github.com/clearhold/clearhold/internal/retry"
)

var (
	ErrDealNotFound      = errors.New("deal: not found")
	ErrVersionConflict   = errors.New("deal: version conflict")
	ErrAlreadyReleased   = errors.New("deal: milestone already released")
	ErrRevisionsExceeded = errors.New("deal: revision limit exceeded")
	ErrInvalidAmount     = errors.New("deal: invalid amount")
)

// Milestone is a fixed-amount, ordered sub-deliverable. The list is
// immutable once the deal is funded.
type Milestone struct {
	Title            string     `json:"title"`
	Amount           string     `json:"amount"`
	DueDate          *time.Time `json:"dueDate,omitempty"`
	ReviewWindowDays int        `json:"reviewWindowDays,omitempty"`
	RevisionLimit    int        `json:"revisionLimit,omitempty"`
}

// Deal represents one escrow transaction between a buyer and a seller.
type Deal struct {
	ID                  string      `json:"id"`
	Status              Status      `json:"status"`
	BuyerID             string      `json:"buyerId"`
	SellerID            string      `json:"sellerId"`
	Subtotal            string      `json:"subtotal"`
	BuyerFee            string      `json:"buyerFee"`
	SellerFee           string      `json:"sellerFee"`
	SellerNet           string      `json:"sellerNet"`
	Currency            string      `json:"currency"`
	Version             int64       `json:"version"`
	Milestones          []Milestone `json:"milestones,omitempty"`
	RevisionLimit       int         `json:"revisionLimit,omitempty"`
	RevisionRequests    int         `json:"revisionRequests"`
	Submissions         int         `json:"submissions"`
	ProofSubmittedAt    *time.Time  `json:"proofSubmittedAt,omitempty"`
	FundedAt            *time.Time  `json:"fundedAt,omitempty"`
	ReleasedAt          *time.Time  `json:"releasedAt,omitempty"`
	AutoReleaseAt       *time.Time  `json:"autoReleaseAt,omitempty"`
	ExternalPaymentRef  string      `json:"externalPaymentRef,omitempty"`
	ExternalTransferRef string      `json:"externalTransferRef,omitempty"`
	CreatedAt           time.Time   `json:"createdAt"`
	UpdatedAt           time.Time   `json:"updatedAt"`
}

// HasMilestones reports whether this is a milestone-based deal.
func (d *Deal) HasMilestones() bool {
	return len(d.Milestones) > 0
}

// BuyerTotal is what the buyer paid in: subtotal plus buyer fee.
func (d *Deal) BuyerTotal() string {
	return money.Add(d.Subtotal, d.BuyerFee)
}

// MilestoneReleaseStatus is the settlement state of one milestone.
type MilestoneReleaseStatus string

const (
	MilestonePending  MilestoneReleaseStatus = "pending"
	MilestoneReleased MilestoneReleaseStatus = "released"
)

// MilestoneRelease is the per-milestone settlement record. One per
// milestone per deal, created at funding; the index is assigned at deal
// creation and never reused.
type MilestoneRelease struct {
	DealID      string                 `json:"dealId"`
	Index       int                    `json:"index"`
	Status      MilestoneReleaseStatus `json:"status"`
	ReleasedAt  *time.Time             `json:"releasedAt,omitempty"`
	TransferRef string                 `json:"transferRef,omitempty"`
}

// Store persists deals and milestone release records.
//
// UpdateVersioned is a compare-and-swap: it succeeds only when the
// stored version matches d.Version, then increments it. A mismatch
// returns ErrVersionConflict and the caller retries its whole operation
// from a fresh read, never patches partial state.
type Store interface {
	Create(ctx context.Context, d *Deal) error
	Get(ctx context.Context, id string) (*Deal, error)
	UpdateVersioned(ctx context.Context, d *Deal) error
	ListByParty(ctx context.Context, userID string, limit int) ([]*Deal, error)
	ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Deal, error)

	CreateMilestoneReleases(ctx context.Context, dealID string, count int) error
	ListMilestoneReleases(ctx context.Context, dealID string) ([]*MilestoneRelease, error)
	MarkMilestoneReleased(ctx context.Context, dealID string, index int, transferRef string) error
	SetMilestoneTransferRef(ctx context.Context, dealID string, index int, transferRef string) error
}

// AccessLog reports the buyer's first recorded access to delivered
// content, consumed by the access-based auto-release policy.
type AccessLog interface {
	FirstAccess(ctx context.Context, dealID string) (*time.Time, error)
}

// CreateRequest contains the parameters for creating a deal.
type CreateRequest struct {
	BuyerID       string      `json:"buyerId" binding:"required"`
	SellerID      string      `json:"sellerId" binding:"required"`
	Subtotal      string      `json:"subtotal" binding:"required"`
	BuyerFee      string      `json:"buyerFee"`
	SellerFee     string      `json:"sellerFee"`
	Currency      string      `json:"currency" binding:"required"`
	Milestones    []Milestone `json:"milestones"`
	RevisionLimit int         `json:"revisionLimit"`
}

// Service implements deal lifecycle logic over a Store.
type Service struct {
	store  Store
	access AccessLog
	policy PolicyConfig
}

// NewService creates a new deal service.
func NewService(store Store, access AccessLog, policy PolicyConfig) *Service {
	return &Service{store: store, access: access, policy: policy}
}

// Store exposes the backing store for wiring (settlement, sweeper).
func (s *Service) Store() Store { return s.store }

// Create creates a new deal in draft.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Deal, error) {
	if req.BuyerID == req.SellerID {
		return nil, errors.New("deal: buyer and seller cannot be the same user")
	}
	if err := money.ValidatePositive(req.Subtotal); err != nil {
		return nil, fmt.Errorf("%w: subtotal %q", ErrInvalidAmount, req.Subtotal)
	}
	for _, fee := range []string{req.BuyerFee, req.SellerFee} {
		if fee == "" {
			continue
		}
		if v, ok := money.Parse(fee); !ok || v.Sign() < 0 {
			return nil, fmt.Errorf("%w: fee %q", ErrInvalidAmount, fee)
		}
	}
	for i, ms := range req.Milestones {
		if err := money.ValidatePositive(ms.Amount); err != nil {
			return nil, fmt.Errorf("%w: milestone %d amount %q", ErrInvalidAmount, i, ms.Amount)
		}
	}

	buyerFee := orZero(req.BuyerFee)
	sellerFee := orZero(req.SellerFee)
	now := time.Now()
	d := &Deal{
		ID:            idgen.WithPrefix("deal_"),
		Status:        StatusDraft,
		BuyerID:       req.BuyerID,
		SellerID:      req.SellerID,
		Subtotal:      req.Subtotal,
		BuyerFee:      buyerFee,
		SellerFee:     sellerFee,
		SellerNet:     money.Sub(req.Subtotal, sellerFee),
		Currency:      req.Currency,
		Version:       1,
		Milestones:    req.Milestones,
		RevisionLimit: req.RevisionLimit,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create deal: %w", err)
	}
	return d, nil
}

// Get returns a deal by ID.
func (s *Service) Get(ctx context.Context, id string) (*Deal, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns deals involving a user as buyer or seller.
func (s *Service) ListByParty(ctx context.Context, userID string, limit int) ([]*Deal, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, userID, limit)
}

// MilestoneReleases returns the settlement records for a deal.
func (s *Service) MilestoneReleases(ctx context.Context, dealID string) ([]*MilestoneRelease, error) {
	return s.store.ListMilestoneReleases(ctx, dealID)
}

// SendForPayment moves a draft deal to awaiting_payment.
func (s *Service) SendForPayment(ctx context.Context, id string) (*Deal, error) {
	return s.transition(ctx, id, func(d *Deal) error {
		return s.advance(d, StatusAwaitingPayment)
	})
}

// ConfirmFunding records payment confirmation: the deal becomes funded,
// pending milestone records are created, and the payment reference is
// stored for later refunds.
func (s *Service) ConfirmFunding(ctx context.Context, id, paymentRef string) (*Deal, error) {
	d, err := s.transition(ctx, id, func(d *Deal) error {
		if err := s.advance(d, StatusFunded); err != nil {
			return err
		}
		now := time.Now()
		d.FundedAt = &now
		d.ExternalPaymentRef = paymentRef
		return nil
	})
	if err != nil {
		return nil, err
	}
	if d.HasMilestones() {
		if err := s.store.CreateMilestoneReleases(ctx, d.ID, len(d.Milestones)); err != nil {
			return nil, fmt.Errorf("failed to create milestone records: %w", err)
		}
	}
	return d, nil
}

// SubmitProof records a delivery proof. First submission moves the deal
// from funded to proof_submitted; resubmissions after a revision request
// stay in proof_submitted with a fresh timestamp. The auto-release
// deadline is recomputed from the new submission time.
func (s *Service) SubmitProof(ctx context.Context, id string) (*Deal, error) {
	return s.transition(ctx, id, func(d *Deal) error {
		if d.Status != StatusProofSubmitted {
			if err := s.advance(d, StatusProofSubmitted); err != nil {
				return err
			}
		}
		if d.Submissions >= AllowedSubmissionCount(d.RevisionRequests, s.revisionLimit(ctx, d)) {
			return ErrRevisionsExceeded
		}
		now := time.Now()
		d.Submissions++
		d.ProofSubmittedAt = &now
		return s.recomputeAutoRelease(ctx, d)
	})
}

// StartReview moves the deal into the buyer's review.
func (s *Service) StartReview(ctx context.Context, id string) (*Deal, error) {
	return s.transition(ctx, id, func(d *Deal) error {
		return s.advance(d, StatusUnderReview)
	})
}

// RequestRevision sends the deal back to the seller for another
// delivery round, bounded by the revision limit.
func (s *Service) RequestRevision(ctx context.Context, id string) (*Deal, error) {
	return s.transition(ctx, id, func(d *Deal) error {
		if err := s.advance(d, StatusProofSubmitted); err != nil {
			return err
		}
		if d.RevisionRequests >= s.revisionLimit(ctx, d) {
			return ErrRevisionsExceeded
		}
		d.RevisionRequests++
		// The clock restarts when the seller resubmits, not now.
		d.AutoReleaseAt = nil
		return nil
	})
}

// Dispute freezes the deal under an open dispute.
func (s *Service) Dispute(ctx context.Context, id string) (*Deal, error) {
	return s.transition(ctx, id, func(d *Deal) error {
		return s.advance(d, StatusDisputed)
	})
}

// MarkResolved moves a disputed deal to resolved once its disputes are
// closed; settlement of the resolution happens elsewhere.
func (s *Service) MarkResolved(ctx context.Context, id string) (*Deal, error) {
	return s.transition(ctx, id, func(d *Deal) error {
		return s.advance(d, StatusResolved)
	})
}

// Cancel terminates the deal. Only valid from states the transition
// table allows into canceled.
func (s *Service) Cancel(ctx context.Context, id string) (*Deal, error) {
	return s.transition(ctx, id, func(d *Deal) error {
		return s.advance(d, StatusCanceled)
	})
}

// RefreshAutoRelease recomputes the auto-release deadline from current
// inputs (first content access, proof submission, milestone progress).
func (s *Service) RefreshAutoRelease(ctx context.Context, id string) (*Deal, error) {
	return s.transition(ctx, id, func(d *Deal) error {
		return s.recomputeAutoRelease(ctx, d)
	})
}

// advance validates and applies a status change on the in-memory deal.
func (s *Service) advance(d *Deal, to Status) error {
	if err := ValidateTransition(d.Status, to); err != nil {
		return err
	}
	d.Status = to
	return nil
}

func (s *Service) revisionLimit(ctx context.Context, d *Deal) int {
	if !d.HasMilestones() {
		return d.RevisionLimit
	}
	releases, err := s.store.ListMilestoneReleases(ctx, d.ID)
	if err != nil {
		return d.RevisionLimit
	}
	if i, ok := NextUnreleasedIndex(d.Milestones, releases); ok {
		return d.Milestones[i].RevisionLimit
	}
	return d.RevisionLimit
}

func (s *Service) recomputeAutoRelease(ctx context.Context, d *Deal) error {
	var firstAccess *time.Time
	if s.access != nil && !d.HasMilestones() {
		fa, err := s.access.FirstAccess(ctx, d.ID)
		if err != nil {
			return fmt.Errorf("failed to read access log: %w", err)
		}
		firstAccess = fa
	}
	var releases []*MilestoneRelease
	if d.HasMilestones() {
		var err error
		releases, err = s.store.ListMilestoneReleases(ctx, d.ID)
		if err != nil {
			return err
		}
	}
	d.AutoReleaseAt = s.policy.AutoReleaseAt(d, firstAccess, releases)
	return nil
}

// transition loads the deal, applies mutate, and persists with the
// optimistic version check. A version conflict retries the whole
// read-mutate-write; business errors abort immediately.
func (s *Service) transition(ctx context.Context, id string, mutate func(*Deal) error) (*Deal, error) {
	var out *Deal
	err := retry.Do(ctx, 3, 10*time.Millisecond, func() error {
		d, err := s.store.Get(ctx, id)
		if err != nil {
			return retry.Permanent(err)
		}
		if err := mutate(d); err != nil {
			return retry.Permanent(err)
		}
		d.UpdatedAt = time.Now()
		if err := s.store.UpdateVersioned(ctx, d); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return err
			}
			return retry.Permanent(err)
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func orZero(amount string) string {
	if amount == "" {
		return "0.00"
	}
	return amount
}
