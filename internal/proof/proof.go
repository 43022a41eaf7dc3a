// Package proof consumes delivery-proof verdicts and content access
// events. It does not verify content itself: the verification pipeline
// supplies a boolean verdict per submission, and this package answers
// the two questions the settlement core asks — "does this deal have a
// valid proof?" and "when did the buyer first access the delivery?".
package proof

import (
	"context"
	"errors"
	"time"

	"github.com/clearhold/clearhold/internal/idgen"
)

var ErrProofNotFound = errors.New("proof: not found")

// Proof records one delivery proof submission and its verdict.
type Proof struct {
	ID          string    `json:"id"`
	DealID      string    `json:"dealId"`
	Reference   string    `json:"reference,omitempty"`
	Valid       bool      `json:"valid"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Access records one buyer access to delivered content.
type Access struct {
	DealID     string    `json:"dealId"`
	UserID     string    `json:"userId"`
	AccessedAt time.Time `json:"accessedAt"`
}

// Store persists proofs and access events.
type Store interface {
	CreateProof(ctx context.Context, p *Proof) error
	ListProofs(ctx context.Context, dealID string) ([]*Proof, error)
	RecordAccess(ctx context.Context, a *Access) error
	FirstAccess(ctx context.Context, dealID string) (*time.Time, error)
}

// Service exposes proof verdicts and access timestamps.
type Service struct {
	store Store
}

// NewService creates a new proof service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Record stores a proof submission with the verifier's verdict.
func (s *Service) Record(ctx context.Context, dealID, reference string, valid bool) (*Proof, error) {
	p := &Proof{
		ID:          idgen.WithPrefix("prf_"),
		DealID:      dealID,
		Reference:   reference,
		Valid:       valid,
		SubmittedAt: time.Now(),
	}
	if err := s.store.CreateProof(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// HasValidProof reports whether at least one valid proof exists for the
// deal. The auto-release sweep refuses to settle without one.
func (s *Service) HasValidProof(ctx context.Context, dealID string) (bool, error) {
	proofs, err := s.store.ListProofs(ctx, dealID)
	if err != nil {
		return false, err
	}
	for _, p := range proofs {
		if p.Valid {
			return true, nil
		}
	}
	return false, nil
}

// RecordAccess stores a buyer content access event.
func (s *Service) RecordAccess(ctx context.Context, dealID, userID string) error {
	return s.store.RecordAccess(ctx, &Access{
		DealID:     dealID,
		UserID:     userID,
		AccessedAt: time.Now(),
	})
}

// FirstAccess returns the earliest recorded access for a deal, or nil
// when the buyer has not opened the delivery yet.
func (s *Service) FirstAccess(ctx context.Context, dealID string) (*time.Time, error) {
	return s.store.FirstAccess(ctx, dealID)
}

// ListProofs returns all proof submissions for a deal.
func (s *Service) ListProofs(ctx context.Context, dealID string) ([]*Proof, error) {
	return s.store.ListProofs(ctx, dealID)
}
