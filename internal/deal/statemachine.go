package deal

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a requested status change is not
// in the transition table. Never retried: it is a business rule
// violation, not a transient fault.
var ErrInvalidTransition = errors.New("deal: invalid status transition")

// Status represents the lifecycle state of a deal.
type Status string

const (
	StatusDraft           Status = "draft"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusFunded          Status = "funded"
	StatusProofSubmitted  Status = "proof_submitted"
	StatusUnderReview     Status = "under_review"
	StatusDisputed        Status = "disputed"
	StatusResolved        Status = "resolved"
	StatusReleased        Status = "released"
	StatusCanceled        Status = "canceled"
)

// transitions is the complete set of allowed status changes. Every
// state-changing operation validates against this table before
// persisting; there is no bypass path.
var transitions = map[Status][]Status{
	StatusDraft:           {StatusAwaitingPayment, StatusCanceled},
	StatusAwaitingPayment: {StatusFunded, StatusCanceled},
	StatusFunded:          {StatusProofSubmitted, StatusDisputed, StatusCanceled},
	StatusProofSubmitted:  {StatusUnderReview, StatusDisputed, StatusReleased},
	StatusUnderReview:     {StatusDisputed, StatusReleased, StatusProofSubmitted},
	StatusDisputed:        {StatusResolved},
	StatusResolved:        {StatusReleased, StatusCanceled},
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusCanceled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	if _, ok := transitions[s]; ok {
		return true
	}
	return s.Terminal()
}

// ValidateTransition checks whether the status change from -> to is
// allowed. Pure function, no side effects.
func ValidateTransition(from, to Status) error {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
