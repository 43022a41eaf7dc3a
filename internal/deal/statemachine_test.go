package deal

import (
	"errors"
	"testing"
)

var allStatuses = []Status{
	StatusDraft, StatusAwaitingPayment, StatusFunded, StatusProofSubmitted,
	StatusUnderReview, StatusDisputed, StatusResolved, StatusReleased, StatusCanceled,
}

// allowedPairs mirrors the full transition table so the matrix test
// below exercises every (from, to) combination both ways.
var allowedPairs = map[Status][]Status{
	StatusDraft:           {StatusAwaitingPayment, StatusCanceled},
	StatusAwaitingPayment: {StatusFunded, StatusCanceled},
	StatusFunded:          {StatusProofSubmitted, StatusDisputed, StatusCanceled},
	StatusProofSubmitted:  {StatusUnderReview, StatusDisputed, StatusReleased},
	StatusUnderReview:     {StatusDisputed, StatusReleased, StatusProofSubmitted},
	StatusDisputed:        {StatusResolved},
	StatusResolved:        {StatusReleased, StatusCanceled},
}

func isAllowed(from, to Status) bool {
	for _, t := range allowedPairs[from] {
		if t == to {
			return true
		}
	}
	return false
}

func TestValidateTransition_FullMatrix(t *testing.T) {
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			err := ValidateTransition(from, to)
			if isAllowed(from, to) {
				if err != nil {
					t.Errorf("ValidateTransition(%s, %s) = %v, want nil", from, to, err)
				}
				continue
			}
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("ValidateTransition(%s, %s) = %v, want ErrInvalidTransition", from, to, err)
			}
		}
	}
}

func TestValidateTransition_TerminalStatesHaveNoExits(t *testing.T) {
	for _, from := range []Status{StatusReleased, StatusCanceled} {
		for _, to := range allStatuses {
			if err := ValidateTransition(from, to); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("ValidateTransition(%s, %s) = %v, want ErrInvalidTransition", from, to, err)
			}
		}
	}
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range allStatuses {
		want := s == StatusReleased || s == StatusCanceled
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}

func TestValidateTransition_UnknownStatus(t *testing.T) {
	if err := ValidateTransition(Status("bogus"), StatusFunded); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("transition from unknown status = %v, want ErrInvalidTransition", err)
	}
}
