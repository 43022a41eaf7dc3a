// Package ledger tracks wallet balances through an append-only entry log.
//
// Every balance change is an immutable, signed Entry; the cached
// available balance on an account must always equal the sum of its
// entries. Corrections are new entries, never updates. Entries carry an
// idempotency key with a uniqueness guarantee at the storage layer, so a
// financially-effectful operation is applied at most once under retries
// and concurrent callers.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clearhold/clearhold/internal/idgen"
	"github.com/clearhold/clearhold/internal/money"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrDuplicateEntry      = errors.New("ledger: idempotency key already applied")
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryCreditRelease   EntryType = "credit_release"
	EntryDebitWithdrawal EntryType = "debit_withdrawal"
	EntryDebitChargeback EntryType = "debit_chargeback"
	EntryDebitRefund     EntryType = "debit_refund"
)

// AllowsOverdraft reports whether this entry type may take an account
// balance negative. Chargebacks and refund debits represent debt the
// account holder owes the platform; withdrawals must never overdraw.
func (t EntryType) AllowsOverdraft() bool {
	return t == EntryDebitChargeback || t == EntryDebitRefund
}

// Account is one wallet account per (user, currency).
type Account struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Currency  string    `json:"currency"`
	Available string    `json:"available"`
	Pending   string    `json:"pending"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Entry is an immutable, signed financial record. Credits are positive,
// debits negative.
type Entry struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"accountId"`
	Type           EntryType `json:"type"`
	Amount         string    `json:"amount"`
	RelatedDealID  string    `json:"relatedDealId,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Store persists wallet accounts and ledger entries.
//
// Apply must be atomic: the duplicate-key check, the entry insert, and
// the balance adjustment succeed or fail as one unit. The store enforces
// the overdraft rule for the entry's type and rejects duplicate
// idempotency keys with ErrDuplicateEntry.
type Store interface {
	GetOrCreateAccount(ctx context.Context, userID, currency string) (*Account, error)
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	Apply(ctx context.Context, e *Entry) error
	History(ctx context.Context, accountID string, limit int) ([]*Entry, error)
	SumEntries(ctx context.Context, accountID string) (string, error)
}

// Service implements ledger business logic over a Store.
type Service struct {
	store Store
}

// NewService creates a new ledger service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Account returns the wallet account for (userID, currency), creating it
// with a zero balance if it does not exist yet.
func (s *Service) Account(ctx context.Context, userID, currency string) (*Account, error) {
	return s.store.GetOrCreateAccount(ctx, userID, currency)
}

// Balance returns the persisted account state. Business decisions (e.g.
// "can withdraw") must go through this read, never a cached value.
func (s *Service) Balance(ctx context.Context, accountID string) (*Account, error) {
	return s.store.GetAccount(ctx, accountID)
}

// Credit applies a positive credit_release entry to an account.
// Exactly-once per idempotency key.
func (s *Service) Credit(ctx context.Context, accountID, amount, relatedDealID, idemKey string) error {
	defer observeOp("credit")()
	if err := money.ValidatePositive(amount); err != nil {
		return ErrInvalidAmount
	}
	return s.store.Apply(ctx, &Entry{
		ID:             idgen.WithPrefix("le_"),
		AccountID:      accountID,
		Type:           EntryCreditRelease,
		Amount:         amount,
		RelatedDealID:  relatedDealID,
		IdempotencyKey: idemKey,
		CreatedAt:      time.Now(),
	})
}

// Withdraw applies a withdrawal debit. Rejected with
// ErrInsufficientBalance before any mutation if it would take the
// available balance negative.
func (s *Service) Withdraw(ctx context.Context, accountID, amount, idemKey string) error {
	defer observeOp("withdraw")()
	if err := money.ValidatePositive(amount); err != nil {
		return ErrInvalidAmount
	}
	return s.store.Apply(ctx, &Entry{
		ID:             idgen.WithPrefix("le_"),
		AccountID:      accountID,
		Type:           EntryDebitWithdrawal,
		Amount:         money.Neg(amount),
		IdempotencyKey: idemKey,
		CreatedAt:      time.Now(),
	})
}

// Chargeback applies a chargeback debit. May take the balance negative:
// debt is a valid, trackable state.
func (s *Service) Chargeback(ctx context.Context, accountID, amount, relatedDealID, idemKey string) error {
	defer observeOp("chargeback")()
	if err := money.ValidatePositive(amount); err != nil {
		return ErrInvalidAmount
	}
	return s.store.Apply(ctx, &Entry{
		ID:             idgen.WithPrefix("le_"),
		AccountID:      accountID,
		Type:           EntryDebitChargeback,
		Amount:         money.Neg(amount),
		RelatedDealID:  relatedDealID,
		IdempotencyKey: idemKey,
		CreatedAt:      time.Now(),
	})
}

// RefundDebit applies a refund debit (seller pays back a released
// amount). May take the balance negative.
func (s *Service) RefundDebit(ctx context.Context, accountID, amount, relatedDealID, idemKey string) error {
	defer observeOp("refund_debit")()
	if err := money.ValidatePositive(amount); err != nil {
		return ErrInvalidAmount
	}
	return s.store.Apply(ctx, &Entry{
		ID:             idgen.WithPrefix("le_"),
		AccountID:      accountID,
		Type:           EntryDebitRefund,
		Amount:         money.Neg(amount),
		RelatedDealID:  relatedDealID,
		IdempotencyKey: idemKey,
		CreatedAt:      time.Now(),
	})
}

// History returns the most recent entries for an account.
func (s *Service) History(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.History(ctx, accountID, limit)
}

// Reconcile recomputes the account balance by summing its entries and
// compares it against the cached available balance. A non-zero drift
// means the balance invariant was violated.
func (s *Service) Reconcile(ctx context.Context, accountID string) (drift string, ok bool, err error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return "", false, err
	}
	sum, err := s.store.SumEntries(ctx, accountID)
	if err != nil {
		return "", false, err
	}
	drift = money.Sub(acct.Available, sum)
	if money.Cmp(drift, "0") != 0 {
		return drift, false, fmt.Errorf("ledger: account %s drift %s (available %s, entry sum %s)",
			accountID, drift, acct.Available, sum)
	}
	return "0.00", true, nil
}
