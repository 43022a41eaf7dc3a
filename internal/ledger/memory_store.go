package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/clearhold/clearhold/internal/idgen"
	"github.com/clearhold/clearhold/internal/money"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	accounts map[string]*Account // accountID -> account
	byUser   map[string]string   // userID:currency -> accountID
	entries  []*Entry
	keys     map[string]bool // idempotency keys already applied
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		byUser:   make(map[string]string),
		keys:     make(map[string]bool),
	}
}

func (m *MemoryStore) GetOrCreateAccount(ctx context.Context, userID, currency string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateLocked(userID, currency), nil
}

func (m *MemoryStore) getOrCreateLocked(userID, currency string) *Account {
	key := userID + ":" + currency
	if id, ok := m.byUser[key]; ok {
		cp := *m.accounts[id]
		return &cp
	}
	acct := &Account{
		ID:        idgen.WithPrefix("wa_"),
		UserID:    userID,
		Currency:  currency,
		Available: "0.00",
		Pending:   "0.00",
		UpdatedAt: time.Now(),
	}
	m.accounts[acct.ID] = acct
	m.byUser[key] = acct.ID
	cp := *acct
	return &cp
}

func (m *MemoryStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) Apply(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(e)
}

// applyLocked performs the duplicate check, overdraft guard, entry
// append, and balance update as one step under the store mutex.
func (m *MemoryStore) applyLocked(e *Entry) error {
	if m.keys[e.IdempotencyKey] {
		DuplicateEntriesTotal.Inc()
		return ErrDuplicateEntry
	}

	acct, ok := m.accounts[e.AccountID]
	if !ok {
		return ErrAccountNotFound
	}

	amount, valid := money.Parse(e.Amount)
	if !valid {
		return ErrInvalidAmount
	}

	avail, _ := money.Parse(acct.Available)
	next := new(big.Int).Add(avail, amount)
	if next.Sign() < 0 && !e.Type.AllowsOverdraft() {
		return ErrInsufficientBalance
	}

	m.keys[e.IdempotencyKey] = true
	m.entries = append(m.entries, e)
	acct.Available = money.Format(next)
	acct.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) History(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].AccountID == accountID {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) SumEntries(ctx context.Context, accountID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := new(big.Int)
	for _, e := range m.entries {
		if e.AccountID != accountID {
			continue
		}
		v, _ := money.Parse(e.Amount)
		sum.Add(sum, v)
	}
	return money.Format(sum), nil
}
