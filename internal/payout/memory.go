package payout

import (
	"context"
	"fmt"
	"sync"

	"github.com/clearhold/clearhold/internal/idgen"
)

// Transfer records one payout call made against the memory provider.
type Transfer struct {
	ID          string
	Amount      string
	Currency    string
	Destination string
}

// MemoryProvider is an in-process Provider for demo mode and tests. It
// honors idempotency keys the way a real rail must: a repeated key
// returns the original transfer or refund ID without moving money again.
type MemoryProvider struct {
	transfers map[string]*Transfer // idempotency key -> transfer
	refunds   map[string]string    // idempotency key -> refund id
	failNext  error
	mu        sync.Mutex
}

// NewMemoryProvider creates a new in-memory payout provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		transfers: make(map[string]*Transfer),
		refunds:   make(map[string]string),
	}
}

// FailNext makes the next call fail with err, for exercising the
// non-fatal transfer failure path.
func (m *MemoryProvider) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *MemoryProvider) CreateTransfer(ctx context.Context, amount, currency, destination, idempotencyKey string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if tr, ok := m.transfers[idempotencyKey]; ok {
		return tr.ID, nil
	}
	tr := &Transfer{
		ID:          idgen.WithPrefix("tr_"),
		Amount:      amount,
		Currency:    currency,
		Destination: destination,
	}
	m.transfers[idempotencyKey] = tr
	return tr.ID, nil
}

func (m *MemoryProvider) Refund(ctx context.Context, paymentRef, amount, idempotencyKey string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRefundFailed, err)
	}
	if id, ok := m.refunds[idempotencyKey]; ok {
		return id, nil
	}
	id := idgen.WithPrefix("re_")
	m.refunds[idempotencyKey] = id
	return id, nil
}

// TransferCount returns how many distinct transfers were made.
func (m *MemoryProvider) TransferCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transfers)
}

// TransferByKey returns the transfer recorded for an idempotency key.
func (m *MemoryProvider) TransferByKey(key string) (*Transfer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.transfers[key]
	if !ok {
		return nil, false
	}
	cp := *tr
	return &cp, true
}

// RefundCount returns how many refunds were issued.
func (m *MemoryProvider) RefundCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.refunds)
}

func (m *MemoryProvider) takeFailure() error {
	if m.failNext == nil {
		return nil
	}
	err := m.failNext
	m.failNext = nil
	return err
}
