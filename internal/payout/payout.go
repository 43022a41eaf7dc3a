// Package payout is the external payout boundary.
//
// The provider is an untrusted, retryable network collaborator: every
// transfer carries an idempotency key the provider must honor, and a
// failed call is never fatal to settlement — the internal ledger is the
// source of truth and a missed transfer is flagged for manual follow-up.
package payout

import (
	"context"
	"errors"
)

var (
	// ErrTransferFailed wraps provider errors. The orchestrator logs it
	// and completes settlement anyway.
	ErrTransferFailed = errors.New("payout: transfer failed")

	// ErrRefundFailed wraps provider refund errors. Refunds move money
	// back on the original payment rail, so unlike transfers a failed
	// refund does abort the resolution flow.
	ErrRefundFailed = errors.New("payout: refund failed")
)

// Provider moves money on the external rail.
type Provider interface {
	// CreateTransfer pays out to the destination account. Calls with a
	// previously seen idempotency key must return the original transfer
	// rather than paying twice.
	CreateTransfer(ctx context.Context, amount, currency, destination, idempotencyKey string) (transferID string, err error)

	// Refund returns part or all of an original payment to the buyer.
	// Like transfers, calls with a previously seen idempotency key must
	// return the original refund rather than refunding twice.
	Refund(ctx context.Context, paymentRef, amount, idempotencyKey string) (refundID string, err error)
}
