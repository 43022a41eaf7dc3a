package payout

import (
	"context"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/clearhold/clearhold/internal/money"
)

// StripeProvider implements Provider over the Stripe API.
type StripeProvider struct {
	api *client.API
}

// NewStripeProvider creates a Stripe-backed payout provider.
func NewStripeProvider(apiKey string) *StripeProvider {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeProvider{api: api}
}

func (s *StripeProvider) CreateTransfer(ctx context.Context, amount, currency, destination, idempotencyKey string) (string, error) {
	minor, ok := money.Parse(amount)
	if !ok {
		return "", fmt.Errorf("%w: invalid amount %q", ErrTransferFailed, amount)
	}

	params := &stripe.TransferParams{
		Amount:      stripe.Int64(minor.Int64()),
		Currency:    stripe.String(strings.ToLower(currency)),
		Destination: stripe.String(destination),
	}
	params.Context = ctx
	// Stripe deduplicates on this key, so a retried release reuses the
	// original transfer instead of paying twice.
	params.SetIdempotencyKey(idempotencyKey)

	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return tr.ID, nil
}

func (s *StripeProvider) Refund(ctx context.Context, paymentRef, amount, idempotencyKey string) (string, error) {
	minor, ok := money.Parse(amount)
	if !ok {
		return "", fmt.Errorf("%w: invalid amount %q", ErrRefundFailed, amount)
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentRef),
		Amount:        stripe.Int64(minor.Int64()),
	}
	params.Context = ctx
	// A retried resolution must not refund the buyer twice.
	params.SetIdempotencyKey(idempotencyKey)

	rf, err := s.api.Refunds.New(params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRefundFailed, err)
	}
	return rf.ID, nil
}
