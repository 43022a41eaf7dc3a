// Package notify delivers settlement and dispute events to external
// services.
//
// Users register webhook URLs; events are signed with HMAC-SHA256 and
// POSTed asynchronously. Delivery is fire-and-forget: a failed webhook
// never affects a completed settlement. Each event kind carries exactly
// one typed payload — there is no open-ended metadata bag.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/clearhold/clearhold/internal/idgen"
)

var ErrSubscriptionNotFound = errors.New("notify: subscription not found")

// EventType identifies a webhook event kind.
type EventType string

const (
	EventSettlementReleased EventType = "settlement.released"
	EventSettlementRefunded EventType = "settlement.refunded"
	EventDisputeOpened      EventType = "dispute.opened"
	EventDisputeResolved    EventType = "dispute.resolved"
)

// SettlementPayload is the payload for settlement.* events.
type SettlementPayload struct {
	DealID          string `json:"dealId"`
	Target          string `json:"target"`
	MilestoneIndex  *int   `json:"milestoneIndex,omitempty"`
	Amount          string `json:"amount,omitempty"`
	Currency        string `json:"currency"`
	SellerID        string `json:"sellerId"`
	TransferID      string `json:"transferId,omitempty"`
	TransferPending bool   `json:"transferPending,omitempty"`
	RefundID        string `json:"refundId,omitempty"`
	RefundAmount    string `json:"refundAmount,omitempty"`
	Actor           string `json:"actor"`
}

// DisputePayload is the payload for dispute.* events.
type DisputePayload struct {
	DisputeID      string `json:"disputeId"`
	DealID         string `json:"dealId"`
	MilestoneIndex *int   `json:"milestoneIndex,omitempty"`
	ReasonCode     string `json:"reasonCode"`
	Resolution     string `json:"resolution,omitempty"`
}

// Event is one webhook delivery. Exactly one payload field is set,
// matching the event type.
type Event struct {
	ID         string             `json:"id"`
	Type       EventType          `json:"type"`
	Timestamp  time.Time          `json:"timestamp"`
	Settlement *SettlementPayload `json:"settlement,omitempty"`
	Dispute    *DisputePayload    `json:"dispute,omitempty"`
}

// NewEvent creates an event envelope.
func NewEvent(t EventType) *Event {
	return &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      t,
		Timestamp: time.Now(),
	}
}

// Subscription is one registered webhook endpoint.
type Subscription struct {
	ID          string      `json:"id"`
	UserID      string      `json:"userId"`
	URL         string      `json:"url"`
	Secret      string      `json:"-"` // HMAC signing key, never serialized
	Events      []EventType `json:"events"`
	Active      bool        `json:"active"`
	CreatedAt   time.Time   `json:"createdAt"`
	LastSuccess *time.Time  `json:"lastSuccess,omitempty"`
	LastError   string      `json:"lastError,omitempty"`
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByUser(ctx context.Context, userID string) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends webhook events.
type Dispatcher struct {
	store  Store
	client *http.Client
}

// NewDispatcher creates a new webhook dispatcher.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Dispatch sends an event to all active subscribers of its type.
// Deliveries run asynchronously; Dispatch never blocks on the network.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		go d.send(context.WithoutCancel(ctx), sub, event)
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.updateError(ctx, sub, "failed to create request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Clearhold-Event", string(event.Type))
	req.Header.Set("X-Clearhold-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))

	if sub.Secret != "" {
		req.Header.Set("X-Clearhold-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.updateError(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.updateSuccess(ctx, sub)
	} else {
		d.updateError(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

// Sign computes the hex HMAC-SHA256 of payload under secret. Receivers
// verify deliveries with the same computation.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	_ = d.store.Update(ctx, sub)
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	_ = d.store.Update(ctx, sub)
}
