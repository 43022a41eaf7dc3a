package notify

import (
	"context"
	"log/slog"

	"github.com/clearhold/clearhold/internal/dispute"
	"github.com/clearhold/clearhold/internal/release"
)

// Broadcaster pushes events to live subscribers (websocket feed).
type Broadcaster interface {
	Broadcast(event *Event)
}

// Emitter translates settlement and dispute outcomes into webhook
// events. It satisfies the notifier contracts of the release and
// dispute packages; every call is fire-and-forget.
type Emitter struct {
	dispatcher  *Dispatcher
	broadcaster Broadcaster
	logger      *slog.Logger
}

// NewEmitter creates an event emitter.
func NewEmitter(dispatcher *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{dispatcher: dispatcher, logger: logger}
}

// WithBroadcaster adds a live-feed broadcaster.
func (e *Emitter) WithBroadcaster(b Broadcaster) *Emitter {
	e.broadcaster = b
	return e
}

// Released implements the release notifier for completed releases.
func (e *Emitter) Released(r *release.Result) {
	evt := NewEvent(EventSettlementReleased)
	evt.Settlement = settlementPayload(r)
	e.emit(evt)
}

// Refunded implements the release notifier for refund settlements.
func (e *Emitter) Refunded(r *release.Result) {
	evt := NewEvent(EventSettlementRefunded)
	evt.Settlement = settlementPayload(r)
	e.emit(evt)
}

// DisputeOpened implements the dispute notifier.
func (e *Emitter) DisputeOpened(d *dispute.Dispute) {
	evt := NewEvent(EventDisputeOpened)
	evt.Dispute = disputePayload(d)
	e.emit(evt)
}

// DisputeResolved implements the dispute notifier.
func (e *Emitter) DisputeResolved(d *dispute.Dispute) {
	evt := NewEvent(EventDisputeResolved)
	evt.Dispute = disputePayload(d)
	e.emit(evt)
}

func (e *Emitter) emit(evt *Event) {
	if err := e.dispatcher.Dispatch(context.Background(), evt); err != nil {
		e.logger.Warn("webhook dispatch failed", "event", evt.Type, "error", err)
	}
	if e.broadcaster != nil {
		e.broadcaster.Broadcast(evt)
	}
}

func settlementPayload(r *release.Result) *SettlementPayload {
	return &SettlementPayload{
		DealID:          r.Deal.ID,
		Target:          r.Target,
		MilestoneIndex:  r.MilestoneIndex,
		Amount:          r.Amount,
		Currency:        r.Currency,
		SellerID:        r.SellerID,
		TransferID:      r.TransferID,
		TransferPending: r.TransferPending,
		RefundID:        r.RefundID,
		RefundAmount:    r.RefundAmount,
		Actor:           r.Actor,
	}
}

func disputePayload(d *dispute.Dispute) *DisputePayload {
	return &DisputePayload{
		DisputeID:      d.ID,
		DealID:         d.DealID,
		MilestoneIndex: d.MilestoneIndex,
		ReasonCode:     d.ReasonCode,
		Resolution:     d.Resolution,
	}
}
