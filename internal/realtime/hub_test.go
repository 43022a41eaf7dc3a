package realtime

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/clearhold/clearhold/internal/notify"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func settlementEvent(dealID string) *notify.Event {
	evt := notify.NewEvent(notify.EventSettlementReleased)
	evt.Settlement = &notify.SettlementPayload{DealID: dealID, Target: "full"}
	return evt
}

func disputeEvent(dealID string) *notify.Event {
	evt := notify.NewEvent(notify.EventDisputeOpened)
	evt.Dispute = &notify.DisputePayload{DisputeID: "dsp_1", DealID: dealID}
	return evt
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	if !h.shouldSend(client, settlementEvent("deal_1")) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []notify.EventType{notify.EventSettlementReleased, notify.EventSettlementRefunded},
	}}

	if !h.shouldSend(client, settlementEvent("deal_1")) {
		t.Error("Should receive settlement.released events")
	}
	if h.shouldSend(client, disputeEvent("deal_1")) {
		t.Error("Should NOT receive dispute events")
	}
}

func TestShouldSend_DealFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		DealIDs: []string{"deal_watched"},
	}}

	if !h.shouldSend(client, settlementEvent("deal_watched")) {
		t.Error("Should match settlement on watched deal")
	}
	if h.shouldSend(client, settlementEvent("deal_other")) {
		t.Error("Should NOT match unrelated deal")
	}
	if !h.shouldSend(client, disputeEvent("deal_watched")) {
		t.Error("Should match dispute on watched deal")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	if !h.shouldSend(client, settlementEvent("deal_1")) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_EventWithoutDealPassesDealFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		DealIDs: []string{"deal_watched"},
	}}

	// Envelope with no payload carries no deal to filter on.
	bare := notify.NewEvent(notify.EventSettlementReleased)
	if !h.shouldSend(client, bare) {
		t.Error("Event without a deal should pass through the deal filter")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(settlementEvent("deal_1"))

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants dispute events
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []notify.EventType{notify.EventDisputeOpened}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Settlement event should be filtered out
	h.Broadcast(settlementEvent("deal_1"))
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive settlement event")
	default:
		// Good - filtered out
	}

	// Dispute event should be received
	h.Broadcast(disputeEvent("deal_1"))

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive dispute event")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}
