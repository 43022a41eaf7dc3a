//go:build integration

package deal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clearhold/clearhold/internal/testutil"
)

func setupTestStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func testDeal(id string) *Deal {
	now := time.Now().Truncate(time.Microsecond)
	return &Deal{
		ID:        id,
		Status:    StatusDraft,
		BuyerID:   "user_buyer",
		SellerID:  "user_seller",
		Subtotal:  "100.00",
		BuyerFee:  "3.00",
		SellerFee: "5.00",
		SellerNet: "95.00",
		Currency:  "USD",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPostgresDeal_CreateAndGet(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	d := testDeal("deal_pg_1")

	if err := store.Create(ctx, d); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusDraft {
		t.Errorf("status = %s, want draft", got.Status)
	}
	if got.SellerNet != "95.00" {
		t.Errorf("seller_net = %s, want 95.00", got.SellerNet)
	}
	if got.Version != 0 {
		t.Errorf("version = %d, want 0", got.Version)
	}
}

func TestPostgresDeal_GetNotFound(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	_, err := store.Get(context.Background(), "deal_missing")
	if !errors.Is(err, ErrDealNotFound) {
		t.Errorf("err = %v, want ErrDealNotFound", err)
	}
}

func TestPostgresDeal_VersionedUpdate(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	d := testDeal("deal_pg_cas")
	if err := store.Create(ctx, d); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	d.Status = StatusAwaitingPayment
	d.UpdatedAt = time.Now()
	if err := store.UpdateVersioned(ctx, d); err != nil {
		t.Fatalf("UpdateVersioned failed: %v", err)
	}
	if d.Version != 1 {
		t.Errorf("version after update = %d, want 1", d.Version)
	}

	// A writer holding the old version must lose the race.
	stale := testDeal("deal_pg_cas")
	stale.Status = StatusCanceled
	stale.Version = 0
	if err := store.UpdateVersioned(ctx, stale); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale update err = %v, want ErrVersionConflict", err)
	}

	got, err := store.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusAwaitingPayment {
		t.Errorf("status = %s, want awaiting_payment", got.Status)
	}
}

func TestPostgresDeal_ListAutoReleasable(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)

	due := testDeal("deal_pg_due")
	due.Status = StatusProofSubmitted
	past := now.Add(-time.Hour)
	due.AutoReleaseAt = &past

	notYet := testDeal("deal_pg_not_yet")
	notYet.Status = StatusProofSubmitted
	future := now.Add(time.Hour)
	notYet.AutoReleaseAt = &future

	frozen := testDeal("deal_pg_frozen")
	frozen.Status = StatusDisputed
	frozen.AutoReleaseAt = &past

	for _, d := range []*Deal{due, notYet, frozen} {
		if err := store.Create(ctx, d); err != nil {
			t.Fatalf("Create %s failed: %v", d.ID, err)
		}
	}

	deals, err := store.ListAutoReleasable(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListAutoReleasable failed: %v", err)
	}
	if len(deals) != 1 || deals[0].ID != "deal_pg_due" {
		t.Errorf("got %d deals, want exactly deal_pg_due", len(deals))
	}
}

func TestPostgresDeal_MilestoneReleases(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	d := testDeal("deal_pg_ms")
	d.Milestones = []Milestone{
		{Title: "design", Amount: "40.00"},
		{Title: "build", Amount: "55.00"},
	}
	if err := store.Create(ctx, d); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := store.CreateMilestoneReleases(ctx, d.ID, 2); err != nil {
		t.Fatalf("CreateMilestoneReleases failed: %v", err)
	}
	// Idempotent on re-run.
	if err := store.CreateMilestoneReleases(ctx, d.ID, 2); err != nil {
		t.Fatalf("repeat CreateMilestoneReleases failed: %v", err)
	}

	if err := store.MarkMilestoneReleased(ctx, d.ID, 0, "tr_pg_1"); err != nil {
		t.Fatalf("MarkMilestoneReleased failed: %v", err)
	}

	releases, err := store.ListMilestoneReleases(ctx, d.ID)
	if err != nil {
		t.Fatalf("ListMilestoneReleases failed: %v", err)
	}
	if len(releases) != 2 {
		t.Fatalf("got %d releases, want 2", len(releases))
	}
	if releases[0].Status != MilestoneReleased || releases[0].TransferRef != "tr_pg_1" {
		t.Errorf("milestone 0 = %+v, want released with tr_pg_1", releases[0])
	}
	if releases[1].Status != MilestonePending {
		t.Errorf("milestone 1 status = %s, want pending", releases[1].Status)
	}
}
