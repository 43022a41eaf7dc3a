package deal

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubAccess struct {
	first *time.Time
}

func (s *stubAccess) FirstAccess(ctx context.Context, dealID string) (*time.Time, error) {
	return s.first, nil
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *stubAccess) {
	t.Helper()
	store := NewMemoryStore()
	access := &stubAccess{}
	svc := NewService(store, access, PolicyConfig{
		AccessGrace:    72 * time.Hour,
		FallbackWindow: 7 * 24 * time.Hour,
	})
	return svc, store, access
}

func createFunded(t *testing.T, svc *Service, milestones []Milestone) *Deal {
	t.Helper()
	ctx := context.Background()
	d, err := svc.Create(ctx, CreateRequest{
		BuyerID:       "user_buyer",
		SellerID:      "user_seller",
		Subtotal:      "100.00",
		BuyerFee:      "3.00",
		SellerFee:     "5.00",
		Currency:      "USD",
		Milestones:    milestones,
		RevisionLimit: 2,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := svc.SendForPayment(ctx, d.ID); err != nil {
		t.Fatalf("SendForPayment failed: %v", err)
	}
	d, err = svc.ConfirmFunding(ctx, d.ID, "pi_test_123")
	if err != nil {
		t.Fatalf("ConfirmFunding failed: %v", err)
	}
	return d
}

func TestCreate_ComputesSellerNet(t *testing.T) {
	svc, _, _ := newTestService(t)
	d, err := svc.Create(context.Background(), CreateRequest{
		BuyerID:   "user_buyer",
		SellerID:  "user_seller",
		Subtotal:  "100.00",
		SellerFee: "5.00",
		Currency:  "USD",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if d.SellerNet != "95.00" {
		t.Errorf("sellerNet = %s, want 95.00", d.SellerNet)
	}
	if d.Status != StatusDraft {
		t.Errorf("status = %s, want draft", d.Status)
	}
	if d.Version != 1 {
		t.Errorf("version = %d, want 1", d.Version)
	}
}

func TestCreate_RejectsSameParties(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Create(context.Background(), CreateRequest{
		BuyerID: "user_x", SellerID: "user_x", Subtotal: "10.00", Currency: "USD",
	})
	if err == nil {
		t.Fatal("Create with buyer == seller should fail")
	}
}

func TestLifecycle_HappyPath(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	d := createFunded(t, svc, nil)
	if d.Status != StatusFunded {
		t.Fatalf("status = %s, want funded", d.Status)
	}
	if d.FundedAt == nil || d.ExternalPaymentRef != "pi_test_123" {
		t.Error("funding metadata not recorded")
	}

	d, err := svc.SubmitProof(ctx, d.ID)
	if err != nil {
		t.Fatalf("SubmitProof failed: %v", err)
	}
	if d.Status != StatusProofSubmitted || d.ProofSubmittedAt == nil {
		t.Errorf("after proof: status=%s proofAt=%v", d.Status, d.ProofSubmittedAt)
	}
	if d.AutoReleaseAt == nil {
		t.Error("auto-release deadline not computed on proof submission")
	}

	if _, err := svc.StartReview(ctx, d.ID); err != nil {
		t.Fatalf("StartReview failed: %v", err)
	}
}

func TestSubmitProof_BeforeFunding(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	d, _ := svc.Create(ctx, CreateRequest{
		BuyerID: "user_buyer", SellerID: "user_seller", Subtotal: "10.00", Currency: "USD",
	})
	if _, err := svc.SubmitProof(ctx, d.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("SubmitProof on draft = %v, want ErrInvalidTransition", err)
	}
}

func TestConfirmFunding_CreatesMilestoneRecords(t *testing.T) {
	svc, store, _ := newTestService(t)

	d := createFunded(t, svc, []Milestone{
		{Title: "a", Amount: "40.00"},
		{Title: "b", Amount: "40.00"},
		{Title: "c", Amount: "20.00"},
	})

	releases, err := store.ListMilestoneReleases(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("ListMilestoneReleases failed: %v", err)
	}
	if len(releases) != 3 {
		t.Fatalf("got %d milestone records, want 3", len(releases))
	}
	for i, r := range releases {
		if r.Index != i || r.Status != MilestonePending {
			t.Errorf("record %d = {index %d, %s}, want pending at index %d", i, r.Index, r.Status, i)
		}
	}
}

func TestRevisionRounds_BoundedByLimit(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	d := createFunded(t, svc, nil) // revision limit 2

	for round := 0; round < 2; round++ {
		if _, err := svc.SubmitProof(ctx, d.ID); err != nil {
			t.Fatalf("round %d SubmitProof failed: %v", round, err)
		}
		if _, err := svc.StartReview(ctx, d.ID); err != nil {
			t.Fatalf("round %d StartReview failed: %v", round, err)
		}
		if _, err := svc.RequestRevision(ctx, d.ID); err != nil {
			t.Fatalf("round %d RequestRevision failed: %v", round, err)
		}
	}

	// Third delivery still allowed (1 initial + 2 revisions)...
	if _, err := svc.SubmitProof(ctx, d.ID); err != nil {
		t.Fatalf("final SubmitProof failed: %v", err)
	}
	if _, err := svc.StartReview(ctx, d.ID); err != nil {
		t.Fatalf("final StartReview failed: %v", err)
	}
	// ...but a third revision request is over the limit.
	if _, err := svc.RequestRevision(ctx, d.ID); !errors.Is(err, ErrRevisionsExceeded) {
		t.Errorf("RequestRevision past limit = %v, want ErrRevisionsExceeded", err)
	}
}

func TestRequestRevision_ClearsAutoRelease(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	d := createFunded(t, svc, nil)
	if _, err := svc.SubmitProof(ctx, d.ID); err != nil {
		t.Fatalf("SubmitProof failed: %v", err)
	}
	if _, err := svc.StartReview(ctx, d.ID); err != nil {
		t.Fatalf("StartReview failed: %v", err)
	}
	d, err := svc.RequestRevision(ctx, d.ID)
	if err != nil {
		t.Fatalf("RequestRevision failed: %v", err)
	}
	if d.AutoReleaseAt != nil {
		t.Error("auto-release deadline should clear until the seller resubmits")
	}
}

func TestUpdateVersioned_Conflict(t *testing.T) {
	_, store, _ := newTestService(t)
	ctx := context.Background()

	d := &Deal{ID: "deal_cas", Status: StatusDraft, Version: 1}
	if err := store.Create(ctx, d); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	a, _ := store.Get(ctx, d.ID)
	b, _ := store.Get(ctx, d.ID)

	a.Status = StatusAwaitingPayment
	if err := store.UpdateVersioned(ctx, a); err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("version after update = %d, want 2", a.Version)
	}

	b.Status = StatusCanceled
	if err := store.UpdateVersioned(ctx, b); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale update = %v, want ErrVersionConflict", err)
	}

	fresh, _ := store.Get(ctx, d.ID)
	if fresh.Status != StatusAwaitingPayment {
		t.Errorf("status = %s, stale writer must not win", fresh.Status)
	}
}

func TestTransition_RetriesVersionConflict(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	d, _ := svc.Create(ctx, CreateRequest{
		BuyerID: "user_buyer", SellerID: "user_seller", Subtotal: "10.00", Currency: "USD",
	})

	// Bump the version behind the service's back once; the CAS retry
	// should absorb it.
	bumped, _ := store.Get(ctx, d.ID)
	if err := store.UpdateVersioned(ctx, bumped); err != nil {
		t.Fatalf("setup bump failed: %v", err)
	}

	if _, err := svc.SendForPayment(ctx, d.ID); err != nil {
		t.Fatalf("SendForPayment after external bump failed: %v", err)
	}
}

func TestMarkMilestoneReleased_OnlyOnce(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	d := createFunded(t, svc, []Milestone{{Title: "a", Amount: "40.00"}})

	if err := store.MarkMilestoneReleased(ctx, d.ID, 0, "tr_1"); err != nil {
		t.Fatalf("first mark failed: %v", err)
	}
	if err := store.MarkMilestoneReleased(ctx, d.ID, 0, "tr_2"); !errors.Is(err, ErrAlreadyReleased) {
		t.Errorf("second mark = %v, want ErrAlreadyReleased", err)
	}
}
