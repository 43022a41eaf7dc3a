package deal

import (
	"testing"
	"time"
)

func releasedRecord(dealID string, index int) *MilestoneRelease {
	now := time.Now()
	return &MilestoneRelease{DealID: dealID, Index: index, Status: MilestoneReleased, ReleasedAt: &now}
}

func TestNextUnreleasedIndex(t *testing.T) {
	milestones := []Milestone{
		{Title: "design", Amount: "40.00"},
		{Title: "build", Amount: "40.00"},
		{Title: "launch", Amount: "20.00"},
	}

	tests := []struct {
		name     string
		releases []*MilestoneRelease
		want     int
		wantOK   bool
	}{
		{"none released", nil, 0, true},
		{"first released", []*MilestoneRelease{releasedRecord("d", 0)}, 1, true},
		{"first two released", []*MilestoneRelease{releasedRecord("d", 0), releasedRecord("d", 1)}, 2, true},
		{"all released", []*MilestoneRelease{releasedRecord("d", 0), releasedRecord("d", 1), releasedRecord("d", 2)}, 0, false},
		{"pending records ignored", []*MilestoneRelease{{DealID: "d", Index: 0, Status: MilestonePending}}, 0, true},
		{"gap blocks later indexes", []*MilestoneRelease{releasedRecord("d", 1), releasedRecord("d", 2)}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextUnreleasedIndex(milestones, tt.releases)
			if ok != tt.wantOK || (ok && got != tt.want) {
				t.Errorf("NextUnreleasedIndex = (%d, %v), want (%d, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestReviewWindowDeadline(t *testing.T) {
	submitted := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if got := ReviewWindowDeadline(submitted, 5); !got.Equal(submitted.AddDate(0, 0, 5)) {
		t.Errorf("deadline = %v, want +5 days", got)
	}
	// Unset and negative windows fall back to the default.
	for _, days := range []int{0, -2} {
		if got := ReviewWindowDeadline(submitted, days); !got.Equal(submitted.AddDate(0, 0, DefaultReviewWindowDays)) {
			t.Errorf("deadline(days=%d) = %v, want default %d days", days, got, DefaultReviewWindowDays)
		}
	}
}

func TestAllowedSubmissionCount(t *testing.T) {
	tests := []struct {
		requests, limit, want int
	}{
		{0, 0, 1},
		{0, 2, 1},
		{1, 2, 2},
		{2, 2, 3},
		{5, 2, 3},  // requests clamped to limit
		{-1, 2, 1}, // negative requests clamped to zero
		{1, -3, 1}, // negative limit clamped to zero
	}
	for _, tt := range tests {
		if got := AllowedSubmissionCount(tt.requests, tt.limit); got != tt.want {
			t.Errorf("AllowedSubmissionCount(%d, %d) = %d, want %d", tt.requests, tt.limit, got, tt.want)
		}
	}
}

func TestPolicyAutoReleaseAt(t *testing.T) {
	policy := PolicyConfig{AccessGrace: 72 * time.Hour, FallbackWindow: 7 * 24 * time.Hour}
	submitted := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	access := submitted.Add(6 * time.Hour)

	t.Run("no proof yet", func(t *testing.T) {
		d := &Deal{}
		if got := policy.AutoReleaseAt(d, nil, nil); got != nil {
			t.Errorf("AutoReleaseAt = %v, want nil", got)
		}
	})

	t.Run("access based", func(t *testing.T) {
		d := &Deal{ProofSubmittedAt: &submitted}
		got := policy.AutoReleaseAt(d, &access, nil)
		if got == nil || !got.Equal(access.Add(72*time.Hour)) {
			t.Errorf("AutoReleaseAt = %v, want first access + grace", got)
		}
	})

	t.Run("fallback window without access", func(t *testing.T) {
		d := &Deal{ProofSubmittedAt: &submitted}
		got := policy.AutoReleaseAt(d, nil, nil)
		if got == nil || !got.Equal(submitted.Add(7*24*time.Hour)) {
			t.Errorf("AutoReleaseAt = %v, want proof + fallback", got)
		}
	})

	t.Run("milestone review window", func(t *testing.T) {
		d := &Deal{
			ProofSubmittedAt: &submitted,
			Milestones: []Milestone{
				{Amount: "40.00", ReviewWindowDays: 2},
				{Amount: "60.00", ReviewWindowDays: 10},
			},
		}
		got := policy.AutoReleaseAt(d, nil, []*MilestoneRelease{releasedRecord(d.ID, 0)})
		if got == nil || !got.Equal(submitted.AddDate(0, 0, 10)) {
			t.Errorf("AutoReleaseAt = %v, want next milestone's window", got)
		}
	})

	t.Run("all milestones released", func(t *testing.T) {
		d := &Deal{
			ProofSubmittedAt: &submitted,
			Milestones:       []Milestone{{Amount: "40.00"}},
		}
		if got := policy.AutoReleaseAt(d, nil, []*MilestoneRelease{releasedRecord(d.ID, 0)}); got != nil {
			t.Errorf("AutoReleaseAt = %v, want nil when nothing left", got)
		}
	})
}
