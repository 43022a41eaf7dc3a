package deal

import "time"

// PolicyConfig holds the auto-release deadline parameters.
type PolicyConfig struct {
	// AccessGrace is added to the buyer's first content access for
	// non-milestone deals.
	AccessGrace time.Duration
	// FallbackWindow applies from proof submission when the buyer has
	// not accessed the delivered content yet.
	FallbackWindow time.Duration
}

// AutoReleaseAt computes when the deal becomes eligible for automatic
// release, or nil when no deadline applies yet.
//
// Milestone deals use the next unreleased milestone's review window
// counted from proof submission. Non-milestone deals use the buyer's
// first recorded access plus a grace period, falling back to a fixed
// window from proof submission when no access has been recorded.
func (p PolicyConfig) AutoReleaseAt(d *Deal, firstAccess *time.Time, releases []*MilestoneRelease) *time.Time {
	if d.ProofSubmittedAt == nil {
		return nil
	}

	if d.HasMilestones() {
		i, ok := NextUnreleasedIndex(d.Milestones, releases)
		if !ok {
			return nil
		}
		at := ReviewWindowDeadline(*d.ProofSubmittedAt, d.Milestones[i].ReviewWindowDays)
		return &at
	}

	if firstAccess != nil {
		at := firstAccess.Add(p.AccessGrace)
		return &at
	}
	at := d.ProofSubmittedAt.Add(p.FallbackWindow)
	return &at
}
