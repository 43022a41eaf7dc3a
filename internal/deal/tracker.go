package deal

import "time"

// DefaultReviewWindowDays is used when a milestone does not set its own
// review window.
const DefaultReviewWindowDays = 3

// NextUnreleasedIndex returns the first milestone index (in order) with
// no released record. The second return is false when every milestone
// has been released. Release order is strictly monotonic: index i+1 is
// never releasable while any index <= i remains unreleased.
func NextUnreleasedIndex(milestones []Milestone, releases []*MilestoneRelease) (int, bool) {
	released := make(map[int]bool, len(releases))
	for _, r := range releases {
		if r.Status == MilestoneReleased {
			released[r.Index] = true
		}
	}
	for i := range milestones {
		if !released[i] {
			return i, true
		}
	}
	return 0, false
}

// ReviewWindowDeadline computes when a milestone's review window closes.
func ReviewWindowDeadline(proofSubmittedAt time.Time, reviewWindowDays int) time.Time {
	if reviewWindowDays <= 0 {
		reviewWindowDays = DefaultReviewWindowDays
	}
	return proofSubmittedAt.AddDate(0, 0, reviewWindowDays)
}

// AllowedSubmissionCount returns how many proof submissions a seller may
// make: one initial delivery plus one per permitted revision round.
func AllowedSubmissionCount(revisionRequests, revisionLimit int) int {
	if revisionRequests < 0 {
		revisionRequests = 0
	}
	if revisionLimit < 0 {
		revisionLimit = 0
	}
	if revisionRequests > revisionLimit {
		revisionRequests = revisionLimit
	}
	return 1 + revisionRequests
}
