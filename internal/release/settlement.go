package release

import (
	"context"

	"github.com/clearhold/clearhold/internal/deal"
	"github.com/clearhold/clearhold/internal/ledger"
)

// Settlement is the atomic unit persisted for one release: the ledger
// credit, the wallet balance movement, the deal update, and (for
// milestone releases) the milestone record flip commit or roll back
// together. No intermediate state is ever durably observable.
type Settlement struct {
	// Deal carries the mutated fields and the version read at the start
	// of the operation; the store's write is conditioned on it.
	Deal *deal.Deal

	// MilestoneIndex is set for milestone releases; the pending record
	// at this index is flipped to released.
	MilestoneIndex *int

	// TransferRef is the external transfer reference to record on the
	// milestone release, when one was obtained.
	TransferRef string

	// Entry is the credit to append. Nil for settlements that move no
	// internal funds (full refunds).
	Entry *ledger.Entry
}

// SettlementStore commits settlements atomically.
//
// Error mapping: a stale deal version returns deal.ErrVersionConflict
// (caller retries the whole operation from a fresh read); a duplicate
// entry idempotency key returns ledger.ErrDuplicateEntry; a milestone
// already released returns deal.ErrAlreadyReleased. In every error case
// nothing is persisted.
type SettlementStore interface {
	Commit(ctx context.Context, s *Settlement) error
}
