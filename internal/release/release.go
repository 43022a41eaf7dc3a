// Package release is the settlement core: it turns a release trigger —
// buyer action, admin dispute resolution, or the auto-release sweep —
// into exactly one ledger credit and one status advance per target.
//
// All triggers funnel through Orchestrator.Release; there is no
// separate admin path. Serialization is per deal: a bounded-wait keyed
// lock is the sole mutual exclusion point, the dispute freeze is
// re-checked inside it, and persistence uses optimistic versioning with
// the whole operation retried on conflict. The external payout call
// happens outside the atomic unit; the internal ledger is the source of
// truth and a failed transfer leaves the release complete with the
// payout flagged for manual follow-up.
package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clearhold/clearhold/internal/deal"
	"github.com/clearhold/clearhold/internal/idgen"
	"github.com/clearhold/clearhold/internal/ledger"
	"github.com/clearhold/clearhold/internal/money"
	"github.com/clearhold/clearhold/internal/payout"
	"github.com/clearhold/clearhold/internal/retry"
	"github.com/clearhold/clearhold/internal/syncutil"
	"github.com/clearhold/clearhold/internal/traces"
)

var (
	// ErrLockBusy means the per-deal lock was not acquired within the
	// bounded wait. Retryable; the sweeper just tries next cycle.
	ErrLockBusy = errors.New("release: deal busy, retry")

	// ErrDisputeFrozen means an open dispute blocks this release.
	ErrDisputeFrozen = errors.New("release: blocked by open dispute")

	// ErrMilestoneOrder means the requested milestone is not the next
	// unreleased one. Release order is strictly monotonic.
	ErrMilestoneOrder = errors.New("release: milestone out of order")

	// ErrNothingToRelease means all funds for the deal are already
	// settled.
	ErrNothingToRelease = errors.New("release: nothing left to release")

	// ErrRefundTooLarge means a partial refund would meet or exceed the
	// buyer's total payment. Rejected before any mutation.
	ErrRefundTooLarge = errors.New("release: refund amount exceeds buyer total")
)

// ActorSystem identifies releases triggered by the auto-release sweep.
const ActorSystem = "system"

// Target selects what to release: the whole deal or one milestone.
type Target struct {
	milestone *int
}

// Full targets the deal's entire remaining seller net.
func Full() Target { return Target{} }

// ForMilestone targets one milestone by index.
func ForMilestone(i int) Target { return Target{milestone: &i} }

// Milestone returns the targeted milestone index, if any.
func (t Target) Milestone() (int, bool) {
	if t.milestone == nil {
		return 0, false
	}
	return *t.milestone, true
}

// kind is the low-cardinality form used as a metric label.
func (t Target) kind() string {
	if t.milestone == nil {
		return "full"
	}
	return "milestone"
}

func (t Target) String() string {
	if t.milestone == nil {
		return "full"
	}
	return fmt.Sprintf("milestone:%d", *t.milestone)
}

// idempotencyKey is stable across retries and process restarts: it is
// derived from the deal ID and the target, never from random state.
func (t Target) idempotencyKey(dealID string) string {
	if t.milestone == nil {
		return dealID + ":full"
	}
	return fmt.Sprintf("%s:ms:%d", dealID, *t.milestone)
}

// Result describes one completed settlement, for notification and
// display. TransferPending is set when the external payout call failed
// and needs manual follow-up; the internal credit is complete either way.
type Result struct {
	Deal            *deal.Deal `json:"deal"`
	Target          string     `json:"target"`
	MilestoneIndex  *int       `json:"milestoneIndex,omitempty"`
	Amount          string     `json:"amount"`
	Currency        string     `json:"currency"`
	SellerID        string     `json:"sellerId"`
	AccountID       string     `json:"accountId"`
	TransferID      string     `json:"transferId,omitempty"`
	TransferPending bool       `json:"transferPending,omitempty"`
	RefundID        string     `json:"refundId,omitempty"`
	RefundAmount    string     `json:"refundAmount,omitempty"`
	Actor           string     `json:"actor"`
}

// Freezer answers whether release is blocked by an open dispute.
type Freezer interface {
	IsFrozen(ctx context.Context, dealID string, milestoneIndex *int) (bool, error)
}

// Notifier is told about completed settlements, fire-and-forget: its
// failure never rolls back a release.
type Notifier interface {
	Released(r *Result)
	Refunded(r *Result)
}

// Orchestrator coordinates the release path.
type Orchestrator struct {
	deals    deal.Store
	guard    Freezer
	wallets  *ledger.Service
	provider payout.Provider
	settle   SettlementStore
	locks    *syncutil.KeyedMutex
	lockWait time.Duration
	logger   *slog.Logger
	notifier Notifier
}

// NewOrchestrator creates a release orchestrator.
func NewOrchestrator(deals deal.Store, guard Freezer, wallets *ledger.Service, provider payout.Provider, settle SettlementStore, lockWait time.Duration, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		deals:    deals,
		guard:    guard,
		wallets:  wallets,
		provider: provider,
		settle:   settle,
		locks:    syncutil.NewKeyedMutex(),
		lockWait: lockWait,
		logger:   logger,
	}
}

// WithNotifier adds a settlement notifier.
func (o *Orchestrator) WithNotifier(n Notifier) *Orchestrator {
	o.notifier = n
	return o
}

// Release settles funds for a deal: the full remaining seller net, or
// one milestone's fixed amount. Safe under concurrent triggers — the
// per-deal lock serializes, the freeze guard is re-checked inside it,
// and the deterministic idempotency key caps the financial effect at
// exactly once per target.
func (o *Orchestrator) Release(ctx context.Context, dealID string, target Target, actor string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "release.Release", traces.DealID(dealID), traces.Actor(actor))
	defer span.End()

	done := observeRelease(target.kind())

	unlock, err := o.locks.Lock(ctx, dealID, o.lockWait)
	if err != nil {
		done("lock_busy")
		if errors.Is(err, syncutil.ErrBusy) {
			return nil, ErrLockBusy
		}
		return nil, err
	}
	defer unlock()

	var result *Result
	err = retry.Do(ctx, 3, 20*time.Millisecond, func() error {
		r, err := o.releaseOnce(ctx, dealID, target, actor)
		if err != nil {
			// A version conflict means a concurrent writer advanced the
			// deal; retry the whole operation from a fresh read.
			if errors.Is(err, deal.ErrVersionConflict) {
				return err
			}
			return retry.Permanent(err)
		}
		result = r
		return nil
	})
	if err != nil {
		done("error")
		return nil, err
	}
	done("ok")

	o.logger.Info("released",
		"dealId", dealID,
		"target", result.Target,
		"amount", result.Amount,
		"seller", result.SellerID,
		"transferPending", result.TransferPending,
		"actor", actor,
	)
	if o.notifier != nil {
		o.notifier.Released(result)
	}
	return result, nil
}

// releaseOnce runs one attempt of the release under the held lock.
// Every failure before the settlement commit leaves no financial trace.
func (o *Orchestrator) releaseOnce(ctx context.Context, dealID string, target Target, actor string) (*Result, error) {
	d, err := o.deals.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}

	// Freeze check happens here, after lock acquisition: a dispute that
	// became durable before this read always wins the race.
	frozen, err := o.guard.IsFrozen(ctx, dealID, target.milestone)
	if err != nil {
		return nil, err
	}
	if frozen {
		return nil, ErrDisputeFrozen
	}

	releases, err := o.deals.ListMilestoneReleases(ctx, dealID)
	if err != nil {
		return nil, err
	}

	amount, final, err := o.resolveAmount(d, target, releases)
	if err != nil {
		return nil, err
	}

	// The release must be a legal transition from the current state
	// even when a non-final milestone leaves the status unchanged.
	if err := deal.ValidateTransition(d.Status, deal.StatusReleased); err != nil {
		return nil, err
	}

	account, err := o.wallets.Account(ctx, d.SellerID, d.Currency)
	if err != nil {
		return nil, err
	}

	idemKey := target.idempotencyKey(dealID)
	transferID, transferPending := o.ensureTransfer(ctx, d, target, releases, amount, idemKey)

	now := time.Now()
	if final {
		d.Status = deal.StatusReleased
		d.ReleasedAt = &now
		d.AutoReleaseAt = nil
		if target.milestone == nil {
			d.ExternalTransferRef = transferID
		}
	} else if i, ok := target.Milestone(); ok {
		// Next milestone's review window restarts from the existing
		// proof submission.
		if d.ProofSubmittedAt != nil && i+1 < len(d.Milestones) {
			at := deal.ReviewWindowDeadline(*d.ProofSubmittedAt, d.Milestones[i+1].ReviewWindowDays)
			d.AutoReleaseAt = &at
		}
	}
	d.UpdatedAt = now

	s := &Settlement{
		Deal:           d,
		MilestoneIndex: target.milestone,
		TransferRef:    transferID,
		Entry: &ledger.Entry{
			ID:             idgen.WithPrefix("le_"),
			AccountID:      account.ID,
			Type:           ledger.EntryCreditRelease,
			Amount:         amount,
			RelatedDealID:  dealID,
			IdempotencyKey: idemKey,
			CreatedAt:      now,
		},
	}
	if err := o.settle.Commit(ctx, s); err != nil {
		return nil, err
	}

	return &Result{
		Deal:            d,
		Target:          target.String(),
		MilestoneIndex:  target.milestone,
		Amount:          amount,
		Currency:        d.Currency,
		SellerID:        d.SellerID,
		AccountID:       account.ID,
		TransferID:      transferID,
		TransferPending: transferPending,
		Actor:           actor,
	}, nil
}

// resolveAmount computes what this target pays out and whether the deal
// reaches released. Full targets pay the seller net minus anything
// already credited for milestones; milestone targets pay the fixed
// milestone amount and must hit the next unreleased index.
func (o *Orchestrator) resolveAmount(d *deal.Deal, target Target, releases []*deal.MilestoneRelease) (amount string, final bool, err error) {
	if i, ok := target.Milestone(); ok {
		if !d.HasMilestones() {
			return "", false, fmt.Errorf("%w: deal %s has no milestones", ErrMilestoneOrder, d.ID)
		}
		if i < 0 || i >= len(d.Milestones) {
			return "", false, fmt.Errorf("%w: index %d out of range", ErrMilestoneOrder, i)
		}
		next, ok := deal.NextUnreleasedIndex(d.Milestones, releases)
		if !ok {
			return "", false, ErrNothingToRelease
		}
		if i != next {
			return "", false, fmt.Errorf("%w: index %d requested, next unreleased is %d", ErrMilestoneOrder, i, next)
		}
		return d.Milestones[i].Amount, i == len(d.Milestones)-1, nil
	}

	amount = d.SellerNet
	for _, r := range releases {
		if r.Status == deal.MilestoneReleased {
			amount = money.Sub(amount, d.Milestones[r.Index].Amount)
		}
	}
	if err := money.ValidatePositive(amount); err != nil {
		return "", false, ErrNothingToRelease
	}
	return amount, true, nil
}

// ensureTransfer obtains the external transfer for this target, reusing
// any previously stored reference rather than issuing a new transfer.
// A provider failure is non-fatal: the settlement proceeds and the
// payout is flagged pending for manual reconciliation.
func (o *Orchestrator) ensureTransfer(ctx context.Context, d *deal.Deal, target Target, releases []*deal.MilestoneRelease, amount, idemKey string) (transferID string, pending bool) {
	if i, ok := target.Milestone(); ok {
		for _, r := range releases {
			if r.Index == i && r.TransferRef != "" {
				return r.TransferRef, false
			}
		}
	} else if d.ExternalTransferRef != "" {
		return d.ExternalTransferRef, false
	}

	transferID, err := o.provider.CreateTransfer(ctx, amount, d.Currency, d.SellerID, idemKey)
	if err != nil {
		TransfersPendingTotal.Inc()
		o.logger.Error("external transfer failed, settling internally and flagging for follow-up",
			"dealId", d.ID,
			"target", target.String(),
			"amount", amount,
			"error", err,
		)
		return "", true
	}
	return transferID, false
}

// RetryTransfers re-drives external payouts for milestone releases that
// settled with the transfer flagged pending. The internal credits are
// already final; only the rail calls repeat, under the same deterministic
// idempotency keys, and each obtained reference is recorded so a later
// retry skips it. Returns the transfer references issued this call.
func (o *Orchestrator) RetryTransfers(ctx context.Context, dealID string) ([]string, error) {
	ctx, span := traces.StartSpan(ctx, "release.RetryTransfers", traces.DealID(dealID))
	defer span.End()

	unlock, err := o.locks.Lock(ctx, dealID, o.lockWait)
	if err != nil {
		if errors.Is(err, syncutil.ErrBusy) {
			return nil, ErrLockBusy
		}
		return nil, err
	}
	defer unlock()

	d, err := o.deals.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	releases, err := o.deals.ListMilestoneReleases(ctx, dealID)
	if err != nil {
		return nil, err
	}

	var refs []string
	for _, r := range releases {
		if r.Status != deal.MilestoneReleased || r.TransferRef != "" {
			continue
		}
		transferID, err := o.provider.CreateTransfer(ctx, d.Milestones[r.Index].Amount, d.Currency, d.SellerID,
			ForMilestone(r.Index).idempotencyKey(dealID))
		if err != nil {
			return refs, fmt.Errorf("release: retry transfer for milestone %d: %w", r.Index, err)
		}
		if err := o.deals.SetMilestoneTransferRef(ctx, dealID, r.Index, transferID); err != nil {
			return refs, err
		}
		o.logger.Info("pending transfer completed",
			"dealId", dealID,
			"milestone", r.Index,
			"transferId", transferID,
		)
		refs = append(refs, transferID)
	}
	return refs, nil
}

// Refund settles a resolved dispute by returning money to the buyer on
// the original payment rail. An empty amount refunds the buyer's whole
// payment and cancels the deal; a partial amount (strictly below the
// buyer total) refunds the buyer and releases the remainder of the
// seller net to the seller's wallet.
func (o *Orchestrator) Refund(ctx context.Context, dealID, amount, actor string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "release.Refund", traces.DealID(dealID), traces.Actor(actor))
	defer span.End()

	unlock, err := o.locks.Lock(ctx, dealID, o.lockWait)
	if err != nil {
		if errors.Is(err, syncutil.ErrBusy) {
			return nil, ErrLockBusy
		}
		return nil, err
	}
	defer unlock()

	var result *Result
	err = retry.Do(ctx, 3, 20*time.Millisecond, func() error {
		r, err := o.refundOnce(ctx, dealID, amount, actor)
		if err != nil {
			if errors.Is(err, deal.ErrVersionConflict) {
				return err
			}
			return retry.Permanent(err)
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("refunded",
		"dealId", dealID,
		"refundAmount", result.RefundAmount,
		"remainderReleased", result.Amount,
		"actor", actor,
	)
	if o.notifier != nil {
		o.notifier.Refunded(result)
	}
	return result, nil
}

func (o *Orchestrator) refundOnce(ctx context.Context, dealID, amount, actor string) (*Result, error) {
	d, err := o.deals.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}

	buyerTotal := d.BuyerTotal()
	full := amount == ""
	if full {
		amount = buyerTotal
	} else {
		if err := money.ValidatePositive(amount); err != nil {
			return nil, fmt.Errorf("release: invalid refund amount %q", amount)
		}
		// A partial amount must leave something for the seller; an
		// explicit amount meeting the buyer total is rejected, full
		// refunds are requested with an empty amount. Checked before
		// any mutation: the rail call below is the first effectful step.
		if money.Cmp(amount, buyerTotal) >= 0 {
			return nil, ErrRefundTooLarge
		}
	}

	next := deal.StatusReleased
	if full {
		next = deal.StatusCanceled
	}
	if err := deal.ValidateTransition(d.Status, next); err != nil {
		return nil, err
	}
	if d.ExternalPaymentRef == "" {
		return nil, fmt.Errorf("release: deal %s has no payment reference to refund", dealID)
	}

	// The key is stable across version-conflict retries, so a conflict
	// between the rail call and the commit cannot refund the buyer twice.
	refundID, err := o.provider.Refund(ctx, d.ExternalPaymentRef, amount, dealID+":refund")
	if err != nil {
		// Unlike transfers, a failed refund aborts: nothing has been
		// persisted yet and the buyer got nothing back.
		return nil, err
	}

	now := time.Now()
	d.Status = next
	d.AutoReleaseAt = nil
	d.UpdatedAt = now

	result := &Result{
		Deal:         d,
		Target:       "refund",
		Currency:     d.Currency,
		SellerID:     d.SellerID,
		RefundID:     refundID,
		RefundAmount: amount,
		Actor:        actor,
	}

	if full {
		// No internal funds were ever credited; only the deal advances.
		if err := o.settle.Commit(ctx, &Settlement{Deal: d}); err != nil {
			return nil, err
		}
		return result, nil
	}

	remainder := money.Sub(d.SellerNet, amount)
	if v, ok := money.Parse(remainder); !ok || v.Sign() <= 0 {
		// The refund consumed the whole seller net; nothing to credit.
		d.Status = deal.StatusCanceled
		if err := o.settle.Commit(ctx, &Settlement{Deal: d}); err != nil {
			return nil, err
		}
		result.Deal = d
		return result, nil
	}

	account, err := o.wallets.Account(ctx, d.SellerID, d.Currency)
	if err != nil {
		return nil, err
	}
	d.ReleasedAt = &now
	if err := o.settle.Commit(ctx, &Settlement{
		Deal: d,
		Entry: &ledger.Entry{
			ID:             idgen.WithPrefix("le_"),
			AccountID:      account.ID,
			Type:           ledger.EntryCreditRelease,
			Amount:         remainder,
			RelatedDealID:  dealID,
			IdempotencyKey: dealID + ":refund:remainder",
			CreatedAt:      now,
		},
	}); err != nil {
		return nil, err
	}

	result.Amount = remainder
	result.AccountID = account.ID
	return result, nil
}
