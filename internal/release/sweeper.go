package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/clearhold/clearhold/internal/deal"
)

// ProofChecker reports whether a deal has at least one valid proof.
type ProofChecker interface {
	HasValidProof(ctx context.Context, dealID string) (bool, error)
}

// Sweeper periodically finds deals past their auto-release deadline and
// settles them through the orchestrator.
//
// Overlapping executions are safe: the orchestrator's per-deal lock
// ensures a deal selected by two concurrent sweeps is released at most
// once, and the loser observes lock-busy or an already-terminal state
// and moves on.
type Sweeper struct {
	orch     *Orchestrator
	deals    deal.Store
	guard    Freezer
	proofs   ProofChecker
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a new auto-release sweeper.
func NewSweeper(orch *Orchestrator, deals deal.Store, guard Freezer, proofs ProofChecker, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		orch:     orch,
		deals:    deals,
		guard:    guard,
		proofs:   proofs,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in auto-release sweep", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep runs one pass. Exported so tests and overlapping schedules can
// drive it directly; every pass is safe to interrupt and re-run.
func (s *Sweeper) Sweep(ctx context.Context) {
	SweepsTotal.Inc()
	start := time.Now()
	defer func() { SweepDuration.Observe(time.Since(start).Seconds()) }()

	eligible, err := s.deals.ListAutoReleasable(ctx, time.Now(), 100)
	if err != nil {
		s.logger.Warn("failed to list auto-releasable deals", "error", err)
		return
	}

	for _, d := range eligible {
		s.sweepOne(ctx, d)
	}
}

func (s *Sweeper) sweepOne(ctx context.Context, d *deal.Deal) {
	// Selection-time filters. Both are re-checked inside the release
	// lock; these just avoid pointless lock contention.
	ok, err := s.proofs.HasValidProof(ctx, d.ID)
	if err != nil {
		s.logger.Warn("failed to check proof", "dealId", d.ID, "error", err)
		return
	}
	if !ok {
		s.logger.Debug("skipping deal without valid proof", "dealId", d.ID)
		return
	}
	frozen, err := s.guard.IsFrozen(ctx, d.ID, nil)
	if err != nil {
		s.logger.Warn("failed to check dispute freeze", "dealId", d.ID, "error", err)
		return
	}
	if frozen {
		s.logger.Debug("skipping disputed deal", "dealId", d.ID)
		return
	}

	target := Full()
	if d.HasMilestones() {
		releases, err := s.deals.ListMilestoneReleases(ctx, d.ID)
		if err != nil {
			s.logger.Warn("failed to list milestone records", "dealId", d.ID, "error", err)
			return
		}
		next, ok := deal.NextUnreleasedIndex(d.Milestones, releases)
		if !ok {
			s.logger.Debug("skipping deal with all milestones released", "dealId", d.ID)
			return
		}
		target = ForMilestone(next)
	}

	result, err := s.orch.Release(ctx, d.ID, target, ActorSystem)
	if err != nil {
		switch {
		case errors.Is(err, ErrLockBusy):
			// Another trigger holds the deal; try again next sweep.
			s.logger.Debug("deal busy, deferring to next sweep", "dealId", d.ID)
		case errors.Is(err, ErrDisputeFrozen):
			s.logger.Debug("dispute opened before release, skipping", "dealId", d.ID)
		case errors.Is(err, deal.ErrInvalidTransition), errors.Is(err, ErrNothingToRelease):
			// Terminal or already settled by a competing trigger.
			s.logger.Debug("deal no longer releasable", "dealId", d.ID, "error", err)
		default:
			s.logger.Warn("auto-release failed", "dealId", d.ID, "error", err)
		}
		return
	}

	s.logger.Info("auto-released",
		"dealId", d.ID,
		"target", result.Target,
		"amount", result.Amount,
		"seller", result.SellerID,
	)
}
