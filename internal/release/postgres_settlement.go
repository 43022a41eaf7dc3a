package release

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/clearhold/clearhold/internal/deal"
	"github.com/clearhold/clearhold/internal/ledger"
)

// PostgresSettlement commits settlements as one serializable
// transaction spanning ledger_entries, wallet_accounts, deals, and
// milestone_releases. Any failure rolls everything back, so the ledger
// invariant holds at every commit point.
type PostgresSettlement struct {
	db *sql.DB
}

// NewPostgresSettlement creates a PostgreSQL-backed settlement store.
func NewPostgresSettlement(db *sql.DB) *PostgresSettlement {
	return &PostgresSettlement{db: db}
}

func (p *PostgresSettlement) Commit(ctx context.Context, s *Settlement) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if s.Entry != nil {
		// Entry insert first: a duplicate idempotency key aborts the
		// whole settlement before any balance or status movement.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, account_id, type, amount, related_deal_id, idempotency_key, created_at)
			VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5, $6, $7)
		`, s.Entry.ID, s.Entry.AccountID, string(s.Entry.Type), s.Entry.Amount,
			s.Entry.RelatedDealID, s.Entry.IdempotencyKey, s.Entry.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ledger.ErrDuplicateEntry
			}
			return fmt.Errorf("failed to record ledger entry: %w", err)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE wallet_accounts SET
				available  = available + $2::NUMERIC(20,2),
				updated_at = NOW()
			WHERE id = $1
		`, s.Entry.AccountID, s.Entry.Amount)
		if err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return ledger.ErrAccountNotFound
		}
	}

	d := s.Deal
	milestones, err := json.Marshal(d.Milestones)
	if err != nil {
		return fmt.Errorf("failed to encode milestones: %w", err)
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE deals SET
			status = $2, version = version + 1,
			released_at = $3, auto_release_at = $4,
			external_transfer_ref = $5, milestones = $6, updated_at = $7
		WHERE id = $1 AND version = $8
	`, d.ID, string(d.Status), d.ReleasedAt, d.AutoReleaseAt,
		nullStr(d.ExternalTransferRef), milestones, d.UpdatedAt, d.Version)
	if err != nil {
		return fmt.Errorf("failed to update deal: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return deal.ErrVersionConflict
	}

	if s.MilestoneIndex != nil {
		result, err := tx.ExecContext(ctx, `
			UPDATE milestone_releases SET
				status = 'released',
				released_at = NOW(),
				transfer_ref = COALESCE(NULLIF($3, ''), transfer_ref)
			WHERE deal_id = $1 AND milestone_index = $2 AND status = 'pending'
		`, d.ID, *s.MilestoneIndex, s.TransferRef)
		if err != nil {
			return fmt.Errorf("failed to mark milestone released: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return deal.ErrAlreadyReleased
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	d.Version++
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
