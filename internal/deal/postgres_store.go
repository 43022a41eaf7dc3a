package deal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed deal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const dealColumns = `id, status, buyer_id, seller_id, subtotal, buyer_fee, seller_fee, seller_net,
	currency, version, milestones, revision_limit, revision_requests, submissions,
	proof_submitted_at, funded_at, released_at, auto_release_at,
	external_payment_ref, external_transfer_ref, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Deal) error {
	milestones, err := json.Marshal(d.Milestones)
	if err != nil {
		return fmt.Errorf("failed to encode milestones: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO deals (`+dealColumns+`)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6::NUMERIC(20,2), $7::NUMERIC(20,2), $8::NUMERIC(20,2),
			$9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`, d.ID, string(d.Status), d.BuyerID, d.SellerID, d.Subtotal, d.BuyerFee, d.SellerFee, d.SellerNet,
		d.Currency, d.Version, milestones, d.RevisionLimit, d.RevisionRequests, d.Submissions,
		d.ProofSubmittedAt, d.FundedAt, d.ReleasedAt, d.AutoReleaseAt,
		nullStr(d.ExternalPaymentRef), nullStr(d.ExternalTransferRef), d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert deal: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Deal, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id)
	d, err := scanDeal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDealNotFound
	}
	return d, err
}

// UpdateVersioned performs the compare-and-swap write: the UPDATE is
// conditioned on the stored version matching, and bumps it atomically.
func (p *PostgresStore) UpdateVersioned(ctx context.Context, d *Deal) error {
	milestones, err := json.Marshal(d.Milestones)
	if err != nil {
		return fmt.Errorf("failed to encode milestones: %w", err)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE deals SET
			status = $2, seller_net = $3::NUMERIC(20,2), version = version + 1, milestones = $4,
			revision_limit = $5, revision_requests = $6, submissions = $7,
			proof_submitted_at = $8, funded_at = $9, released_at = $10, auto_release_at = $11,
			external_payment_ref = $12, external_transfer_ref = $13, updated_at = $14
		WHERE id = $1 AND version = $15
	`, d.ID, string(d.Status), d.SellerNet, milestones,
		d.RevisionLimit, d.RevisionRequests, d.Submissions,
		d.ProofSubmittedAt, d.FundedAt, d.ReleasedAt, d.AutoReleaseAt,
		nullStr(d.ExternalPaymentRef), nullStr(d.ExternalTransferRef), d.UpdatedAt, d.Version)
	if err != nil {
		return fmt.Errorf("failed to update deal: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM deals WHERE id = $1)`, d.ID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrDealNotFound
		}
		return ErrVersionConflict
	}
	d.Version++
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, userID string, limit int) ([]*Deal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	return scanDeals(rows)
}

func (p *PostgresStore) ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Deal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE status IN ('proof_submitted', 'under_review')
		  AND auto_release_at IS NOT NULL
		  AND auto_release_at <= $1
		ORDER BY auto_release_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	return scanDeals(rows)
}

func (p *PostgresStore) CreateMilestoneReleases(ctx context.Context, dealID string, count int) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for i := 0; i < count; i++ {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO milestone_releases (deal_id, milestone_index, status)
			VALUES ($1, $2, 'pending')
			ON CONFLICT (deal_id, milestone_index) DO NOTHING
		`, dealID, i)
		if err != nil {
			return fmt.Errorf("failed to create milestone record %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) ListMilestoneReleases(ctx context.Context, dealID string) ([]*MilestoneRelease, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT deal_id, milestone_index, status, released_at, COALESCE(transfer_ref, '')
		FROM milestone_releases
		WHERE deal_id = $1
		ORDER BY milestone_index ASC
	`, dealID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*MilestoneRelease
	for rows.Next() {
		r := &MilestoneRelease{}
		var status string
		if err := rows.Scan(&r.DealID, &r.Index, &status, &r.ReleasedAt, &r.TransferRef); err != nil {
			return nil, err
		}
		r.Status = MilestoneReleaseStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkMilestoneReleased(ctx context.Context, dealID string, index int, transferRef string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE milestone_releases SET
			status = 'released',
			released_at = NOW(),
			transfer_ref = COALESCE(NULLIF($3, ''), transfer_ref)
		WHERE deal_id = $1 AND milestone_index = $2 AND status = 'pending'
	`, dealID, index, transferRef)
	if err != nil {
		return fmt.Errorf("failed to mark milestone released: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM milestone_releases WHERE deal_id = $1 AND milestone_index = $2)`,
			dealID, index,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrDealNotFound
		}
		return ErrAlreadyReleased
	}
	return nil
}

func (p *PostgresStore) SetMilestoneTransferRef(ctx context.Context, dealID string, index int, transferRef string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE milestone_releases SET transfer_ref = $3
		WHERE deal_id = $1 AND milestone_index = $2
	`, dealID, index, transferRef)
	if err != nil {
		return fmt.Errorf("failed to store transfer ref: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrDealNotFound
	}
	return nil
}

func scanDeal(row *sql.Row) (*Deal, error) {
	d := &Deal{}
	var status string
	var milestones []byte
	var paymentRef, transferRef sql.NullString
	if err := row.Scan(&d.ID, &status, &d.BuyerID, &d.SellerID, &d.Subtotal, &d.BuyerFee, &d.SellerFee, &d.SellerNet,
		&d.Currency, &d.Version, &milestones, &d.RevisionLimit, &d.RevisionRequests, &d.Submissions,
		&d.ProofSubmittedAt, &d.FundedAt, &d.ReleasedAt, &d.AutoReleaseAt,
		&paymentRef, &transferRef, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return finishDeal(d, status, milestones, paymentRef, transferRef)
}

func scanDeals(rows *sql.Rows) ([]*Deal, error) {
	defer func() { _ = rows.Close() }()

	var out []*Deal
	for rows.Next() {
		d := &Deal{}
		var status string
		var milestones []byte
		var paymentRef, transferRef sql.NullString
		if err := rows.Scan(&d.ID, &status, &d.BuyerID, &d.SellerID, &d.Subtotal, &d.BuyerFee, &d.SellerFee, &d.SellerNet,
			&d.Currency, &d.Version, &milestones, &d.RevisionLimit, &d.RevisionRequests, &d.Submissions,
			&d.ProofSubmittedAt, &d.FundedAt, &d.ReleasedAt, &d.AutoReleaseAt,
			&paymentRef, &transferRef, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		full, err := finishDeal(d, status, milestones, paymentRef, transferRef)
		if err != nil {
			return nil, err
		}
		out = append(out, full)
	}
	return out, rows.Err()
}

func finishDeal(d *Deal, status string, milestones []byte, paymentRef, transferRef sql.NullString) (*Deal, error) {
	d.Status = Status(status)
	d.ExternalPaymentRef = paymentRef.String
	d.ExternalTransferRef = transferRef.String
	if len(milestones) > 0 {
		if err := json.Unmarshal(milestones, &d.Milestones); err != nil {
			return nil, fmt.Errorf("failed to decode milestones: %w", err)
		}
	}
	return d, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
