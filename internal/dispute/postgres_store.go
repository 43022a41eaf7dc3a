package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, deal_id, milestone_index, status, reason_code, opened_by,
	COALESCE(resolution, ''), resolved_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (id, deal_id, milestone_index, status, reason_code, opened_by, resolution, resolved_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10)
	`, d.ID, d.DealID, d.MilestoneIndex, string(d.Status), d.ReasonCode, d.OpenedBy,
		d.Resolution, d.ResolvedAt, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dispute: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)

	d := &Dispute{}
	var status string
	var milestoneIndex sql.NullInt64
	err := row.Scan(&d.ID, &d.DealID, &milestoneIndex, &status, &d.ReasonCode, &d.OpenedBy,
		&d.Resolution, &d.ResolvedAt, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	if milestoneIndex.Valid {
		i := int(milestoneIndex.Int64)
		d.MilestoneIndex = &i
	}
	return d, nil
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $2, resolution = NULLIF($3, ''), resolved_at = $4, updated_at = $5
		WHERE id = $1
	`, d.ID, string(d.Status), d.Resolution, d.ResolvedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update dispute: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) ListOpenByDeal(ctx context.Context, dealID string) ([]*Dispute, error) {
	return p.list(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE deal_id = $1 AND status = 'open'`, dealID)
}

func (p *PostgresStore) ListByDeal(ctx context.Context, dealID string) ([]*Dispute, error) {
	return p.list(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE deal_id = $1 ORDER BY created_at DESC`, dealID)
}

func (p *PostgresStore) list(ctx context.Context, query, dealID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, query, dealID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Dispute
	for rows.Next() {
		d := &Dispute{}
		var status string
		var milestoneIndex sql.NullInt64
		if err := rows.Scan(&d.ID, &d.DealID, &milestoneIndex, &status, &d.ReasonCode, &d.OpenedBy,
			&d.Resolution, &d.ResolvedAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Status = Status(status)
		if milestoneIndex.Valid {
			i := int(milestoneIndex.Int64)
			d.MilestoneIndex = &i
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
