package proof

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed proof store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateProof(ctx context.Context, pr *Proof) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO proofs (id, deal_id, reference, valid, submitted_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
	`, pr.ID, pr.DealID, pr.Reference, pr.Valid, pr.SubmittedAt)
	if err != nil {
		return fmt.Errorf("failed to insert proof: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListProofs(ctx context.Context, dealID string) ([]*Proof, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, deal_id, COALESCE(reference, ''), valid, submitted_at
		FROM proofs WHERE deal_id = $1
		ORDER BY submitted_at DESC
	`, dealID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Proof
	for rows.Next() {
		pr := &Proof{}
		if err := rows.Scan(&pr.ID, &pr.DealID, &pr.Reference, &pr.Valid, &pr.SubmittedAt); err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RecordAccess(ctx context.Context, a *Access) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO content_accesses (deal_id, user_id, accessed_at)
		VALUES ($1, $2, $3)
	`, a.DealID, a.UserID, a.AccessedAt)
	if err != nil {
		return fmt.Errorf("failed to record access: %w", err)
	}
	return nil
}

func (p *PostgresStore) FirstAccess(ctx context.Context, dealID string) (*time.Time, error) {
	var first sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT MIN(accessed_at) FROM content_accesses WHERE deal_id = $1
	`, dealID).Scan(&first)
	if err != nil {
		return nil, err
	}
	if !first.Valid {
		return nil, nil
	}
	return &first.Time, nil
}
