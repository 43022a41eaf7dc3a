package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/clearhold/clearhold/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetOrCreateAccount(ctx context.Context, userID, currency string) (*Account, error) {
	// Upsert keyed on (user_id, currency); the DO UPDATE is a no-op that
	// lets RETURNING see the existing row.
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO wallet_accounts (id, user_id, currency, available, pending, updated_at)
		VALUES ($1, $2, $3, 0, 0, NOW())
		ON CONFLICT (user_id, currency) DO UPDATE SET user_id = wallet_accounts.user_id
		RETURNING id, user_id, currency, available, pending, updated_at
	`, idgen.WithPrefix("wa_"), userID, currency)

	return scanAccount(row)
}

func (p *PostgresStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, currency, available, pending, updated_at
		FROM wallet_accounts WHERE id = $1
	`, accountID)

	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	return acct, err
}

// Apply inserts the entry and adjusts the cached balance in one
// serializable transaction. The UNIQUE constraint on idempotency_key is
// the exactly-once guard; the overdraft rule is enforced in the UPDATE's
// WHERE clause for non-overdraftable entry types.
func (p *PostgresStore) Apply(ctx context.Context, e *Entry) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Insert the entry first: a duplicate idempotency key aborts the
	// whole transaction before any balance movement.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, type, amount, related_deal_id, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5, $6, NOW())
	`, e.ID, e.AccountID, string(e.Type), e.Amount, nullString(e.RelatedDealID), e.IdempotencyKey)
	if err != nil {
		if isUniqueViolation(err) {
			DuplicateEntriesTotal.Inc()
			return ErrDuplicateEntry
		}
		return fmt.Errorf("failed to record entry: %w", err)
	}

	overdraftGuard := ""
	if !e.Type.AllowsOverdraft() {
		overdraftGuard = ` AND available + $2::NUMERIC(20,2) >= 0`
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE wallet_accounts SET
			available  = available + $2::NUMERIC(20,2),
			updated_at = NOW()
		WHERE id = $1`+overdraftGuard,
		e.AccountID, e.Amount)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Either the account is missing or the overdraft guard refused
		// the update. Distinguish for the caller.
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM wallet_accounts WHERE id = $1)`, e.AccountID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrAccountNotFound
		}
		return ErrInsufficientBalance
	}

	return tx.Commit()
}

func (p *PostgresStore) History(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, type, amount, related_deal_id, idempotency_key, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var typ string
		var relatedDealID sql.NullString
		if err := rows.Scan(&e.ID, &e.AccountID, &typ, &e.Amount, &relatedDealID, &e.IdempotencyKey, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EntryType(typ)
		e.RelatedDealID = relatedDealID.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) SumEntries(ctx context.Context, accountID string) (string, error) {
	var sum string
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)::NUMERIC(20,2) FROM ledger_entries WHERE account_id = $1
	`, accountID).Scan(&sum)
	return sum, err
}

func scanAccount(row *sql.Row) (*Account, error) {
	acct := &Account{}
	var updatedAt time.Time
	if err := row.Scan(&acct.ID, &acct.UserID, &acct.Currency, &acct.Available, &acct.Pending, &updatedAt); err != nil {
		return nil, err
	}
	acct.UpdatedAt = updatedAt
	return acct, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isUniqueViolation reports whether err is a PostgreSQL unique_violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
