package credits

import (
	"context"
	"database/sql"
	"fmt"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx, so ledger mutations can be
// composed into a caller-owned transaction (the webhook reconciler does this).
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Service defines the interface for addon credit ledger operations
type Service interface {
	Grant(ctx context.Context, userID int64, quota string, amount int) error
	Balance(ctx context.Context, userID int64, quota string) (int, error)
	Balances(ctx context.Context, userID int64) (map[string]int, error)
	ConsumeAddon(ctx context.Context, userID int64, quota string) (bool, error)
}

// PostgresService implements Service using PostgreSQL
type PostgresService struct {
	db DBTX
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db DBTX) *PostgresService {
	return &PostgresService{db: db}
}

// WithTx returns a service bound to the given transaction
func (s *PostgresService) WithTx(tx *sql.Tx) *PostgresService {
	return &PostgresService{db: tx}
}

// Grant increases the user's addon balance for a quota by amount. Idempotency
// is the caller's responsibility; the reconciler calls this at most once per
// provider event id.
func (s *PostgresService) Grant(ctx context.Context, userID int64, quota string, amount int) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	query := `
		INSERT INTO user_credits (user_id, quota, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, quota) DO UPDATE
		SET balance = user_credits.balance + EXCLUDED.balance, updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, userID, quota, amount); err != nil {
		return fmt.Errorf("failed to grant credits: %w", err)
	}
	return nil
}

// Balance returns the user's current addon balance for a quota. A missing row
// is a zero balance, not an error.
func (s *PostgresService) Balance(ctx context.Context, userID int64, quota string) (int, error) {
	query := `SELECT balance FROM user_credits WHERE user_id = $1 AND quota = $2`
	var balance int
	err := s.db.QueryRowContext(ctx, query, userID, quota).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// Balances returns all non-zero addon balances for a user keyed by quota name
func (s *PostgresService) Balances(ctx context.Context, userID int64) (map[string]int, error) {
	query := `SELECT quota, balance FROM user_credits WHERE user_id = $1 AND balance > 0`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	defer rows.Close()

	balances := make(map[string]int)
	for rows.Next() {
		var quota string
		var balance int
		if err := rows.Scan(&quota, &balance); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		balances[quota] = balance
	}
	return balances, rows.Err()
}

// ConsumeAddon decrements the balance by one if and only if it is positive.
// The guard lives in the UPDATE itself so concurrent callers for the same
// user cannot drive the balance negative.
func (s *PostgresService) ConsumeAddon(ctx context.Context, userID int64, quota string) (bool, error) {
	query := `
		UPDATE user_credits
		SET balance = balance - 1, updated_at = NOW()
		WHERE user_id = $1 AND quota = $2 AND balance > 0
	`
	result, err := s.db.ExecContext(ctx, query, userID, quota)
	if err != nil {
		return false, fmt.Errorf("failed to consume addon credit: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}
