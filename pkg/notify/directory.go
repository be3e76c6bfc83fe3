package notify

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresDirectory resolves user emails from the application's users table.
// The table is owned by the account service; this package only reads it.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a directory backed by the given database
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// Email returns the address on file for a user
func (d *PostgresDirectory) Email(ctx context.Context, userID int64) (string, error) {
	var email string
	err := d.db.QueryRowContext(ctx,
		"SELECT email FROM users WHERE id = $1", userID).Scan(&email)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("user %d not found", userID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up user %d: %w", userID, err)
	}
	return email, nil
}
