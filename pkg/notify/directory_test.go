package notify

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresDirectoryEmail(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT email FROM users WHERE id = \\$1").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("owner@rankforge.io"))

	dir := NewPostgresDirectory(db)
	email, err := dir.Email(context.Background(), 42)
	assert.NoError(t, err)
	assert.Equal(t, "owner@rankforge.io", email)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDirectoryEmailNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT email FROM users WHERE id = \\$1").
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"email"}))

	dir := NewPostgresDirectory(db)
	_, err = dir.Email(context.Background(), 99)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
