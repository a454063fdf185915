package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialect_Rebind(t *testing.T) {
	query := "UPDATE payments SET status = ? WHERE id = ? AND tenant_id = ?"

	assert.Equal(t, "UPDATE payments SET status = $1 WHERE id = $2 AND tenant_id = $3", Postgres.Rebind(query))
	assert.Equal(t, query, MySQL.Rebind(query))
}

func TestDialect_InsertIgnore(t *testing.T) {
	cols := []string{"message_id", "tenant_id"}

	assert.Equal(t,
		"INSERT INTO processed_messages (message_id, tenant_id) VALUES ($1, $2) ON CONFLICT (message_id, tenant_id) DO NOTHING",
		Postgres.InsertIgnore("processed_messages", cols, cols))
	assert.Equal(t,
		"INSERT IGNORE INTO processed_messages (message_id, tenant_id) VALUES (?, ?)",
		MySQL.InsertIgnore("processed_messages", cols, cols))
}

func TestDialect_IsUniqueViolation(t *testing.T) {
	assert.True(t, Postgres.IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, Postgres.IsUniqueViolation(&pgconn.PgError{Code: "40001"}))
	assert.True(t, MySQL.IsUniqueViolation(&mysql.MySQLError{Number: 1062}))
	assert.False(t, MySQL.IsUniqueViolation(errors.New("duplicate entry")))
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("PGX")
	require.NoError(t, err)
	assert.Equal(t, Postgres, d)
	assert.Equal(t, "pgx", d.DriverName())

	d, err = ParseDialect("mysql")
	require.NoError(t, err)
	assert.Equal(t, "mysql", d.DriverName())

	_, err = ParseDialect("oracle")
	assert.ErrorIs(t, err, ErrUnknownDialect)
}

func TestTxManager_WithinTenant_Commit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	txm := NewTxManager(db, Postgres)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT set_config").WithArgs("tenant-a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE payments").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = txm.WithinTenant(context.Background(), "tenant-a", func(ctx context.Context) error {
		tenantID, ok := TenantFrom(ctx)
		assert.True(t, ok)
		assert.Equal(t, "tenant-a", tenantID)

		_, err := txm.Conn(ctx).ExecContext(ctx, "UPDATE payments SET status = 'processed'")
		return err
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTxManager_WithinTenant_RollbackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	txm := NewTxManager(db, MySQL)
	handlerErr := errors.New("handler failed")

	mock.ExpectBegin()
	mock.ExpectExec("SET @app_tenant_id").WithArgs("tenant-a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = txm.WithinTenant(context.Background(), "tenant-a", func(ctx context.Context) error {
		return handlerErr
	})
	assert.ErrorIs(t, err, handlerErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTxManager_WithinTenant_RequiresTenant(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	err = NewTxManager(db, Postgres).WithinTenant(context.Background(), "", func(context.Context) error {
		t.Fatal("must not run")
		return nil
	})
	assert.ErrorIs(t, err, ErrMissingTenant)
}
