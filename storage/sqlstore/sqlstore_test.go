package sqlstore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overtonx/loanbus/storage"
)

var eventRowColumns = []string{"id", "tenant_id", "event_id", "event_type", "aggregate_type", "aggregate_id", "version", "topic", "payload", "headers", "attempt_count", "last_error", "created_at"}

func newTestStore(t *testing.T, dialect storage.Dialect) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewSQLStore(db, dialect, nil)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }
	return store, mock
}

func TestSQLStore_CreateEvent(t *testing.T) {
	ctx := context.Background()
	event := &storage.EventRecord{
		TenantID:      "tenant-a",
		EventID:       "4c1f2c52-0f55-4c4f-9a55-5f8c9d3f7c11",
		EventType:     "payment.processed",
		AggregateType: "payment",
		AggregateID:   "pay-1",
		Version:       1,
		Topic:         "payment.processed",
		Payload:       []byte(`{"paymentId":"pay-1"}`),
	}

	t.Run("postgres placeholders", func(t *testing.T) {
		store, mock := newTestStore(t, storage.Postgres)
		mock.ExpectExec(`INSERT INTO outbox_events .* VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8, \$9, \$10\)`).
			WithArgs("tenant-a", event.EventID, "payment.processed", "payment", "pay-1", 1, "payment.processed", event.Payload, nil, storage.StatusNew).
			WillReturnResult(sqlmock.NewResult(1, 1))

		require.NoError(t, store.CreateEvent(ctx, store.db, event))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate event id on mysql", func(t *testing.T) {
		store, mock := newTestStore(t, storage.MySQL)
		mock.ExpectExec(`INSERT INTO outbox_events`).WillReturnError(&mysql.MySQLError{Number: 1062})

		err := store.CreateEvent(ctx, store.db, event)
		assert.ErrorIs(t, err, ErrEventAlreadyExists)
	})

	t.Run("duplicate event id on postgres", func(t *testing.T) {
		store, mock := newTestStore(t, storage.Postgres)
		mock.ExpectExec(`INSERT INTO outbox_events`).WillReturnError(&pgconn.PgError{Code: "23505"})

		err := store.CreateEvent(ctx, store.db, event)
		assert.ErrorIs(t, err, ErrEventAlreadyExists)
	})

	t.Run("other error is wrapped", func(t *testing.T) {
		store, mock := newTestStore(t, storage.Postgres)
		dbErr := errors.New("connection reset")
		mock.ExpectExec(`INSERT INTO outbox_events`).WillReturnError(dbErr)

		err := store.CreateEvent(ctx, store.db, event)
		assert.ErrorIs(t, err, dbErr)
		assert.NotErrorIs(t, err, ErrEventAlreadyExists)
	})
}

func TestSQLStore_FetchNewEvents(t *testing.T) {
	store, mock := newTestStore(t, storage.Postgres)
	created := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(eventRowColumns).
		AddRow(1, "tenant-a", "e-1", "payment.processed", "payment", "pay-1", 1, "payment.processed", []byte(`{}`), nil, 0, nil, created).
		AddRow(2, "tenant-b", "e-2", "payment.failed", "payment", "pay-2", 2, "payment.failed", []byte(`{}`), []byte(`{"traceparent":"x"}`), 1, "broker down", created)
	mock.ExpectQuery(`SELECT .* FROM outbox_events WHERE status IN \(\$1, \$2\)`).
		WithArgs(storage.StatusNew, storage.StatusRetry, store.now(), 10).
		WillReturnRows(rows)

	events, err := store.FetchNewEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "tenant-a", events[0].TenantID)
	assert.Empty(t, events[0].LastError)
	assert.Equal(t, 2, events[1].Version)
	assert.Equal(t, "broker down", events[1].LastError)
	assert.JSONEq(t, `{"traceparent":"x"}`, string(events[1].Headers))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_MarkAsProcessing(t *testing.T) {
	store, mock := newTestStore(t, storage.MySQL)
	mock.ExpectExec(`UPDATE outbox_events SET status = \?, updated_at = \? WHERE id IN \(\?,\?,\?\)`).
		WithArgs(storage.StatusProcessing, store.now(), int64(1), int64(2), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	require.NoError(t, store.MarkAsProcessing(context.Background(), []int64{1, 2, 3}))
	require.NoError(t, store.MarkAsProcessing(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_UpdateForRetry(t *testing.T) {
	store, mock := newTestStore(t, storage.Postgres)
	next := store.now().Add(time.Minute)
	mock.ExpectExec(`UPDATE outbox_events`).
		WithArgs(storage.StatusRetry, next, "timeout", store.now(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.UpdateForRetry(context.Background(), 7, storage.StatusRetry, next, "timeout"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_MoveToDeadLetter(t *testing.T) {
	record := storage.EventRecord{ID: 9}

	t.Run("commits both statements", func(t *testing.T) {
		store, mock := newTestStore(t, storage.Postgres)
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO outbox_deadletters`).WithArgs("gave up", int64(9)).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`DELETE FROM outbox_events WHERE id = \$1`).WithArgs(int64(9)).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, store.MoveToDeadLetter(context.Background(), record, "gave up"))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back when the insert fails", func(t *testing.T) {
		store, mock := newTestStore(t, storage.Postgres)
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO outbox_deadletters`).WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		err := store.MoveToDeadLetter(context.Background(), record, "gave up")
		assert.Error(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSQLStore_Cleanup(t *testing.T) {
	store, mock := newTestStore(t, storage.MySQL)
	mock.ExpectExec(`DELETE FROM outbox_events WHERE status = \?`).
		WithArgs(storage.StatusSent, store.now().Add(-24*time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec(`DELETE FROM outbox_deadletters`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	sent, err := store.DeleteSentEvents(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(5), sent)

	dead, err := store.DeleteDeadLetterEvents(context.Background(), 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), dead)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_EnsureTables(t *testing.T) {
	t.Run("postgres installs row level security", func(t *testing.T) {
		store, mock := newTestStore(t, storage.Postgres)
		for range postgresSchema {
			mock.ExpectExec(`CREATE`).WillReturnResult(sqlmock.NewResult(0, 0))
		}
		for range tenantTables {
			mock.ExpectExec(`ENABLE ROW LEVEL SECURITY';\s+EXECUTE 'ALTER TABLE \w+ FORCE ROW LEVEL SECURITY`).WillReturnResult(sqlmock.NewResult(0, 0))
		}

		require.NoError(t, store.EnsureTables(context.Background()))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("tenant tables are keyed by tenant", func(t *testing.T) {
		for _, schema := range [][]string{postgresSchema, mysqlSchema} {
			ddl := strings.Join(schema, "\n")
			assert.Contains(t, ddl, "PRIMARY KEY (tenant_id, id)")
			assert.Regexp(t, `UNIQUE (KEY \w+ )?\(tenant_id, payment_id, category\)`, ddl)
			assert.NotRegexp(t, `id\s+(TEXT|VARCHAR\(64\))\s+PRIMARY KEY`, ddl)
		}
	})

	t.Run("mysql", func(t *testing.T) {
		store, mock := newTestStore(t, storage.MySQL)
		for range mysqlSchema {
			mock.ExpectExec(`CREATE TABLE IF NOT EXISTS`).WillReturnResult(sqlmock.NewResult(0, 0))
		}

		require.NoError(t, store.EnsureTables(context.Background()))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stops on first failure", func(t *testing.T) {
		store, mock := newTestStore(t, storage.MySQL)
		mock.ExpectExec(`CREATE TABLE IF NOT EXISTS outbox_events`).WillReturnError(errors.New("access denied"))

		assert.Error(t, store.EnsureTables(context.Background()))
	})
}
