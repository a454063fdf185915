package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/loanbus/storage"
)

const (
	tableEvents      = "outbox_events"
	tableDeadletters = "outbox_deadletters"
)

const eventColumns = "id, tenant_id, event_id, event_type, aggregate_type, aggregate_id, version, topic, payload, headers, attempt_count, last_error, created_at"

const (
	createQuery = `
		INSERT INTO %s (tenant_id, event_id, event_type, aggregate_type, aggregate_id, version, topic, payload, headers, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	fetchNewQuery = `
		SELECT ` + eventColumns + `
		FROM %s
		WHERE status IN (?, ?) AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY id
		LIMIT ?`

	fetchStuckQuery = `
		SELECT ` + eventColumns + `
		FROM %s
		WHERE status = ? AND updated_at < ?
		ORDER BY id
		LIMIT ?`

	fetchDeadLetterQuery = `
		SELECT ` + eventColumns + `
		FROM %s
		WHERE status = ? AND attempt_count >= ?
		ORDER BY id
		LIMIT ?`

	markAsSentQuery = `UPDATE %s SET status = ?, last_error = NULL, updated_at = ? WHERE id = ?`

	markAsProcessingQuery = `UPDATE %s SET status = ?, updated_at = ? WHERE id IN (%s)`

	updateForRetryQuery = `
		UPDATE %s
		SET status = ?, attempt_count = attempt_count + 1, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`

	moveToDeadLetterQuery = `
		INSERT INTO %s (id, tenant_id, event_id, event_type, aggregate_type, aggregate_id, version, topic, payload, headers, attempt_count, last_error, created_at)
		SELECT id, tenant_id, event_id, event_type, aggregate_type, aggregate_id, version, topic, payload, headers, attempt_count, ?, created_at
		FROM %s
		WHERE id = ?`

	deleteFromEventsQuery = `DELETE FROM %s WHERE id = ?`

	resetStuckQuery = `UPDATE %s SET status = ?, next_attempt_at = ?, updated_at = ? WHERE id IN (%s)`

	deleteSentQuery = `DELETE FROM %s WHERE status = ? AND updated_at < ?`

	deleteDeadLetterQuery = `DELETE FROM %s WHERE created_at < ?`
)

// ErrEventAlreadyExists is returned when an event_id is inserted twice.
var ErrEventAlreadyExists = errors.New("event already exists")

var _ storage.Store = (*SQLStore)(nil)

// SQLStore implements storage.Store for PostgreSQL and MySQL.
type SQLStore struct {
	db      *sql.DB
	dialect storage.Dialect
	logger  *zap.Logger
	now     func() time.Time
}

// NewSQLStore creates a store over db.
func NewSQLStore(db *sql.DB, dialect storage.Dialect, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		db:      db,
		dialect: dialect,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *SQLStore) q(format string, args ...interface{}) string {
	return s.dialect.Rebind(fmt.Sprintf(format, args...))
}

func (s *SQLStore) CreateEvent(ctx context.Context, tx storage.DBTX, event *storage.EventRecord) error {
	var headers interface{}
	if len(event.Headers) > 0 {
		headers = event.Headers
	}
	_, err := tx.ExecContext(ctx, s.q(createQuery, tableEvents),
		event.TenantID,
		event.EventID,
		event.EventType,
		event.AggregateType,
		event.AggregateID,
		event.Version,
		event.Topic,
		event.Payload,
		headers,
		storage.StatusNew,
	)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return ErrEventAlreadyExists
		}
		return fmt.Errorf("failed to save outbox event: %w", err)
	}
	return nil
}

func (s *SQLStore) FetchNewEvents(ctx context.Context, batchSize int) ([]storage.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(fetchNewQuery, tableEvents), storage.StatusNew, storage.StatusRetry, s.now(), batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query new events: %w", err)
	}
	defer rows.Close()

	return s.scanEvents(rows)
}

func (s *SQLStore) FetchStuckEvents(ctx context.Context, batchSize int, stuckTimeout time.Duration) ([]storage.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(fetchStuckQuery, tableEvents), storage.StatusProcessing, s.now().Add(-stuckTimeout), batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck events: %w", err)
	}
	defer rows.Close()

	return s.scanEvents(rows)
}

func (s *SQLStore) FetchEventsToMoveToDeadLetter(ctx context.Context, batchSize int, maxAttempts int) ([]storage.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(fetchDeadLetterQuery, tableEvents), storage.StatusError, maxAttempts, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for dead-letter: %w", err)
	}
	defer rows.Close()

	return s.scanEvents(rows)
}

func (s *SQLStore) MarkAsSent(ctx context.Context, eventID int64) error {
	_, err := s.db.ExecContext(ctx, s.q(markAsSentQuery, tableEvents), storage.StatusSent, s.now(), eventID)
	return err
}

func (s *SQLStore) MarkAsProcessing(ctx context.Context, eventIDs []int64) error {
	if len(eventIDs) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(eventIDs)+2)
	args = append(args, storage.StatusProcessing, s.now())
	for _, id := range eventIDs {
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx, s.q(markAsProcessingQuery, tableEvents, placeholders(len(eventIDs))), args...)
	return err
}

func (s *SQLStore) UpdateForRetry(ctx context.Context, eventID int64, status int, nextAttemptAt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx, s.q(updateForRetryQuery, tableEvents), status, nextAttemptAt, lastError, s.now(), eventID)
	return err
}

func (s *SQLStore) MoveToDeadLetter(ctx context.Context, record storage.EventRecord, lastError string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx, s.q(moveToDeadLetterQuery, tableDeadletters, tableEvents), lastError, record.ID); err != nil {
		return fmt.Errorf("failed to insert into dead-letter table: %w", err)
	}

	if _, err = tx.ExecContext(ctx, s.q(deleteFromEventsQuery, tableEvents), record.ID); err != nil {
		return fmt.Errorf("failed to delete from events table: %w", err)
	}

	return tx.Commit()
}

func (s *SQLStore) ResetStuckEvents(ctx context.Context, eventIDs []int64, nextAttemptAt time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(eventIDs)+3)
	args = append(args, storage.StatusRetry, nextAttemptAt, s.now())
	for _, id := range eventIDs {
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx, s.q(resetStuckQuery, tableEvents, placeholders(len(eventIDs))), args...)
	return err
}

func (s *SQLStore) DeleteSentEvents(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(deleteSentQuery, tableEvents), storage.StatusSent, s.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) DeleteDeadLetterEvents(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(deleteDeadLetterQuery, tableDeadletters), s.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) scanEvents(rows *sql.Rows) ([]storage.EventRecord, error) {
	var events []storage.EventRecord
	for rows.Next() {
		var (
			event     storage.EventRecord
			lastError sql.NullString
		)
		if err := rows.Scan(
			&event.ID,
			&event.TenantID,
			&event.EventID,
			&event.EventType,
			&event.AggregateType,
			&event.AggregateID,
			&event.Version,
			&event.Topic,
			&event.Payload,
			&event.Headers,
			&event.AttemptCount,
			&lastError,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		event.LastError = lastError.String
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading event rows: %w", err)
	}
	return events, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
