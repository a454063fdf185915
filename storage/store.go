package storage

import (
	"context"
	"database/sql"
	"time"
)

// DBTX is satisfied by *sql.DB, *sql.Tx and the transaction handles handed out
// by the transaction manager.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// Outbox event statuses.
const (
	StatusNew        = 0
	StatusSent       = 1
	StatusRetry      = 2
	StatusError      = 3
	StatusProcessing = 4
)

// Store is the persistence used by the outbox writer and relay.
type Store interface {
	// CreateEvent inserts an event on the caller's transaction.
	CreateEvent(ctx context.Context, tx DBTX, event *EventRecord) error
	// FetchNewEvents returns new and retry-due events.
	FetchNewEvents(ctx context.Context, batchSize int) ([]EventRecord, error)
	// FetchStuckEvents returns events left in processing longer than stuckTimeout.
	FetchStuckEvents(ctx context.Context, batchSize int, stuckTimeout time.Duration) ([]EventRecord, error)
	// FetchEventsToMoveToDeadLetter returns errored events that used up their attempts.
	FetchEventsToMoveToDeadLetter(ctx context.Context, batchSize int, maxAttempts int) ([]EventRecord, error)
	MarkAsSent(ctx context.Context, eventID int64) error
	MarkAsProcessing(ctx context.Context, eventIDs []int64) error
	// UpdateForRetry bumps attempt_count and stores the outcome of the failed attempt.
	UpdateForRetry(ctx context.Context, eventID int64, status int, nextAttemptAt time.Time, lastError string) error
	MoveToDeadLetter(ctx context.Context, record EventRecord, lastError string) error
	ResetStuckEvents(ctx context.Context, eventIDs []int64, nextAttemptAt time.Time) error
	DeleteSentEvents(ctx context.Context, retention time.Duration) (int64, error)
	DeleteDeadLetterEvents(ctx context.Context, retention time.Duration) (int64, error)
	// EnsureTables creates every table loanbus needs.
	EnsureTables(ctx context.Context) error
}

// EventRecord is an outbox row.
type EventRecord struct {
	ID            int64
	TenantID      string
	AggregateType string
	AggregateID   string
	EventID       string
	EventType     string
	Version       int
	Payload       []byte
	Headers       []byte
	Topic         string
	Status        int
	AttemptCount  int
	LastError     string
	NextAttemptAt *time.Time
	CreatedAt     time.Time
}
