// Package idempotency records which messages have already been processed.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/loanbus/storage"
)

const tableProcessed = "processed_messages"

// ErrMissingKey is returned when a message id or tenant id is empty.
var ErrMissingKey = errors.New("message id and tenant id are required")

// Ledger is the gate turning at-least-once delivery into one effect.
type Ledger interface {
	// RecordIfFirst atomically inserts the pair and reports whether it was new.
	RecordIfFirst(ctx context.Context, messageID, tenantID string) (bool, error)
}

var _ Ledger = (*SQLLedger)(nil)

// SQLLedger stores processed pairs in processed_messages. It writes on the
// transaction carried by ctx, so a rolled back handler leaves no record.
type SQLLedger struct {
	exec   storage.Executor
	query  string
	now    func() time.Time
	logger *zap.Logger
}

// NewSQLLedger creates a ledger over exec.
func NewSQLLedger(exec storage.Executor, logger *zap.Logger) *SQLLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	cols := []string{"message_id", "tenant_id", "processed_at"}
	return &SQLLedger{
		exec:   exec,
		query:  exec.Dialect().InsertIgnore(tableProcessed, cols, cols[:2]),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

func (l *SQLLedger) RecordIfFirst(ctx context.Context, messageID, tenantID string) (bool, error) {
	if messageID == "" || tenantID == "" {
		return false, ErrMissingKey
	}

	res, err := l.exec.Conn(ctx).ExecContext(ctx, l.query, messageID, tenantID, l.now())
	if err != nil {
		if l.exec.Dialect().IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to record processed message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		l.logger.Debug("message already processed",
			zap.String("message_id", messageID),
			zap.String("tenant_id", tenantID),
		)
	}
	return n > 0, nil
}
