package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/overtonx/loanbus/storage"
)

// Payment statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusFailed     = "failed"
)

// ErrPaymentNotFound is returned when a payment row is missing.
var ErrPaymentNotFound = errors.New("payment not found")

// Payment is a payments row.
type Payment struct {
	ID          string
	TenantID    string
	LoanID      string
	AmountCents int64
	Status      string
}

// Repository persists payments, ledger entries and escrow balances. Every
// method runs on the transaction carried by ctx. Payment ids are only unique
// within a tenant, so every lookup is keyed by tenant and id.
type Repository interface {
	// Acquire inserts the payment if absent and locks its row.
	Acquire(ctx context.Context, p Payment) (status string, err error)
	HasEntries(ctx context.Context, tenantID, paymentID string) (bool, error)
	SetStatus(ctx context.Context, tenantID, paymentID, status, reason string) error
	InsertEntries(ctx context.Context, tenantID string, entries []LedgerEntry) error
	CreditEscrow(ctx context.Context, tenantID, loanID string, cents int64) error
}

// SQLRepository implements Repository for PostgreSQL and MySQL.
type SQLRepository struct {
	exec storage.Executor
}

func NewSQLRepository(exec storage.Executor) *SQLRepository {
	return &SQLRepository{exec: exec}
}

func (r *SQLRepository) q(query string) string {
	return r.exec.Dialect().Rebind(query)
}

func (r *SQLRepository) Acquire(ctx context.Context, p Payment) (string, error) {
	d := r.exec.Dialect()
	conn := r.exec.Conn(ctx)

	insert := d.InsertIgnore("payments",
		[]string{"id", "tenant_id", "loan_id", "amount_cents", "status"},
		[]string{"tenant_id", "id"})
	if _, err := conn.ExecContext(ctx, insert, p.ID, p.TenantID, p.LoanID, p.AmountCents, StatusPending); err != nil {
		return "", fmt.Errorf("failed to insert payment %s: %w", p.ID, err)
	}

	var status string
	err := conn.QueryRowContext(ctx, r.q(`SELECT status FROM payments WHERE tenant_id = ? AND id = ? FOR UPDATE`), p.TenantID, p.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrPaymentNotFound, p.ID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to lock payment %s: %w", p.ID, err)
	}
	return status, nil
}

func (r *SQLRepository) HasEntries(ctx context.Context, tenantID, paymentID string) (bool, error) {
	var n int
	err := r.exec.Conn(ctx).QueryRowContext(ctx,
		r.q(`SELECT COUNT(*) FROM ledger_entries WHERE tenant_id = ? AND payment_id = ?`), tenantID, paymentID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count ledger entries for %s: %w", paymentID, err)
	}
	return n > 0, nil
}

func (r *SQLRepository) SetStatus(ctx context.Context, tenantID, paymentID, status, reason string) error {
	var failureReason interface{}
	if reason != "" {
		failureReason = reason
	}
	query := fmt.Sprintf(`UPDATE payments SET status = ?, failure_reason = ?, updated_at = %s WHERE tenant_id = ? AND id = ?`, r.exec.Dialect().Now())
	res, err := r.exec.Conn(ctx).ExecContext(ctx, r.q(query), status, failureReason, tenantID, paymentID)
	if err != nil {
		return fmt.Errorf("failed to set payment %s to %s: %w", paymentID, status, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrPaymentNotFound, paymentID)
	}
	return nil
}

func (r *SQLRepository) InsertEntries(ctx context.Context, tenantID string, entries []LedgerEntry) error {
	conn := r.exec.Conn(ctx)
	query := r.q(`INSERT INTO ledger_entries (tenant_id, loan_id, payment_id, category, amount_cents, position) VALUES (?, ?, ?, ?, ?, ?)`)
	for _, e := range entries {
		if _, err := conn.ExecContext(ctx, query, tenantID, e.LoanID, e.PaymentID, string(e.Category), e.AmountCents, e.Position); err != nil {
			return fmt.Errorf("failed to insert %s entry for payment %s: %w", e.Category, e.PaymentID, err)
		}
	}
	return nil
}

func (r *SQLRepository) CreditEscrow(ctx context.Context, tenantID, loanID string, cents int64) error {
	var query string
	if r.exec.Dialect() == storage.MySQL {
		query = `INSERT INTO escrow_accounts (tenant_id, loan_id, balance_cents) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE balance_cents = balance_cents + VALUES(balance_cents)`
	} else {
		query = `INSERT INTO escrow_accounts (tenant_id, loan_id, balance_cents) VALUES (?, ?, ?)
			ON CONFLICT (tenant_id, loan_id) DO UPDATE
			SET balance_cents = escrow_accounts.balance_cents + EXCLUDED.balance_cents, updated_at = NOW()`
	}
	if _, err := r.exec.Conn(ctx).ExecContext(ctx, r.q(query), tenantID, loanID, cents); err != nil {
		return fmt.Errorf("failed to credit escrow for loan %s: %w", loanID, err)
	}
	return nil
}
