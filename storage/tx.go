package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
)

// ErrMissingTenant is returned when a tenant transaction is requested without a tenant.
var ErrMissingTenant = errors.New("tenant id is required")

type tenantKey struct{}

// WithTenant stores the tenant of the message being processed in ctx.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantFrom returns the tenant stored by WithTenant.
func TenantFrom(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(tenantKey{}).(string)
	return tenantID, ok && tenantID != ""
}

// Transactor runs work inside a transaction scoped to a single tenant.
type Transactor interface {
	WithinTenant(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error
}

// Executor hands repositories the connection for the current context.
type Executor interface {
	Conn(ctx context.Context) DBTX
	Dialect() Dialect
}

var (
	_ Transactor = (*TxManager)(nil)
	_ Executor   = (*TxManager)(nil)
)

// TxManager is the Transactor backed by go-transaction-manager. The
// transaction travels in the context; repositories pick it up with Conn.
type TxManager struct {
	db      *sql.DB
	dialect Dialect
	manager *manager.Manager
	getter  *trmsql.CtxGetter
}

// NewTxManager wires a transaction manager over db.
func NewTxManager(db *sql.DB, dialect Dialect) *TxManager {
	return &TxManager{
		db:      db,
		dialect: dialect,
		manager: manager.Must(trmsql.NewDefaultFactory(db)),
		getter:  trmsql.DefaultCtxGetter,
	}
}

// WithinTenant begins a transaction (or joins the one already in ctx), sets the
// tenant for row-level security and runs fn. fn's error rolls everything back.
func (m *TxManager) WithinTenant(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	if tenantID == "" {
		return ErrMissingTenant
	}
	ctx = WithTenant(ctx, tenantID)
	return m.manager.Do(ctx, func(ctx context.Context) error {
		if _, err := m.Conn(ctx).ExecContext(ctx, m.dialect.TenantScopeStatement(), tenantID); err != nil {
			return fmt.Errorf("scope transaction to tenant: %w", err)
		}
		return fn(ctx)
	})
}

// Conn returns the transaction carried by ctx, or the pool outside one.
func (m *TxManager) Conn(ctx context.Context) DBTX {
	return m.getter.DefaultTrOrDB(ctx, m.db)
}

// Dialect returns the SQL dialect of the managed database.
func (m *TxManager) Dialect() Dialect {
	return m.dialect
}
