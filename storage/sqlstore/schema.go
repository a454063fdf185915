package sqlstore

import (
	"context"
	"fmt"

	"github.com/overtonx/loanbus/storage"
)

// Tables that hold tenant data and get a row-level security policy on PostgreSQL.
var tenantTables = []string{"payments", "ledger_entries", "escrow_accounts", "vendor_verifications"}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id              BIGSERIAL PRIMARY KEY,
		tenant_id       TEXT         NOT NULL,
		event_id        UUID         NOT NULL UNIQUE,
		event_type      TEXT         NOT NULL,
		aggregate_type  TEXT         NOT NULL,
		aggregate_id    TEXT         NOT NULL,
		version         INT          NOT NULL DEFAULT 1,
		status          INT          NOT NULL DEFAULT 0,
		topic           TEXT         NOT NULL DEFAULT '',
		payload         JSONB        NOT NULL,
		headers         JSONB        NULL,
		attempt_count   INT          NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMPTZ  NULL,
		last_error      TEXT         NULL,
		created_at      TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ  NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_status_next_attempt ON outbox_events (status, next_attempt_at)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_aggregate ON outbox_events (tenant_id, aggregate_type, aggregate_id)`,
	`CREATE TABLE IF NOT EXISTS outbox_deadletters (
		id              BIGINT       PRIMARY KEY,
		tenant_id       TEXT         NOT NULL,
		event_id        UUID         NOT NULL UNIQUE,
		event_type      TEXT         NOT NULL,
		aggregate_type  TEXT         NOT NULL,
		aggregate_id    TEXT         NOT NULL,
		version         INT          NOT NULL DEFAULT 1,
		topic           TEXT         NOT NULL DEFAULT '',
		payload         JSONB        NOT NULL,
		headers         JSONB        NULL,
		attempt_count   INT          NOT NULL,
		last_error      TEXT         NULL,
		created_at      TIMESTAMPTZ  NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS processed_messages (
		message_id   TEXT        NOT NULL,
		tenant_id    TEXT        NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (message_id, tenant_id)
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		id             TEXT        NOT NULL,
		tenant_id      TEXT        NOT NULL,
		loan_id        TEXT        NOT NULL,
		amount_cents   BIGINT      NOT NULL,
		status         TEXT        NOT NULL DEFAULT 'pending',
		failure_reason TEXT        NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id           BIGSERIAL   PRIMARY KEY,
		tenant_id    TEXT        NOT NULL,
		loan_id      TEXT        NOT NULL,
		payment_id   TEXT        NOT NULL,
		category     TEXT        NOT NULL,
		amount_cents BIGINT      NOT NULL CHECK (amount_cents > 0),
		position     INT         NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (tenant_id, payment_id, category)
	)`,
	`CREATE TABLE IF NOT EXISTS escrow_accounts (
		tenant_id     TEXT        NOT NULL,
		loan_id       TEXT        NOT NULL,
		balance_cents BIGINT      NOT NULL DEFAULT 0,
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (tenant_id, loan_id)
	)`,
	`CREATE TABLE IF NOT EXISTS vendor_verifications (
		id          TEXT        NOT NULL,
		tenant_id   TEXT        NOT NULL,
		loan_id     TEXT        NOT NULL,
		vendor      TEXT        NOT NULL,
		status      TEXT        NOT NULL,
		response    JSONB       NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS scheduled_tasks (
		name             TEXT        PRIMARY KEY,
		tenant_id        TEXT        NOT NULL,
		action           TEXT        NOT NULL,
		payload          JSONB       NOT NULL DEFAULT '{}',
		interval_seconds BIGINT      NOT NULL,
		next_run_at      TIMESTAMPTZ NOT NULL,
		last_run_at      TIMESTAMPTZ NULL
	)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id              BIGINT AUTO_INCREMENT PRIMARY KEY,
		tenant_id       VARCHAR(64)  NOT NULL,
		event_id        CHAR(36)     NOT NULL UNIQUE,
		event_type      VARCHAR(255) NOT NULL,
		aggregate_type  VARCHAR(255) NOT NULL,
		aggregate_id    VARCHAR(255) NOT NULL,
		version         INT          NOT NULL DEFAULT 1,
		status          INT          NOT NULL DEFAULT 0 COMMENT '0 - new, 1 - sent, 2 - retry, 3 - error, 4 - processing',
		topic           VARCHAR(255) NOT NULL DEFAULT '',
		payload         JSON         NOT NULL,
		headers         JSON         NULL,
		attempt_count   INT          NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMP(6) NULL,
		last_error      TEXT         NULL,
		created_at      TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		updated_at      TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
		INDEX idx_status_next_attempt (status, next_attempt_at),
		INDEX idx_aggregate (tenant_id, aggregate_type, aggregate_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS outbox_deadletters (
		id              BIGINT        PRIMARY KEY,
		tenant_id       VARCHAR(64)   NOT NULL,
		event_id        CHAR(36)      NOT NULL UNIQUE,
		event_type      VARCHAR(255)  NOT NULL,
		aggregate_type  VARCHAR(255)  NOT NULL,
		aggregate_id    VARCHAR(255)  NOT NULL,
		version         INT           NOT NULL DEFAULT 1,
		topic           VARCHAR(255)  NOT NULL DEFAULT '',
		payload         JSON          NOT NULL,
		headers         JSON          NULL,
		attempt_count   INT           NOT NULL,
		last_error      VARCHAR(2000) NULL,
		created_at      TIMESTAMP(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS processed_messages (
		message_id   VARCHAR(128) NOT NULL,
		tenant_id    VARCHAR(64)  NOT NULL,
		processed_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		PRIMARY KEY (message_id, tenant_id)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS payments (
		id             VARCHAR(64)  NOT NULL,
		tenant_id      VARCHAR(64)  NOT NULL,
		loan_id        VARCHAR(64)  NOT NULL,
		amount_cents   BIGINT       NOT NULL,
		status         VARCHAR(32)  NOT NULL DEFAULT 'pending',
		failure_reason TEXT         NULL,
		created_at     TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		updated_at     TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
		PRIMARY KEY (tenant_id, id)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id           BIGINT AUTO_INCREMENT PRIMARY KEY,
		tenant_id    VARCHAR(64)  NOT NULL,
		loan_id      VARCHAR(64)  NOT NULL,
		payment_id   VARCHAR(64)  NOT NULL,
		category     VARCHAR(32)  NOT NULL,
		amount_cents BIGINT       NOT NULL,
		position     INT          NOT NULL,
		created_at   TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		UNIQUE KEY uq_payment_category (tenant_id, payment_id, category)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS escrow_accounts (
		tenant_id     VARCHAR(64)  NOT NULL,
		loan_id       VARCHAR(64)  NOT NULL,
		balance_cents BIGINT       NOT NULL DEFAULT 0,
		updated_at    TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
		PRIMARY KEY (tenant_id, loan_id)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS vendor_verifications (
		id          VARCHAR(64)  NOT NULL,
		tenant_id   VARCHAR(64)  NOT NULL,
		loan_id     VARCHAR(64)  NOT NULL,
		vendor      VARCHAR(32)  NOT NULL,
		status      VARCHAR(32)  NOT NULL,
		response    JSON         NULL,
		created_at  TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		PRIMARY KEY (tenant_id, id)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS scheduled_tasks (
		name             VARCHAR(128) PRIMARY KEY,
		tenant_id        VARCHAR(64)  NOT NULL,
		action           VARCHAR(128) NOT NULL,
		payload          JSON         NOT NULL,
		interval_seconds BIGINT       NOT NULL,
		next_run_at      TIMESTAMP(6) NOT NULL,
		last_run_at      TIMESTAMP(6) NULL
	) ENGINE=InnoDB`,
}

// rlsPolicy enables row-level security keyed on app.tenant_id and forces it
// on the table owner too, which is usually the role loanbus connects as.
// CREATE POLICY has no IF NOT EXISTS, hence the catalog check.
const rlsPolicy = `DO $$
BEGIN
	EXECUTE 'ALTER TABLE %[1]s ENABLE ROW LEVEL SECURITY';
	EXECUTE 'ALTER TABLE %[1]s FORCE ROW LEVEL SECURITY';
	IF NOT EXISTS (SELECT 1 FROM pg_policies WHERE tablename = '%[1]s' AND policyname = 'tenant_isolation') THEN
		EXECUTE 'CREATE POLICY tenant_isolation ON %[1]s USING (tenant_id = current_setting(''app.tenant_id'', true))';
	END IF;
END
$$`

// EnsureTables creates every loanbus table. It is safe to run on every start.
func (s *SQLStore) EnsureTables(ctx context.Context) error {
	statements := postgresSchema
	if s.dialect == storage.MySQL {
		statements = mysqlSchema
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	if s.dialect != storage.Postgres {
		return nil
	}
	for _, table := range tenantTables {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(rlsPolicy, table)); err != nil {
			return fmt.Errorf("failed to enable row level security on %s: %w", table, err)
		}
	}
	return nil
}
