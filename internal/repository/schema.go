package repository

import (
	"context"
	"database/sql"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/database"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
)

// schema is applied statement by statement; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS workflow_instances (
		id                        TEXT PRIMARY KEY,
		action_type               TEXT NOT NULL,
		resource_type             TEXT NOT NULL,
		resource_id               TEXT NOT NULL,
		payload                   JSONB,
		status                    TEXT NOT NULL,
		initiated_by              TEXT NOT NULL,
		initiated_at              TIMESTAMPTZ NOT NULL,
		business_justification    TEXT NOT NULL,
		amount                    NUMERIC(20, 4),
		currency                  TEXT,
		priority                  TEXT NOT NULL,
		requested_completion_date TIMESTAMPTZ,
		approval_deadline         TIMESTAMPTZ,
		completed_at              TIMESTAMPTZ,
		rejection_reason          TEXT,
		escalated_at              TIMESTAMPTZ,
		escalation_reason         TEXT,
		escalation_count          INTEGER NOT NULL DEFAULT 0,
		cancelled_by              TEXT,
		cancellation_reason       TEXT,
		version                   INTEGER NOT NULL DEFAULT 1,
		updated_at                TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_instances_deadline
		ON workflow_instances (status, approval_deadline)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_instances_initiated
		ON workflow_instances (initiated_at)`,

	`CREATE TABLE IF NOT EXISTS approval_steps (
		workflow_id   TEXT NOT NULL REFERENCES workflow_instances (id),
		step_order    INTEGER NOT NULL,
		approver_role TEXT NOT NULL,
		status        TEXT NOT NULL,
		approved_by   TEXT,
		approved_at   TIMESTAMPTZ,
		comments      TEXT,
		is_escalated  BOOLEAN NOT NULL DEFAULT FALSE,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (workflow_id, step_order)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_approval_steps_one_pending
		ON approval_steps (workflow_id) WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS idx_approval_steps_role
		ON approval_steps (approver_role) WHERE status = 'pending'`,

	`CREATE TABLE IF NOT EXISTS workflow_audit_log (
		id            TEXT PRIMARY KEY,
		workflow_id   TEXT NOT NULL REFERENCES workflow_instances (id),
		step_order    INTEGER,
		action        TEXT NOT NULL,
		performed_by  TEXT NOT NULL,
		performed_at  TIMESTAMPTZ NOT NULL,
		status_before TEXT,
		status_after  TEXT,
		metadata      JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_audit_log_workflow
		ON workflow_audit_log (workflow_id, performed_at)`,

	`CREATE TABLE IF NOT EXISTS workflow_reminders (
		workflow_id TEXT NOT NULL REFERENCES workflow_instances (id),
		role        TEXT NOT NULL,
		sent_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_reminders_workflow
		ON workflow_reminders (workflow_id, sent_at)`,

	`CREATE TABLE IF NOT EXISTS scheduler_leases (
		task_name  TEXT PRIMARY KEY,
		owner      TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates the tables the approvals service needs.
func Migrate(ctx context.Context, db *database.DB) error {
	return db.InTransaction(ctx, func(tx *sql.Tx) error {
		for _, stmt := range schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return errors.Dependency(err, "failed to apply schema")
			}
		}
		return nil
	})
}
