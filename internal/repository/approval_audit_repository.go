package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
)

// AppendAudit inserts one audit entry inside the current transaction. The
// table has no update or delete path; this is the only mutation exposed.
func (t *pgTx) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	query := `
		INSERT INTO workflow_audit_log
		    (id, workflow_id, step_order, action, performed_by, performed_at,
		     status_before, status_after, metadata)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9)
	`

	_, err := t.tx.ExecContext(ctx, query,
		entry.ID,
		entry.WorkflowID,
		entry.StepOrder,
		string(entry.Action),
		entry.PerformedBy,
		entry.PerformedAt,
		statusArg(entry.StatusBefore),
		statusArg(entry.StatusAfter),
		payloadArg(metadataJSON),
	)
	if err != nil {
		return errors.Dependency(err, "failed to append audit entry")
	}
	return nil
}

// GetAuditTrail implements Store. Entries are ordered oldest-first.
func (s *PostgresStore) GetAuditTrail(ctx context.Context, workflowID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, workflow_id, step_order, action, performed_by, performed_at,
		       status_before, status_after, metadata
		FROM workflow_audit_log
		WHERE workflow_id = $1
		ORDER BY performed_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, errors.Dependency(err, "failed to get workflow audit log")
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Dependency(err, "failed to read workflow audit log")
	}
	return entries, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type auditScanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc auditScanner) (*AuditEntry, error) {
	entry := &AuditEntry{}
	var (
		action       string
		before       sql.NullString
		after        sql.NullString
		metadataJSON []byte
	)

	err := sc.Scan(
		&entry.ID,
		&entry.WorkflowID,
		&entry.StepOrder,
		&action,
		&entry.PerformedBy,
		&entry.PerformedAt,
		&before,
		&after,
		&metadataJSON,
	)
	if err != nil {
		return nil, errors.Dependency(err, "failed to scan audit entry")
	}

	entry.Action = AuditAction(action)
	if entry.StatusBefore, err = parseNullStatus(before); err != nil {
		return nil, err
	}
	if entry.StatusAfter, err = parseNullStatus(after); err != nil {
		return nil, err
	}
	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
		}
	}

	return entry, nil
}

func parseNullStatus(ns sql.NullString) (*WorkflowStatus, error) {
	if !ns.Valid {
		return nil, nil
	}
	st, err := ParseWorkflowStatus(ns.String)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "corrupt audit row")
	}
	return &st, nil
}

func statusArg(s *WorkflowStatus) any {
	if s == nil {
		return nil
	}
	return string(*s)
}
