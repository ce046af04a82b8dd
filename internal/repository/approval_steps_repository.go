package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
)

const stepColumns = `
	workflow_id, step_order, approver_role, status,
	approved_by, approved_at, comments, is_escalated, created_at`

// GetSteps implements Store. Steps are ordered by step_order.
func (s *PostgresStore) GetSteps(ctx context.Context, workflowID string) ([]*ApprovalStep, error) {
	return getSteps(ctx, s.db, workflowID)
}

// ListAwaitingByRoles implements Store.
func (s *PostgresStore) ListAwaitingByRoles(ctx context.Context, roles []Role) ([]*QueueItem, error) {
	if len(roles) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(roles))
	marks := make([]string, 0, len(roles))
	for i, r := range roles {
		args = append(args, string(r))
		marks = append(marks, fmt.Sprintf("$%d", i+1))
	}

	query := `
		SELECT ` + prefixed("w", workflowColumns) + `,
		       ` + prefixed("s", stepColumns) + `
		FROM workflow_instances w
		JOIN approval_steps s ON s.workflow_id = w.id
		WHERE s.status = 'pending'
		  AND w.status IN ('pending', 'in_progress', 'escalated', 'expired')
		  AND s.approver_role IN (` + strings.Join(marks, ", ") + `)
		ORDER BY w.approval_deadline ASC NULLS LAST, w.initiated_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Dependency(err, "failed to list approval queue")
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, storeErr(err, "failed to scan approval queue")
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Dependency(err, "failed to read approval queue")
	}
	return items, nil
}

// ── transactional step writes ────────────────────────────────────────────────

func (t *pgTx) InsertStep(ctx context.Context, step *ApprovalStep) error {
	query := `
		INSERT INTO approval_steps
		    (workflow_id, step_order, approver_role, status,
		     approved_by, approved_at, comments, is_escalated, created_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8, $9)
	`

	_, err := t.tx.ExecContext(ctx, query,
		step.WorkflowID,
		step.StepOrder,
		string(step.ApproverRole),
		string(step.Status),
		step.ApprovedBy,
		step.ApprovedAt,
		step.Comments,
		step.IsEscalated,
		step.CreatedAt,
	)
	if err != nil {
		return errors.Dependency(err, "failed to create approval step")
	}
	return nil
}

func (t *pgTx) GetSteps(ctx context.Context, workflowID string) ([]*ApprovalStep, error) {
	return getSteps(ctx, t.tx, workflowID)
}

func (t *pgTx) TransitionStep(ctx context.Context, step *ApprovalStep, from StepStatus) error {
	query := `
		UPDATE approval_steps
		SET status      = $3,
		    approved_by = $4,
		    approved_at = $5,
		    comments    = $6
		WHERE workflow_id = $1
		  AND step_order  = $2
		  AND status      = $7
	`

	res, err := t.tx.ExecContext(ctx, query,
		step.WorkflowID,
		step.StepOrder,
		string(step.Status),
		step.ApprovedBy,
		step.ApprovedAt,
		step.Comments,
		string(from),
	)
	if err != nil {
		return errors.Dependency(err, "failed to update approval step")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Dependency(err, "failed to update approval step")
	}
	if n == 0 {
		return errors.Conflict("approval step is no longer " + string(from))
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func getSteps(ctx context.Context, q querier, workflowID string) ([]*ApprovalStep, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE workflow_id = $1
		ORDER BY step_order ASC
	`

	rows, err := q.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, errors.Dependency(err, "failed to get approval steps")
	}
	defer rows.Close()

	var steps []*ApprovalStep
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, storeErr(err, "failed to scan approval step")
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Dependency(err, "failed to read approval steps")
	}
	return steps, nil
}

type stepScanner interface {
	Scan(dest ...any) error
}

func scanStep(row stepScanner) (*ApprovalStep, error) {
	s := &ApprovalStep{}
	var role, status string
	err := row.Scan(stepDest(s, &role, &status)...)
	if err != nil {
		return nil, err
	}
	if err := finishStep(s, role, status); err != nil {
		return nil, err
	}
	return s, nil
}

func stepDest(s *ApprovalStep, role, status *string) []any {
	return []any{
		&s.WorkflowID,
		&s.StepOrder,
		role,
		status,
		&s.ApprovedBy,
		&s.ApprovedAt,
		&s.Comments,
		&s.IsEscalated,
		&s.CreatedAt,
	}
}

func finishStep(s *ApprovalStep, role, status string) error {
	var err error
	if s.Status, err = ParseStepStatus(status); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "corrupt approval step row")
	}
	// Stored roles are kept verbatim; an unknown role still routes to
	// whoever the oracle says holds it.
	s.ApproverRole = Role(role)
	return nil
}

// scanQueueItem reads a joined workflow + step row. The workflow columns come
// first, in workflowColumns order.
func scanQueueItem(rows *sql.Rows) (*QueueItem, error) {
	var wfVals workflowRow
	step := &ApprovalStep{}
	var role, status string

	dest := append(wfVals.dest(), stepDest(step, &role, &status)...)
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	wf, err := wfVals.finish()
	if err != nil {
		return nil, err
	}
	if err := finishStep(step, role, status); err != nil {
		return nil, err
	}
	return &QueueItem{Workflow: wf, CurrentStep: step}, nil
}

// prefixed qualifies every column of a column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
