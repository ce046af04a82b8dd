package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
)

// ListOverdue implements Store.
func (s *PostgresStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*WorkflowInstance, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM workflow_instances
		WHERE status IN ('pending', 'in_progress')
		  AND approval_deadline < $1
		ORDER BY approval_deadline ASC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, now, limitArg(limit))
	if err != nil {
		return nil, errors.Dependency(err, "failed to list overdue workflows")
	}
	return scanWorkflows(rows)
}

// ListDueBetween implements Store.
func (s *PostgresStore) ListDueBetween(ctx context.Context, from, to, remindedAfter time.Time, limit int) ([]*WorkflowInstance, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM workflow_instances w
		WHERE w.status IN ('pending', 'in_progress')
		  AND w.approval_deadline >= $1
		  AND w.approval_deadline < $2
		  AND NOT EXISTS (
			SELECT 1 FROM workflow_reminders r
			WHERE r.workflow_id = w.id AND r.sent_at > $3
		  )
		ORDER BY w.approval_deadline ASC
		LIMIT $4
	`

	rows, err := s.db.QueryContext(ctx, query, from, to, remindedAfter, limitArg(limit))
	if err != nil {
		return nil, errors.Dependency(err, "failed to list workflows nearing deadline")
	}
	return scanWorkflows(rows)
}

// ── reminders ────────────────────────────────────────────────────────────────

// LastReminderAt implements Store. Returns nil when no reminder was sent.
func (s *PostgresStore) LastReminderAt(ctx context.Context, workflowID string) (*time.Time, error) {
	query := `SELECT MAX(sent_at) FROM workflow_reminders WHERE workflow_id = $1`

	var last sql.NullTime
	err := s.db.QueryRowContext(ctx, query, workflowID).Scan(&last)
	if stderrors.Is(err, sql.ErrNoRows) || (err == nil && !last.Valid) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Dependency(err, "failed to read last reminder")
	}
	return &last.Time, nil
}

// RecordReminder implements Store.
func (s *PostgresStore) RecordReminder(ctx context.Context, rec *ReminderRecord) error {
	query := `
		INSERT INTO workflow_reminders (workflow_id, role, sent_at)
		VALUES ($1, $2, $3)
	`

	if _, err := s.db.ExecContext(ctx, query, rec.WorkflowID, string(rec.Role), rec.SentAt); err != nil {
		return errors.Dependency(err, "failed to record reminder")
	}
	return nil
}

// ── metrics ──────────────────────────────────────────────────────────────────

// Metrics implements Store.
func (s *PostgresStore) Metrics(ctx context.Context, from, to, now time.Time) (*Metrics, error) {
	query := `
		SELECT status, action_type, priority,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE completed_at IS NOT NULL
		                          AND status IN ('approved', 'rejected', 'cancelled', 'completed')),
		       COALESCE(SUM(EXTRACT(EPOCH FROM (completed_at - initiated_at)))
		                FILTER (WHERE completed_at IS NOT NULL
		                          AND status IN ('approved', 'rejected', 'cancelled', 'completed')), 0)::float8
		FROM workflow_instances
		WHERE initiated_at >= $1
		  AND initiated_at <= $2
		GROUP BY status, action_type, priority
	`

	rows, err := s.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, errors.Dependency(err, "failed to aggregate workflow metrics")
	}
	defer rows.Close()

	m := newMetrics(from, to)
	var completedCount int
	var completedSeconds float64
	for rows.Next() {
		var (
			status, actionType, priority string
			count, done                  int
			seconds                      float64
		)
		if err := rows.Scan(&status, &actionType, &priority, &count, &done, &seconds); err != nil {
			return nil, errors.Dependency(err, "failed to scan workflow metrics")
		}
		st, err := ParseWorkflowStatus(status)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "corrupt workflow row")
		}
		pr, err := parseStoredPriority(priority)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "corrupt workflow row")
		}
		m.Total += count
		m.ByStatus[st] += count
		m.ByActionType[actionType] += count
		m.ByPriority[pr] += count
		completedCount += done
		completedSeconds += seconds
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Dependency(err, "failed to read workflow metrics")
	}
	if completedCount > 0 {
		m.AverageCompletionSeconds = completedSeconds / float64(completedCount)
	}

	overdue := `
		SELECT COUNT(*)
		FROM workflow_instances
		WHERE status IN ('pending', 'in_progress')
		  AND approval_deadline < $1
	`
	if err := s.db.QueryRowContext(ctx, overdue, now).Scan(&m.OverduePending); err != nil {
		return nil, errors.Dependency(err, "failed to count overdue workflows")
	}
	return m, nil
}

// limitArg maps a non-positive limit to no limit at all.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
