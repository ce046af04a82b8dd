package repository

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/cockroachdb/apd/v3"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/database"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
)

// PostgresStore is the Store backed by Postgres. Workflow, step and audit
// writes issued inside InTx share one database transaction.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// pgTx implements Tx over one *sql.Tx.
type pgTx struct {
	tx *sql.Tx
}

// InTx implements Store.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.InTransaction(ctx, func(tx *sql.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

const workflowColumns = `
	id, action_type, resource_type, resource_id, payload, status,
	initiated_by, initiated_at, business_justification,
	amount, currency, priority, requested_completion_date,
	approval_deadline, completed_at, rejection_reason,
	escalated_at, escalation_reason, escalation_count,
	cancelled_by, cancellation_reason, version, updated_at`

// GetWorkflow implements Store.
func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*WorkflowInstance, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflow_instances WHERE id = $1`

	wf, err := scanWorkflow(s.db.QueryRowContext(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("workflow", id)
	}
	if err != nil {
		return nil, storeErr(err, "failed to get workflow")
	}
	return wf, nil
}

// ── transactional workflow writes ────────────────────────────────────────────

func (t *pgTx) InsertWorkflow(ctx context.Context, wf *WorkflowInstance) error {
	query := `
		INSERT INTO workflow_instances
		    (id, action_type, resource_type, resource_id, payload, status,
		     initiated_by, initiated_at, business_justification,
		     amount, currency, priority, requested_completion_date,
		     approval_deadline, escalation_count, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9,
		        $10, $11, $12, $13,
		        $14, 0, 1, $15)
	`

	_, err := t.tx.ExecContext(ctx, query,
		wf.ID,
		wf.ActionType,
		wf.ResourceType,
		wf.ResourceID,
		payloadArg(wf.Payload),
		string(wf.Status),
		wf.InitiatedBy,
		wf.InitiatedAt,
		wf.BusinessJustification,
		amountArg(wf.Amount),
		wf.Currency,
		string(wf.Priority),
		wf.RequestedCompletionDate,
		wf.ApprovalDeadline,
		wf.UpdatedAt,
	)
	if err != nil {
		return errors.Dependency(err, "failed to create workflow")
	}
	wf.Version = 1
	return nil
}

func (t *pgTx) LockWorkflow(ctx context.Context, id string) (*WorkflowInstance, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflow_instances WHERE id = $1 FOR UPDATE`

	wf, err := scanWorkflow(t.tx.QueryRowContext(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("workflow", id)
	}
	if err != nil {
		return nil, storeErr(err, "failed to lock workflow")
	}
	return wf, nil
}

func (t *pgTx) UpdateWorkflow(ctx context.Context, wf *WorkflowInstance) error {
	query := `
		UPDATE workflow_instances
		SET status              = $3,
		    approval_deadline   = $4,
		    completed_at        = $5,
		    rejection_reason    = $6,
		    escalated_at        = $7,
		    escalation_reason   = $8,
		    escalation_count    = $9,
		    cancelled_by        = $10,
		    cancellation_reason = $11,
		    updated_at          = $12,
		    version             = version + 1
		WHERE id = $1
		  AND version = $2
	`

	res, err := t.tx.ExecContext(ctx, query,
		wf.ID,
		wf.Version,
		string(wf.Status),
		wf.ApprovalDeadline,
		wf.CompletedAt,
		wf.RejectionReason,
		wf.EscalatedAt,
		wf.EscalationReason,
		wf.EscalationCount,
		wf.CancelledBy,
		wf.CancellationReason,
		wf.UpdatedAt,
	)
	if err != nil {
		return errors.Dependency(err, "failed to update workflow")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Dependency(err, "failed to update workflow")
	}
	if n == 0 {
		return errors.Conflict("workflow was modified concurrently")
	}
	wf.Version++
	return nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type workflowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row workflowScanner) (*WorkflowInstance, error) {
	var r workflowRow
	if err := row.Scan(r.dest()...); err != nil {
		return nil, err
	}
	return r.finish()
}

// workflowRow holds the raw column values of one workflow_instances row
// until the enums and the decimal amount are decoded.
type workflowRow struct {
	wf       WorkflowInstance
	payload  []byte
	status   string
	priority string
	amount   apd.NullDecimal
}

func (r *workflowRow) dest() []any {
	wf := &r.wf
	return []any{
		&wf.ID,
		&wf.ActionType,
		&wf.ResourceType,
		&wf.ResourceID,
		&r.payload,
		&r.status,
		&wf.InitiatedBy,
		&wf.InitiatedAt,
		&wf.BusinessJustification,
		&r.amount,
		&wf.Currency,
		&r.priority,
		&wf.RequestedCompletionDate,
		&wf.ApprovalDeadline,
		&wf.CompletedAt,
		&wf.RejectionReason,
		&wf.EscalatedAt,
		&wf.EscalationReason,
		&wf.EscalationCount,
		&wf.CancelledBy,
		&wf.CancellationReason,
		&wf.Version,
		&wf.UpdatedAt,
	}
}

func (r *workflowRow) finish() (*WorkflowInstance, error) {
	wf := r.wf
	var err error
	if wf.Status, err = ParseWorkflowStatus(r.status); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "corrupt workflow row")
	}
	if wf.Priority, err = parseStoredPriority(r.priority); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "corrupt workflow row")
	}
	if r.amount.Valid {
		wf.Amount = new(apd.Decimal).Set(&r.amount.Decimal)
	}
	if len(r.payload) > 0 {
		wf.Payload = r.payload
	}
	return &wf, nil
}

func scanWorkflows(rows *sql.Rows) ([]*WorkflowInstance, error) {
	defer rows.Close()
	var out []*WorkflowInstance
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, storeErr(err, "failed to scan workflow")
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Dependency(err, "failed to read workflows")
	}
	return out, nil
}

func amountArg(d *apd.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func payloadArg(p []byte) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

// storeErr keeps coded errors as they are and reports driver failures as an
// unavailable dependency.
func storeErr(err error, message string) error {
	var coded *errors.Error
	if errors.As(err, &coded) {
		return err
	}
	return errors.Dependency(err, message)
}
