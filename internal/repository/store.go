package repository

import (
	"context"
	"time"
)

// Store is the durable home of workflow instances, their approval steps and
// the audit trail. Every mutation of a workflow happens inside InTx so that a
// status change and its step changes are never observed half-applied.
type Store interface {
	// InTx runs fn as one atomic unit. Nothing fn wrote is retained when it
	// returns an error.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetWorkflow(ctx context.Context, id string) (*WorkflowInstance, error)
	GetSteps(ctx context.Context, workflowID string) ([]*ApprovalStep, error)
	GetAuditTrail(ctx context.Context, workflowID string) ([]*AuditEntry, error)

	// ListAwaitingByRoles returns workflows whose current pending step is
	// bound to one of roles, oldest deadline first.
	ListAwaitingByRoles(ctx context.Context, roles []Role) ([]*QueueItem, error)

	// ListOverdue returns pending or in-progress workflows whose approval
	// deadline is strictly before now.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*WorkflowInstance, error)

	// ListDueBetween returns pending or in-progress workflows whose deadline
	// falls in [from, to) and that have had no reminder after remindedAfter.
	// The exclusion applies before limit, so reminded workflows never hold
	// back the rest.
	ListDueBetween(ctx context.Context, from, to, remindedAfter time.Time, limit int) ([]*WorkflowInstance, error)

	LastReminderAt(ctx context.Context, workflowID string) (*time.Time, error)
	RecordReminder(ctx context.Context, rec *ReminderRecord) error

	// Metrics aggregates workflows initiated in [from, to]. now is used for
	// the overdue count.
	Metrics(ctx context.Context, from, to, now time.Time) (*Metrics, error)
}

// Tx is the set of operations available inside one atomic unit.
type Tx interface {
	InsertWorkflow(ctx context.Context, wf *WorkflowInstance) error
	InsertStep(ctx context.Context, step *ApprovalStep) error

	// LockWorkflow reads a workflow and holds it exclusively until the unit
	// ends. Returns a NOT_FOUND error when absent.
	LockWorkflow(ctx context.Context, id string) (*WorkflowInstance, error)
	GetSteps(ctx context.Context, workflowID string) ([]*ApprovalStep, error)

	// UpdateWorkflow persists wf when its stored version still equals
	// wf.Version, then increments wf.Version. A mismatch is a STATE_CONFLICT.
	UpdateWorkflow(ctx context.Context, wf *WorkflowInstance) error

	// TransitionStep persists step when its stored status still equals from.
	// A mismatch is a STATE_CONFLICT.
	TransitionStep(ctx context.Context, step *ApprovalStep, from StepStatus) error

	AppendAudit(ctx context.Context, entry *AuditEntry) error
}
