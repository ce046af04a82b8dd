package service

import (
	"context"
	"sort"
	"time"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// WorkflowView is a workflow together with its approval chain.
type WorkflowView struct {
	Workflow    *repository.WorkflowInstance
	Steps       []*repository.ApprovalStep
	CurrentStep *repository.ApprovalStep
}

// GetWorkflowInstance returns a workflow and its steps.
func (e *WorkflowEngine) GetWorkflowInstance(ctx context.Context, workflowID string) (*WorkflowView, error) {
	if workflowID == "" {
		return nil, errors.InvalidInput("id", "workflow id is required")
	}
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.GetSteps(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return &WorkflowView{Workflow: wf, Steps: steps, CurrentStep: repository.CurrentStep(steps)}, nil
}

// GetWorkflowSteps returns the approval chain ordered by step.
func (e *WorkflowEngine) GetWorkflowSteps(ctx context.Context, workflowID string) ([]*repository.ApprovalStep, error) {
	if _, err := e.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	return e.store.GetSteps(ctx, workflowID)
}

// GetWorkflowHistory returns the audit trail, oldest first.
func (e *WorkflowEngine) GetWorkflowHistory(ctx context.Context, workflowID string) ([]*repository.AuditEntry, error) {
	if _, err := e.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	return e.store.GetAuditTrail(ctx, workflowID)
}

// GetApprovalQueueForRole lists workflows whose current step awaits role.
func (e *WorkflowEngine) GetApprovalQueueForRole(ctx context.Context, role string) ([]*repository.QueueItem, error) {
	r, err := repository.ParseRole(role)
	if err != nil {
		return nil, errors.InvalidInput("role", err.Error())
	}
	return e.store.ListAwaitingByRoles(ctx, []repository.Role{r})
}

// GetApprovalQueueForUser lists workflows the user may act on now: the union
// of the queues of every role they hold, minus the ones they initiated.
func (e *WorkflowEngine) GetApprovalQueueForUser(ctx context.Context, userID string) ([]*repository.QueueItem, error) {
	if userID == "" {
		return nil, errors.InvalidInput("user_id", "user id is required")
	}
	roles, err := e.rolesFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		return nil, nil
	}
	items, err := e.store.ListAwaitingByRoles(ctx, roles)
	if err != nil {
		return nil, err
	}

	out := items[:0]
	for _, it := range items {
		if it.Workflow.InitiatedBy == userID {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

// GetOverdueWorkflows lists workflows awaiting a checker past their deadline,
// most overdue first.
func (e *WorkflowEngine) GetOverdueWorkflows(ctx context.Context, now time.Time) ([]*repository.WorkflowInstance, error) {
	if now.IsZero() {
		now = e.now()
	}
	wfs, err := e.store.ListOverdue(ctx, now.UTC(), 0)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(wfs, func(i, j int) bool {
		return wfs[i].ApprovalDeadline.Before(*wfs[j].ApprovalDeadline)
	})
	return wfs, nil
}

// GetWorkflowMetrics aggregates workflows initiated in [from, to].
func (e *WorkflowEngine) GetWorkflowMetrics(ctx context.Context, from, to time.Time) (*repository.Metrics, error) {
	if from.IsZero() || to.IsZero() {
		return nil, errors.Validation(map[string]string{"range": "from and to are required"})
	}
	if to.Before(from) {
		return nil, errors.InvalidInput("range", "from must not be after to")
	}
	return e.store.Metrics(ctx, from.UTC(), to.UTC(), e.now().UTC())
}
