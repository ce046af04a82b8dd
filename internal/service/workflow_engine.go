package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pesio-ai/be-ops-approvals/internal/client"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/policy"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// SystemActor is recorded as the performer of automatic transitions.
const SystemActor = "system"

// ApprovalResult describes the outcome of an approval or rejection.
type ApprovalResult struct {
	Workflow *repository.WorkflowInstance
	// Step is the step the checker acted on.
	Step *repository.ApprovalStep
	// NextStep is the step now awaiting approval, nil when the chain ended.
	NextStep *repository.ApprovalStep
	// Completed is true when the chain ended with this action.
	Completed bool
}

// EscalationResult describes the outcome of EscalateApproval.
type EscalationResult struct {
	Workflow *repository.WorkflowInstance
	// Escalated is true when a new step was appended.
	Escalated bool
	// Expired is true when no higher authority existed.
	Expired    bool
	FromRole   repository.Role
	TargetRole repository.Role
	NewStep    *repository.ApprovalStep
}

// WorkflowEngine runs the maker-checker state machine. Every mutating
// operation is one store transaction holding the workflow row lock.
type WorkflowEngine struct {
	store    repository.Store
	resolver *policy.Resolver
	oracle   client.RoleOracle
	notify   *notifier
	schemas  *PayloadSchemas
	now      func() time.Time
	log      *logger.Logger
	inst     *instruments
}

// EngineOption customises a WorkflowEngine.
type EngineOption func(*WorkflowEngine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) EngineOption {
	return func(e *WorkflowEngine) { e.now = now }
}

// WithPayloadSchemas replaces the built-in payload schemas.
func WithPayloadSchemas(s *PayloadSchemas) EngineOption {
	return func(e *WorkflowEngine) { e.schemas = s }
}

// NewWorkflowEngine creates a new WorkflowEngine.
func NewWorkflowEngine(
	store repository.Store,
	resolver *policy.Resolver,
	oracle client.RoleOracle,
	sink client.NotificationSink,
	log *logger.Logger,
	opts ...EngineOption,
) *WorkflowEngine {
	e := &WorkflowEngine{
		store:    store,
		resolver: resolver,
		oracle:   oracle,
		notify:   newNotifier(sink, log),
		schemas:  DefaultPayloadSchemas(),
		now:      time.Now,
		log:      log,
		inst:     newInstruments(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ── Initiate ─────────────────────────────────────────────────────────────────

// InitiateAction validates a maker action, resolves its approval chain and
// persists the workflow with all of its steps in one unit. Step 1 is pending,
// the rest wait their turn.
func (e *WorkflowEngine) InitiateAction(ctx context.Context, action MakerAction) (wf *repository.WorkflowInstance, err error) {
	ctx, span := e.start(ctx, "InitiateAction", attribute.String("action_type", action.ActionType))
	defer func() { e.end(span, err) }()

	if err := action.validate(e.schemas); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	priority := repository.ParsePriority(action.Priority)
	actionType := policy.NormalizeActionType(action.ActionType)
	res := e.resolver.Resolve(actionType, action.Amount, priority, action.RequestedCompletionDate, now)
	deadline := res.Deadline.UTC()

	wf = &repository.WorkflowInstance{
		ID:                      uuid.NewString(),
		ActionType:              actionType,
		ResourceType:            strings.TrimSpace(action.ResourceType),
		ResourceID:              strings.TrimSpace(action.ResourceID),
		Payload:                 action.Payload,
		Status:                  repository.WorkflowPending,
		InitiatedBy:             action.MakerID,
		InitiatedAt:             now,
		BusinessJustification:   strings.TrimSpace(action.BusinessJustification),
		Amount:                  action.Amount,
		Priority:                priority,
		RequestedCompletionDate: action.RequestedCompletionDate,
		ApprovalDeadline:        &deadline,
		UpdatedAt:               now,
	}
	if action.Currency != "" {
		cur := action.Currency
		wf.Currency = &cur
	}

	steps := make([]*repository.ApprovalStep, 0, len(res.Roles))
	for i, role := range res.Roles {
		status := repository.StepWaiting
		if i == 0 {
			status = repository.StepPending
		}
		steps = append(steps, &repository.ApprovalStep{
			WorkflowID:   wf.ID,
			StepOrder:    i + 1,
			ApproverRole: role,
			Status:       status,
			CreatedAt:    now,
		})
	}

	err = e.store.InTx(ctx, func(tx repository.Tx) error {
		if err := tx.InsertWorkflow(ctx, wf); err != nil {
			return err
		}
		for _, step := range steps {
			if err := tx.InsertStep(ctx, step); err != nil {
				return err
			}
		}
		return tx.AppendAudit(ctx, &repository.AuditEntry{
			WorkflowID:  wf.ID,
			Action:      repository.AuditInitiated,
			PerformedBy: action.MakerID,
			PerformedAt: now,
			StatusAfter: repository.StatusPtr(repository.WorkflowPending),
			Metadata: map[string]any{
				"roles":       rolesToStrings(res.Roles),
				"resource_id": wf.ResourceID,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	e.inst.initiated.Add(ctx, 1, metric.WithAttributes(attribute.String("action_type", actionType)))
	e.log.Info().
		Str("workflow_id", wf.ID).
		Str("action_type", actionType).
		Str("maker_id", action.MakerID).
		Int("total_steps", len(steps)).
		Time("deadline", deadline).
		Msg("Approval workflow created")

	seen := map[repository.Role]struct{}{}
	for _, role := range res.Roles {
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		e.notify.approvalRequired(ctx, wf.ID, role,
			fmt.Sprintf("%s on %s %s awaits %s approval", actionType, wf.ResourceType, wf.ResourceID, role))
	}
	return wf, nil
}

// ── Approve ──────────────────────────────────────────────────────────────────

// DecisionOption narrows an approval or rejection.
type DecisionOption func(*decision)

type decision struct {
	stepOrder int
}

// ForStep pins a decision to the step the checker was shown. If that step is
// no longer the pending one the decision fails with NO_PENDING_STEP. Zero
// accepts whichever step is pending.
func ForStep(order int) DecisionOption {
	return func(d *decision) { d.stepOrder = order }
}

func decisionOf(opts []DecisionOption) decision {
	var d decision
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// SubmitApproval signs off the current pending step. The last sign-off moves
// the workflow to approved.
func (e *WorkflowEngine) SubmitApproval(ctx context.Context, workflowID, checkerID, comments string, opts ...DecisionOption) (result *ApprovalResult, err error) {
	ctx, span := e.start(ctx, "SubmitApproval", attribute.String("workflow_id", workflowID))
	defer func() { e.end(span, err) }()

	if strings.TrimSpace(checkerID) == "" {
		return nil, errors.InvalidInput("checker_id", "checker id is required")
	}
	roles, err := e.rolesFor(ctx, checkerID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	var statusBefore repository.WorkflowStatus
	result = &ApprovalResult{}

	err = e.store.InTx(ctx, func(tx repository.Tx) error {
		wf, steps, cur, err := e.lockForChecker(ctx, tx, workflowID, checkerID, roles, decisionOf(opts))
		if err != nil {
			return err
		}
		statusBefore = wf.Status

		cur.Status = repository.StepApproved
		cur.ApprovedBy = &checkerID
		cur.ApprovedAt = &now
		cur.Comments = optional(comments)
		if err := transitionCurrent(ctx, tx, cur); err != nil {
			return err
		}

		if next := repository.NextWaitingStep(steps); next != nil {
			next.Status = repository.StepPending
			if err := tx.TransitionStep(ctx, next, repository.StepWaiting); err != nil {
				return err
			}
			wf.Status = repository.WorkflowInProgress
			result.NextStep = next
		} else {
			wf.Status = repository.WorkflowApproved
			wf.CompletedAt = &now
			result.Completed = true
		}
		wf.UpdatedAt = now
		if err := tx.UpdateWorkflow(ctx, wf); err != nil {
			return err
		}

		order := cur.StepOrder
		result.Workflow = wf
		result.Step = cur
		return tx.AppendAudit(ctx, &repository.AuditEntry{
			WorkflowID:   wf.ID,
			StepOrder:    &order,
			Action:       repository.AuditApproved,
			PerformedBy:  checkerID,
			PerformedAt:  now,
			StatusBefore: repository.StatusPtr(statusBefore),
			StatusAfter:  repository.StatusPtr(wf.Status),
			Metadata:     map[string]any{"role": string(cur.ApproverRole), "comments": comments},
		})
	})
	if err != nil {
		return nil, err
	}

	e.inst.approvals.Add(ctx, 1, metric.WithAttributes(attribute.String("role", string(result.Step.ApproverRole))))
	e.log.Info().
		Str("workflow_id", workflowID).
		Str("checker_id", checkerID).
		Int("step", result.Step.StepOrder).
		Bool("completed", result.Completed).
		Msg("Approval step signed off")

	wf := result.Workflow
	if result.Completed {
		e.notify.completed(ctx, wf.ID, wf.InitiatedBy, wf.Status)
	} else if result.NextStep != nil {
		e.notify.approvalRequired(ctx, wf.ID, result.NextStep.ApproverRole,
			fmt.Sprintf("step %d of %s on %s %s awaits %s approval",
				result.NextStep.StepOrder, wf.ActionType, wf.ResourceType, wf.ResourceID, result.NextStep.ApproverRole))
	}
	return result, nil
}

// ── Reject ───────────────────────────────────────────────────────────────────

// RejectWorkflow ends the chain at the current step. Steps not yet reached
// are marked skipped.
func (e *WorkflowEngine) RejectWorkflow(ctx context.Context, workflowID, checkerID, reason string, opts ...DecisionOption) (result *ApprovalResult, err error) {
	ctx, span := e.start(ctx, "RejectWorkflow", attribute.String("workflow_id", workflowID))
	defer func() { e.end(span, err) }()

	v := map[string]string{}
	if strings.TrimSpace(checkerID) == "" {
		v["checker_id"] = "checker id is required"
	}
	if strings.TrimSpace(reason) == "" {
		v["reason"] = "rejection reason is required"
	}
	if len(v) > 0 {
		return nil, errors.Validation(v)
	}
	roles, err := e.rolesFor(ctx, checkerID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	result = &ApprovalResult{Completed: true}

	err = e.store.InTx(ctx, func(tx repository.Tx) error {
		wf, steps, cur, err := e.lockForChecker(ctx, tx, workflowID, checkerID, roles, decisionOf(opts))
		if err != nil {
			return err
		}
		statusBefore := wf.Status

		cur.Status = repository.StepRejected
		cur.ApprovedBy = &checkerID
		cur.ApprovedAt = &now
		cur.Comments = &reason
		if err := transitionCurrent(ctx, tx, cur); err != nil {
			return err
		}
		if err := voidWaiting(ctx, tx, steps, repository.StepSkipped); err != nil {
			return err
		}

		wf.Status = repository.WorkflowRejected
		wf.RejectionReason = &reason
		wf.CompletedAt = &now
		wf.UpdatedAt = now
		if err := tx.UpdateWorkflow(ctx, wf); err != nil {
			return err
		}

		order := cur.StepOrder
		result.Workflow = wf
		result.Step = cur
		return tx.AppendAudit(ctx, &repository.AuditEntry{
			WorkflowID:   wf.ID,
			StepOrder:    &order,
			Action:       repository.AuditRejected,
			PerformedBy:  checkerID,
			PerformedAt:  now,
			StatusBefore: repository.StatusPtr(statusBefore),
			StatusAfter:  repository.StatusPtr(repository.WorkflowRejected),
			Metadata:     map[string]any{"role": string(cur.ApproverRole), "reason": reason},
		})
	})
	if err != nil {
		return nil, err
	}

	e.inst.rejections.Add(ctx, 1)
	e.log.Info().
		Str("workflow_id", workflowID).
		Str("checker_id", checkerID).
		Int("step", result.Step.StepOrder).
		Msg("Approval workflow rejected")

	e.notify.completed(ctx, workflowID, result.Workflow.InitiatedBy, repository.WorkflowRejected)
	return result, nil
}

// ── Cancel ───────────────────────────────────────────────────────────────────

// CancelWorkflow cancels a non-terminal workflow. Only the initiator or a
// holder of a cancellation role may cancel. A workflow that already finished
// is reported as not cancelled, without error.
func (e *WorkflowEngine) CancelWorkflow(ctx context.Context, workflowID, cancelledBy, reason string) (cancelled bool, err error) {
	ctx, span := e.start(ctx, "CancelWorkflow", attribute.String("workflow_id", workflowID))
	defer func() { e.end(span, err) }()

	v := map[string]string{}
	if strings.TrimSpace(cancelledBy) == "" {
		v["cancelled_by"] = "cancelled by is required"
	}
	if strings.TrimSpace(reason) == "" {
		v["reason"] = "cancellation reason is required"
	}
	if len(v) > 0 {
		return false, errors.Validation(v)
	}

	if err := e.authorizeSupervisor(ctx, workflowID, cancelledBy, "cancel"); err != nil {
		return false, err
	}

	now := e.now().UTC()
	var wf *repository.WorkflowInstance
	err = e.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		wf, err = tx.LockWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if wf.Status.IsTerminal() {
			return nil
		}
		statusBefore := wf.Status

		steps, err := tx.GetSteps(ctx, workflowID)
		if err != nil {
			return err
		}
		if cur := repository.CurrentStep(steps); cur != nil {
			cur.Status = repository.StepCancelled
			if err := transitionCurrent(ctx, tx, cur); err != nil {
				return err
			}
		}
		if err := voidWaiting(ctx, tx, steps, repository.StepCancelled); err != nil {
			return err
		}

		wf.Status = repository.WorkflowCancelled
		wf.CancelledBy = &cancelledBy
		wf.CancellationReason = &reason
		wf.CompletedAt = &now
		wf.UpdatedAt = now
		if err := tx.UpdateWorkflow(ctx, wf); err != nil {
			return err
		}
		cancelled = true

		return tx.AppendAudit(ctx, &repository.AuditEntry{
			WorkflowID:   wf.ID,
			Action:       repository.AuditCancelled,
			PerformedBy:  cancelledBy,
			PerformedAt:  now,
			StatusBefore: repository.StatusPtr(statusBefore),
			StatusAfter:  repository.StatusPtr(repository.WorkflowCancelled),
			Metadata:     map[string]any{"reason": reason},
		})
	})
	if err != nil {
		return false, err
	}
	if !cancelled {
		e.log.Info().
			Str("workflow_id", workflowID).
			Str("status", string(wf.Status)).
			Msg("Cancellation ignored; workflow already finished")
		return false, nil
	}

	e.inst.cancels.Add(ctx, 1)
	e.log.Info().
		Str("workflow_id", workflowID).
		Str("cancelled_by", cancelledBy).
		Msg("Approval workflow cancelled")

	e.notify.completed(ctx, workflowID, wf.InitiatedBy, repository.WorkflowCancelled)
	return true, nil
}

// ── Complete ─────────────────────────────────────────────────────────────────

// CompleteWorkflow records that the approved action was carried out. Only
// the initiator or a manager may complete. A workflow already completed is
// reported as not completed, without error.
func (e *WorkflowEngine) CompleteWorkflow(ctx context.Context, workflowID, completedBy string) (completed bool, err error) {
	ctx, span := e.start(ctx, "CompleteWorkflow", attribute.String("workflow_id", workflowID))
	defer func() { e.end(span, err) }()

	if strings.TrimSpace(completedBy) == "" {
		return false, errors.InvalidInput("completed_by", "completed by is required")
	}
	if err := e.authorizeSupervisor(ctx, workflowID, completedBy, "complete"); err != nil {
		return false, err
	}

	now := e.now().UTC()
	var wf *repository.WorkflowInstance
	err = e.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		wf, err = tx.LockWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		switch wf.Status {
		case repository.WorkflowCompleted:
			return nil
		case repository.WorkflowApproved:
		default:
			return errors.Conflict(fmt.Sprintf("workflow cannot be completed from status %s", wf.Status))
		}

		wf.Status = repository.WorkflowCompleted
		wf.UpdatedAt = now
		if err := tx.UpdateWorkflow(ctx, wf); err != nil {
			return err
		}
		completed = true

		return tx.AppendAudit(ctx, &repository.AuditEntry{
			WorkflowID:   wf.ID,
			Action:       repository.AuditCompleted,
			PerformedBy:  completedBy,
			PerformedAt:  now,
			StatusBefore: repository.StatusPtr(repository.WorkflowApproved),
			StatusAfter:  repository.StatusPtr(repository.WorkflowCompleted),
		})
	})
	if err != nil {
		return false, err
	}
	if completed {
		e.log.Info().Str("workflow_id", workflowID).Str("completed_by", completedBy).Msg("Approval workflow completed")
		e.notify.completed(ctx, workflowID, wf.InitiatedBy, repository.WorkflowCompleted)
	}
	return completed, nil
}

// ── Escalate ─────────────────────────────────────────────────────────────────

// EscalateApproval hands a stalled workflow to a higher authority. The
// current pending step is marked escalated and a new step is appended for
// the escalation target with a fresh deadline. Prior steps are never
// rewritten. When the current step already sits at the target tier the
// workflow is marked expired instead. The audit trail records the system as
// the performer.
func (e *WorkflowEngine) EscalateApproval(ctx context.Context, workflowID, reason string) (*EscalationResult, error) {
	return e.escalate(ctx, workflowID, reason, SystemActor)
}

// RequestEscalation is EscalateApproval on behalf of a person. Only the
// initiator or a manager may ask for it; the audit trail records them.
func (e *WorkflowEngine) RequestEscalation(ctx context.Context, workflowID, requestedBy, reason string) (*EscalationResult, error) {
	if strings.TrimSpace(requestedBy) == "" {
		return nil, errors.InvalidInput("requested_by", "requester is required")
	}
	if err := e.authorizeSupervisor(ctx, workflowID, requestedBy, "escalate"); err != nil {
		return nil, err
	}
	return e.escalate(ctx, workflowID, reason, requestedBy)
}

func (e *WorkflowEngine) escalate(ctx context.Context, workflowID, reason, actor string) (result *EscalationResult, err error) {
	ctx, span := e.start(ctx, "EscalateApproval", attribute.String("workflow_id", workflowID))
	defer func() { e.end(span, err) }()

	if strings.TrimSpace(reason) == "" {
		return nil, errors.InvalidInput("reason", "escalation reason is required")
	}

	now := e.now().UTC()
	result = &EscalationResult{}

	err = e.store.InTx(ctx, func(tx repository.Tx) error {
		wf, err := tx.LockWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if wf.Status != repository.WorkflowPending && wf.Status != repository.WorkflowInProgress {
			return errors.Conflict(fmt.Sprintf("workflow cannot be escalated from status %s", wf.Status))
		}
		statusBefore := wf.Status

		steps, err := tx.GetSteps(ctx, workflowID)
		if err != nil {
			return err
		}
		cur := repository.CurrentStep(steps)
		if cur == nil {
			return errors.New(errors.ErrCodeNoPending, "workflow has no pending step")
		}
		result.FromRole = cur.ApproverRole
		result.Workflow = wf

		target, ok := e.resolver.NextEscalation(wf.ActionType, wf.Amount, cur.ApproverRole)
		if !ok {
			wf.Status = repository.WorkflowExpired
			wf.UpdatedAt = now
			if err := tx.UpdateWorkflow(ctx, wf); err != nil {
				return err
			}
			result.Expired = true
			result.TargetRole = cur.ApproverRole
			order := cur.StepOrder
			return tx.AppendAudit(ctx, &repository.AuditEntry{
				WorkflowID:   wf.ID,
				StepOrder:    &order,
				Action:       repository.AuditExpired,
				PerformedBy:  actor,
				PerformedAt:  now,
				StatusBefore: repository.StatusPtr(statusBefore),
				StatusAfter:  repository.StatusPtr(repository.WorkflowExpired),
				Metadata:     map[string]any{"reason": reason, "role": string(cur.ApproverRole)},
			})
		}

		cur.Status = repository.StepEscalated
		if err := transitionCurrent(ctx, tx, cur); err != nil {
			return err
		}
		step := &repository.ApprovalStep{
			WorkflowID:   wf.ID,
			StepOrder:    repository.MaxStepOrder(steps) + 1,
			ApproverRole: target,
			Status:       repository.StepPending,
			IsEscalated:  true,
			CreatedAt:    now,
		}
		if err := tx.InsertStep(ctx, step); err != nil {
			return err
		}

		deadline := now.Add(policy.DeadlineWindow(wf.Priority))
		wf.ApprovalDeadline = &deadline
		wf.EscalationCount++
		if wf.EscalatedAt == nil {
			wf.EscalatedAt = &now
			wf.EscalationReason = &reason
		}
		wf.UpdatedAt = now
		if err := tx.UpdateWorkflow(ctx, wf); err != nil {
			return err
		}

		result.Escalated = true
		result.TargetRole = target
		result.NewStep = step
		order := step.StepOrder
		return tx.AppendAudit(ctx, &repository.AuditEntry{
			WorkflowID:   wf.ID,
			StepOrder:    &order,
			Action:       repository.AuditEscalated,
			PerformedBy:  actor,
			PerformedAt:  now,
			StatusBefore: repository.StatusPtr(statusBefore),
			StatusAfter:  repository.StatusPtr(wf.Status),
			Metadata: map[string]any{
				"reason":           reason,
				"from_role":        string(cur.ApproverRole),
				"to_role":          string(target),
				"escalation_count": wf.EscalationCount,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	outcome := "escalated"
	if result.Expired {
		outcome = "expired"
	}
	e.inst.escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))

	if result.Expired {
		e.log.Warn().
			Str("workflow_id", workflowID).
			Str("role", string(result.FromRole)).
			Msg("Approval workflow expired; no higher escalation target")
		e.notify.escalation(ctx, workflowID, result.FromRole, "approval window lapsed with no higher authority: "+reason)
		return result, nil
	}

	e.log.Info().
		Str("workflow_id", workflowID).
		Str("from_role", string(result.FromRole)).
		Str("to_role", string(result.TargetRole)).
		Int("step", result.NewStep.StepOrder).
		Msg("Approval workflow escalated")
	e.notify.escalation(ctx, workflowID, result.TargetRole, reason)
	return result, nil
}

// ── Authorization helpers ────────────────────────────────────────────────────

// lockForChecker locks the workflow and checks that checkerID may act on its
// current pending step. A checker whose turn has already passed, because
// they signed an earlier step or their step was decided or escalated
// meanwhile, finds nothing pending rather than being refused.
func (e *WorkflowEngine) lockForChecker(
	ctx context.Context,
	tx repository.Tx,
	workflowID, checkerID string,
	roles []repository.Role,
	d decision,
) (*repository.WorkflowInstance, []*repository.ApprovalStep, *repository.ApprovalStep, error) {
	wf, err := tx.LockWorkflow(ctx, workflowID)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := ValidateMakerCheckerRules(wf.ActionType, wf.InitiatedBy, checkerID, roles); err != nil {
		return nil, nil, nil, err
	}
	if !wf.Status.AwaitsApproval() {
		return nil, nil, nil, errors.New(errors.ErrCodeNoPending,
			fmt.Sprintf("workflow is %s and has no pending step", wf.Status))
	}

	steps, err := tx.GetSteps(ctx, workflowID)
	if err != nil {
		return nil, nil, nil, err
	}
	cur := repository.CurrentStep(steps)
	if cur == nil {
		return nil, nil, nil, errors.New(errors.ErrCodeNoPending, "workflow has no pending step")
	}
	if d.stepOrder != 0 && d.stepOrder != cur.StepOrder {
		return nil, nil, nil, errors.New(errors.ErrCodeNoPending,
			fmt.Sprintf("step %d is no longer pending; step %d is", d.stepOrder, cur.StepOrder))
	}
	for _, s := range steps {
		if s.Status == repository.StepApproved && s.ApprovedBy != nil && *s.ApprovedBy == checkerID {
			return nil, nil, nil, errors.New(errors.ErrCodeNoPending,
				fmt.Sprintf("checker already signed off step %d; nothing is pending for them", s.StepOrder))
		}
	}
	if !hasRole(roles, cur.ApproverRole) {
		if passed := passedStepFor(steps, roles); passed != nil {
			return nil, nil, nil, errors.New(errors.ErrCodeNoPending,
				fmt.Sprintf("step %d for %s is already %s", passed.StepOrder, passed.ApproverRole, passed.Status))
		}
		return nil, nil, nil, errors.Unauthorized(
			fmt.Sprintf("step %d requires role %s", cur.StepOrder, cur.ApproverRole))
	}
	return wf, steps, cur, nil
}

// passedStepFor returns the latest approved or escalated step whose role the
// checker holds.
func passedStepFor(steps []*repository.ApprovalStep, roles []repository.Role) *repository.ApprovalStep {
	var passed *repository.ApprovalStep
	for _, s := range steps {
		if s.Status != repository.StepApproved && s.Status != repository.StepEscalated {
			continue
		}
		if hasRole(roles, s.ApproverRole) && (passed == nil || s.StepOrder > passed.StepOrder) {
			passed = s
		}
	}
	return passed
}

// authorizeSupervisor lets the initiator through, and anyone else only when
// they hold a manager role.
func (e *WorkflowEngine) authorizeSupervisor(ctx context.Context, workflowID, userID, action string) error {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.InitiatedBy == userID {
		return nil
	}
	roles, err := e.rolesFor(ctx, userID)
	if err != nil {
		return err
	}
	if !policy.MayCancel(roles) {
		return errors.Unauthorized(fmt.Sprintf("only the initiator or a manager may %s this workflow", action))
	}
	return nil
}

// rolesFor asks the oracle for a user's roles. Oracle failures surface as
// DEPENDENCY_UNAVAILABLE.
func (e *WorkflowEngine) rolesFor(ctx context.Context, userID string) ([]repository.Role, error) {
	roles, err := e.oracle.GetRolesForUser(ctx, userID)
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodeDependency {
			return nil, err
		}
		return nil, errors.Dependency(err, "role oracle unavailable")
	}
	return roles, nil
}

// ── Internal helpers ─────────────────────────────────────────────────────────

// transitionCurrent moves the pending step on. Losing the pending guard to a
// concurrent caller is reported as NO_PENDING_STEP.
func transitionCurrent(ctx context.Context, tx repository.Tx, step *repository.ApprovalStep) error {
	err := tx.TransitionStep(ctx, step, repository.StepPending)
	if errors.HasCode(err, errors.ErrCodeConflict) {
		return errors.New(errors.ErrCodeNoPending, "approval step was already resolved")
	}
	return err
}

// voidWaiting moves every step not yet reached to status.
func voidWaiting(ctx context.Context, tx repository.Tx, steps []*repository.ApprovalStep, status repository.StepStatus) error {
	for _, s := range steps {
		if s.Status != repository.StepWaiting {
			continue
		}
		s.Status = status
		if err := tx.TransitionStep(ctx, s, repository.StepWaiting); err != nil {
			return err
		}
	}
	return nil
}

func (e *WorkflowEngine) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.inst.tracer.Start(ctx, "WorkflowEngine."+op, trace.WithAttributes(attrs...))
}

func (e *WorkflowEngine) end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errors.CodeOf(err)))
	}
	span.End()
}

func hasRole(roles []repository.Role, want repository.Role) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}

func rolesToStrings(roles []repository.Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

func optional(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
