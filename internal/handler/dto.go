package handler

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
	"github.com/pesio-ai/be-ops-approvals/internal/service"
)

// ── Requests ─────────────────────────────────────────────────────────────────

type InitiateRequest struct {
	ActionType              string          `json:"action_type"`
	ResourceType            string          `json:"resource_type"`
	ResourceID              string          `json:"resource_id"`
	Payload                 json.RawMessage `json:"payload,omitempty"`
	MakerID                 string          `json:"maker_id"`
	BusinessJustification   string          `json:"business_justification"`
	Amount                  json.RawMessage `json:"amount,omitempty"`
	Currency                string          `json:"currency,omitempty"`
	Priority                string          `json:"priority,omitempty"`
	RequestedCompletionDate *time.Time      `json:"requested_completion_date,omitempty"`
}

// toAction accepts the amount as a JSON number or a decimal string.
func (r *InitiateRequest) toAction() (service.MakerAction, error) {
	amount, err := parseAmount(r.Amount)
	if err != nil {
		return service.MakerAction{}, err
	}
	return service.MakerAction{
		ActionType:              r.ActionType,
		ResourceType:            r.ResourceType,
		ResourceID:              r.ResourceID,
		Payload:                 r.Payload,
		MakerID:                 r.MakerID,
		BusinessJustification:   r.BusinessJustification,
		Amount:                  amount,
		Currency:                r.Currency,
		Priority:                r.Priority,
		RequestedCompletionDate: r.RequestedCompletionDate,
	}, nil
}

func parseAmount(raw json.RawMessage) (*apd.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	text := string(raw)
	if raw[0] == '"' {
		unquoted, err := strconv.Unquote(text)
		if err != nil {
			return nil, errors.InvalidInput("amount", "amount must be a decimal number")
		}
		text = unquoted
	}
	d, _, err := apd.NewFromString(text)
	if err != nil {
		return nil, errors.InvalidInput("amount", "amount must be a decimal number")
	}
	return d, nil
}

type DecisionRequest struct {
	WorkflowID string `json:"workflow_id"`
	CheckerID  string `json:"checker_id"`
	Comments   string `json:"comments,omitempty"`
	Reason     string `json:"reason,omitempty"`
	StepOrder  int    `json:"step_order,omitempty"`
}

type CancelRequest struct {
	WorkflowID  string `json:"workflow_id"`
	CancelledBy string `json:"cancelled_by"`
	Reason      string `json:"reason"`
}

type CompleteRequest struct {
	WorkflowID  string `json:"workflow_id"`
	CompletedBy string `json:"completed_by"`
}

type EscalateRequest struct {
	WorkflowID  string `json:"workflow_id"`
	RequestedBy string `json:"requested_by"`
	Reason      string `json:"reason"`
}

// ── Responses ────────────────────────────────────────────────────────────────

type WorkflowResponse struct {
	ID                      string          `json:"id"`
	ActionType              string          `json:"action_type"`
	ResourceType            string          `json:"resource_type"`
	ResourceID              string          `json:"resource_id"`
	Payload                 json.RawMessage `json:"payload,omitempty"`
	Status                  string          `json:"status"`
	InitiatedBy             string          `json:"initiated_by"`
	InitiatedAt             time.Time       `json:"initiated_at"`
	BusinessJustification   string          `json:"business_justification"`
	Amount                  *string         `json:"amount,omitempty"`
	Currency                *string         `json:"currency,omitempty"`
	Priority                string          `json:"priority"`
	RequestedCompletionDate *time.Time      `json:"requested_completion_date,omitempty"`
	ApprovalDeadline        *time.Time      `json:"approval_deadline,omitempty"`
	CompletedAt             *time.Time      `json:"completed_at,omitempty"`
	RejectionReason         *string         `json:"rejection_reason,omitempty"`
	EscalatedAt             *time.Time      `json:"escalated_at,omitempty"`
	EscalationReason        *string         `json:"escalation_reason,omitempty"`
	EscalationCount         int             `json:"escalation_count"`
	CancelledBy             *string         `json:"cancelled_by,omitempty"`
	CancellationReason      *string         `json:"cancellation_reason,omitempty"`
	Version                 int             `json:"version"`
	Steps                   []*StepResponse `json:"steps,omitempty"`
	CurrentStep             *StepResponse   `json:"current_step,omitempty"`
}

type StepResponse struct {
	StepOrder    int        `json:"step_order"`
	ApproverRole string     `json:"approver_role"`
	Status       string     `json:"status"`
	ApprovedBy   *string    `json:"approved_by,omitempty"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	Comments     *string    `json:"comments,omitempty"`
	IsEscalated  bool       `json:"is_escalated"`
}

type AuditResponse struct {
	ID           string         `json:"id"`
	StepOrder    *int           `json:"step_order,omitempty"`
	Action       string         `json:"action"`
	PerformedBy  string         `json:"performed_by"`
	PerformedAt  time.Time      `json:"performed_at"`
	StatusBefore *string        `json:"status_before,omitempty"`
	StatusAfter  *string        `json:"status_after,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type ApprovalResponse struct {
	Workflow  *WorkflowResponse `json:"workflow"`
	Step      *StepResponse     `json:"step"`
	NextStep  *StepResponse     `json:"next_step,omitempty"`
	Completed bool              `json:"completed"`
}

type EscalationResponse struct {
	Workflow   *WorkflowResponse `json:"workflow"`
	Escalated  bool              `json:"escalated"`
	Expired    bool              `json:"expired"`
	FromRole   string            `json:"from_role"`
	TargetRole string            `json:"target_role"`
	NewStep    *StepResponse     `json:"new_step,omitempty"`
}

type MetricsResponse struct {
	From                     time.Time      `json:"from"`
	To                       time.Time      `json:"to"`
	Total                    int            `json:"total"`
	ByStatus                 map[string]int `json:"by_status"`
	ByActionType             map[string]int `json:"by_action_type"`
	ByPriority               map[string]int `json:"by_priority"`
	AverageCompletionSeconds float64        `json:"average_completion_seconds"`
	OverduePending           int            `json:"overdue_pending"`
}

type ErrorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func toWorkflowResponse(wf *repository.WorkflowInstance) *WorkflowResponse {
	if wf == nil {
		return nil
	}
	out := &WorkflowResponse{
		ID:                      wf.ID,
		ActionType:              wf.ActionType,
		ResourceType:            wf.ResourceType,
		ResourceID:              wf.ResourceID,
		Payload:                 wf.Payload,
		Status:                  string(wf.Status),
		InitiatedBy:             wf.InitiatedBy,
		InitiatedAt:             wf.InitiatedAt,
		BusinessJustification:   wf.BusinessJustification,
		Currency:                wf.Currency,
		Priority:                string(wf.Priority),
		RequestedCompletionDate: wf.RequestedCompletionDate,
		ApprovalDeadline:        wf.ApprovalDeadline,
		CompletedAt:             wf.CompletedAt,
		RejectionReason:         wf.RejectionReason,
		EscalatedAt:             wf.EscalatedAt,
		EscalationReason:        wf.EscalationReason,
		EscalationCount:         wf.EscalationCount,
		CancelledBy:             wf.CancelledBy,
		CancellationReason:      wf.CancellationReason,
		Version:                 wf.Version,
	}
	if wf.Amount != nil {
		s := wf.Amount.String()
		out.Amount = &s
	}
	return out
}

func toViewResponse(v *service.WorkflowView) *WorkflowResponse {
	out := toWorkflowResponse(v.Workflow)
	out.Steps = toStepResponses(v.Steps)
	out.CurrentStep = toStepResponse(v.CurrentStep)
	return out
}

func toStepResponse(s *repository.ApprovalStep) *StepResponse {
	if s == nil {
		return nil
	}
	return &StepResponse{
		StepOrder:    s.StepOrder,
		ApproverRole: string(s.ApproverRole),
		Status:       string(s.Status),
		ApprovedBy:   s.ApprovedBy,
		ApprovedAt:   s.ApprovedAt,
		Comments:     s.Comments,
		IsEscalated:  s.IsEscalated,
	}
}

func toStepResponses(steps []*repository.ApprovalStep) []*StepResponse {
	out := make([]*StepResponse, 0, len(steps))
	for _, s := range steps {
		out = append(out, toStepResponse(s))
	}
	return out
}

func toAuditResponses(entries []*repository.AuditEntry) []*AuditResponse {
	out := make([]*AuditResponse, 0, len(entries))
	for _, e := range entries {
		a := &AuditResponse{
			ID:          e.ID,
			StepOrder:   e.StepOrder,
			Action:      string(e.Action),
			PerformedBy: e.PerformedBy,
			PerformedAt: e.PerformedAt,
			Metadata:    e.Metadata,
		}
		if e.StatusBefore != nil {
			s := string(*e.StatusBefore)
			a.StatusBefore = &s
		}
		if e.StatusAfter != nil {
			s := string(*e.StatusAfter)
			a.StatusAfter = &s
		}
		out = append(out, a)
	}
	return out
}

func toQueueResponse(items []*repository.QueueItem) []*WorkflowResponse {
	out := make([]*WorkflowResponse, 0, len(items))
	for _, it := range items {
		wf := toWorkflowResponse(it.Workflow)
		wf.CurrentStep = toStepResponse(it.CurrentStep)
		out = append(out, wf)
	}
	return out
}

func toApprovalResponse(r *service.ApprovalResult) *ApprovalResponse {
	return &ApprovalResponse{
		Workflow:  toWorkflowResponse(r.Workflow),
		Step:      toStepResponse(r.Step),
		NextStep:  toStepResponse(r.NextStep),
		Completed: r.Completed,
	}
}

func toEscalationResponse(r *service.EscalationResult) *EscalationResponse {
	return &EscalationResponse{
		Workflow:   toWorkflowResponse(r.Workflow),
		Escalated:  r.Escalated,
		Expired:    r.Expired,
		FromRole:   string(r.FromRole),
		TargetRole: string(r.TargetRole),
		NewStep:    toStepResponse(r.NewStep),
	}
}

func toMetricsResponse(m *repository.Metrics) *MetricsResponse {
	out := &MetricsResponse{
		From:                     m.From,
		To:                       m.To,
		Total:                    m.Total,
		ByStatus:                 map[string]int{},
		ByActionType:             m.ByActionType,
		ByPriority:               map[string]int{},
		AverageCompletionSeconds: m.AverageCompletionSeconds,
		OverduePending:           m.OverduePending,
	}
	for k, v := range m.ByStatus {
		out.ByStatus[string(k)] = v
	}
	for k, v := range m.ByPriority {
		out.ByPriority[string(k)] = v
	}
	return out
}

func toErrorResponse(err error) *ErrorResponse {
	var e *errors.Error
	if errors.As(err, &e) {
		return &ErrorResponse{Code: string(e.Code), Message: e.Message, Details: e.Details}
	}
	return &ErrorResponse{Code: string(errors.ErrCodeInternal), Message: "internal error"}
}
