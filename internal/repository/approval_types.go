package repository

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// ── Closed enums ─────────────────────────────────────────────────────────────

// WorkflowStatus is the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "pending"
	WorkflowInProgress WorkflowStatus = "in_progress"
	WorkflowApproved   WorkflowStatus = "approved"
	WorkflowRejected   WorkflowStatus = "rejected"
	WorkflowCancelled  WorkflowStatus = "cancelled"
	WorkflowEscalated  WorkflowStatus = "escalated"
	WorkflowCompleted  WorkflowStatus = "completed"
	WorkflowExpired    WorkflowStatus = "expired"
)

// ParseWorkflowStatus converts a stored string into a WorkflowStatus.
func ParseWorkflowStatus(s string) (WorkflowStatus, error) {
	switch st := WorkflowStatus(s); st {
	case WorkflowPending, WorkflowInProgress, WorkflowApproved, WorkflowRejected,
		WorkflowCancelled, WorkflowEscalated, WorkflowCompleted, WorkflowExpired:
		return st, nil
	}
	return "", fmt.Errorf("unknown workflow status %q", s)
}

// IsTerminal reports whether no further approval activity is possible.
// Approved is terminal for the approval chain; only completion follows it.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowApproved, WorkflowRejected, WorkflowCancelled, WorkflowCompleted:
		return true
	}
	return false
}

// AwaitsApproval reports whether the chain may still be advanced by a checker.
func (s WorkflowStatus) AwaitsApproval() bool {
	switch s {
	case WorkflowPending, WorkflowInProgress, WorkflowEscalated, WorkflowExpired:
		return true
	}
	return false
}

// StepStatus is the state of one approval step.
type StepStatus string

const (
	StepWaiting   StepStatus = "waiting"
	StepPending   StepStatus = "pending"
	StepApproved  StepStatus = "approved"
	StepRejected  StepStatus = "rejected"
	StepSkipped   StepStatus = "skipped"
	StepEscalated StepStatus = "escalated"
	StepCancelled StepStatus = "cancelled"
)

// ParseStepStatus converts a stored string into a StepStatus.
func ParseStepStatus(s string) (StepStatus, error) {
	switch st := StepStatus(s); st {
	case StepWaiting, StepPending, StepApproved, StepRejected, StepSkipped, StepEscalated, StepCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown step status %q", s)
}

// Priority drives deadline computation.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ParsePriority is lenient: empty or unrecognised input maps to normal,
// matching the default-safe deadline policy.
func ParsePriority(s string) Priority {
	switch p := Priority(normalize(s)); p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return p
	}
	return PriorityNormal
}

// parseStoredPriority is strict; a stored row must hold a known value.
func parseStoredPriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return p, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// Role is an approver role name.
type Role string

const (
	RoleBackOffice        Role = "back_office"
	RoleBranchManager     Role = "branch_manager"
	RoleOperationsHead    Role = "operations_head"
	RoleComplianceOfficer Role = "compliance_officer"
	RoleRiskOfficer       Role = "risk_officer"
	RoleCreditOfficer     Role = "credit_officer"
)

var knownRoles = map[Role]struct{}{
	RoleBackOffice:        {},
	RoleBranchManager:     {},
	RoleOperationsHead:    {},
	RoleComplianceOfficer: {},
	RoleRiskOfficer:       {},
	RoleCreditOfficer:     {},
}

// ParseRole converts a string into a known Role.
func ParseRole(s string) (Role, error) {
	r := Role(normalize(s))
	if _, ok := knownRoles[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// AuditAction names an entry in the workflow history.
type AuditAction string

const (
	AuditInitiated    AuditAction = "initiated"
	AuditApproved     AuditAction = "approved"
	AuditRejected     AuditAction = "rejected"
	AuditCancelled    AuditAction = "cancelled"
	AuditCompleted    AuditAction = "completed"
	AuditEscalated    AuditAction = "escalated"
	AuditExpired      AuditAction = "expired"
	AuditReminderSent AuditAction = "reminder_sent"
)

// ── Entities ─────────────────────────────────────────────────────────────────

// WorkflowInstance is one initiated maker action awaiting or past approval.
type WorkflowInstance struct {
	ID                      string
	ActionType              string
	ResourceType            string
	ResourceID              string
	Payload                 json.RawMessage
	Status                  WorkflowStatus
	InitiatedBy             string
	InitiatedAt             time.Time
	BusinessJustification   string
	Amount                  *apd.Decimal
	Currency                *string
	Priority                Priority
	RequestedCompletionDate *time.Time
	ApprovalDeadline        *time.Time
	CompletedAt             *time.Time
	RejectionReason         *string
	EscalatedAt             *time.Time
	EscalationReason        *string
	EscalationCount         int
	CancelledBy             *string
	CancellationReason      *string
	Version                 int
	UpdatedAt               time.Time
}

// IsOverdue reports whether the approval deadline is strictly before now
// while the workflow still awaits a checker.
func (w *WorkflowInstance) IsOverdue(now time.Time) bool {
	if w.ApprovalDeadline == nil {
		return false
	}
	if w.Status != WorkflowPending && w.Status != WorkflowInProgress {
		return false
	}
	return w.ApprovalDeadline.Before(now)
}

// ApprovalStep is one link of a workflow's ordered approval chain.
type ApprovalStep struct {
	WorkflowID   string
	StepOrder    int
	ApproverRole Role
	Status       StepStatus
	ApprovedBy   *string
	ApprovedAt   *time.Time
	Comments     *string
	IsEscalated  bool
	CreatedAt    time.Time
}

// AuditEntry is one immutable record in a workflow's history.
type AuditEntry struct {
	ID           string
	WorkflowID   string
	StepOrder    *int
	Action       AuditAction
	PerformedBy  string
	PerformedAt  time.Time
	StatusBefore *WorkflowStatus
	StatusAfter  *WorkflowStatus
	Metadata     map[string]any
}

// ReminderRecord marks a deadline reminder sent for a workflow.
type ReminderRecord struct {
	WorkflowID string
	Role       Role
	SentAt     time.Time
}

// QueueItem pairs an awaiting workflow with its current step.
type QueueItem struct {
	Workflow    *WorkflowInstance
	CurrentStep *ApprovalStep
}

// Metrics is the aggregate view over a date range.
type Metrics struct {
	From                     time.Time
	To                       time.Time
	Total                    int
	ByStatus                 map[WorkflowStatus]int
	ByActionType             map[string]int
	ByPriority               map[Priority]int
	AverageCompletionSeconds float64
	OverduePending           int
}

// CurrentStep returns the pending step of a chain, or nil.
func CurrentStep(steps []*ApprovalStep) *ApprovalStep {
	for _, s := range steps {
		if s.Status == StepPending {
			return s
		}
	}
	return nil
}

// NextWaitingStep returns the lowest-order waiting step, or nil.
func NextWaitingStep(steps []*ApprovalStep) *ApprovalStep {
	var next *ApprovalStep
	for _, s := range steps {
		if s.Status != StepWaiting {
			continue
		}
		if next == nil || s.StepOrder < next.StepOrder {
			next = s
		}
	}
	return next
}

// MaxStepOrder returns the highest step order in a chain, 0 when empty.
func MaxStepOrder(steps []*ApprovalStep) int {
	max := 0
	for _, s := range steps {
		if s.StepOrder > max {
			max = s.StepOrder
		}
	}
	return max
}

// StatusPtr returns a pointer to s, for audit entries.
func StatusPtr(s WorkflowStatus) *WorkflowStatus { return &s }

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
