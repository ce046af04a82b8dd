package client

import (
	"context"
	"time"

	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// RoleOracle answers "which approver roles does this user hold".
type RoleOracle interface {
	GetRolesForUser(ctx context.Context, userID string) ([]repository.Role, error)
}

// NotificationSink receives workflow events. Delivery is the sink's concern;
// callers treat every method as fire-and-forget.
type NotificationSink interface {
	NotifyApprovalRequired(ctx context.Context, workflowID string, role repository.Role, message string) error
	NotifyEscalation(ctx context.Context, workflowID string, role repository.Role, reason string) error
	NotifyDeadlineReminder(ctx context.Context, workflowID string, role repository.Role, deadline time.Time, urgency Urgency) error
	NotifyWorkflowCompleted(ctx context.Context, workflowID, initiator string, finalStatus repository.WorkflowStatus) error
}

// Urgency grades a deadline reminder.
type Urgency string

const (
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
)
