package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-ops-approvals/internal/client"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// notifier delivers events after a workflow change has committed. Every
// failure is logged and swallowed: a lost notification never reverses an
// approval decision.
type notifier struct {
	sink client.NotificationSink
	log  *logger.Logger
}

func newNotifier(sink client.NotificationSink, log *logger.Logger) *notifier {
	return &notifier{sink: sink, log: log}
}

func (n *notifier) approvalRequired(ctx context.Context, workflowID string, role repository.Role, message string) {
	if n.sink == nil {
		return
	}
	if err := n.sink.NotifyApprovalRequired(detach(ctx), workflowID, role, message); err != nil {
		n.warn(err, "approval_required", workflowID)
	}
}

func (n *notifier) escalation(ctx context.Context, workflowID string, role repository.Role, reason string) {
	if n.sink == nil {
		return
	}
	if err := n.sink.NotifyEscalation(detach(ctx), workflowID, role, reason); err != nil {
		n.warn(err, "escalation", workflowID)
	}
}

func (n *notifier) completed(ctx context.Context, workflowID, initiator string, status repository.WorkflowStatus) {
	if n.sink == nil {
		return
	}
	if err := n.sink.NotifyWorkflowCompleted(detach(ctx), workflowID, initiator, status); err != nil {
		n.warn(err, "workflow_completed", workflowID)
	}
}

// reminder reports delivery so the caller only records reminders that left.
func (n *notifier) reminder(ctx context.Context, workflowID string, role repository.Role, deadline time.Time, urgency client.Urgency) bool {
	if n.sink == nil {
		return false
	}
	if err := n.sink.NotifyDeadlineReminder(detach(ctx), workflowID, role, deadline, urgency); err != nil {
		n.warn(err, "deadline_reminder", workflowID)
		return false
	}
	return true
}

func (n *notifier) warn(err error, event, workflowID string) {
	n.log.Warn().Err(err).
		Str("event", event).
		Str("workflow_id", workflowID).
		Msg("Failed to deliver notification (non-fatal)")
}

// detach keeps request values but drops the caller's cancellation, so a
// client hanging up after commit does not suppress the notification.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
