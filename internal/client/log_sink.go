package client

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// LogSink writes every notification to the service log. It is the sink used
// when no broker is configured, and a useful second sink in staging.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) NotifyApprovalRequired(_ context.Context, workflowID string, role repository.Role, message string) error {
	s.log.Info().Str("workflow_id", workflowID).Str("role", string(role)).Str("message", message).Msg("notify: approval required")
	return nil
}

func (s *LogSink) NotifyEscalation(_ context.Context, workflowID string, role repository.Role, reason string) error {
	s.log.Warn().Str("workflow_id", workflowID).Str("role", string(role)).Str("reason", reason).Msg("notify: workflow escalated")
	return nil
}

func (s *LogSink) NotifyDeadlineReminder(_ context.Context, workflowID string, role repository.Role, deadline time.Time, urgency Urgency) error {
	s.log.Info().Str("workflow_id", workflowID).Str("role", string(role)).Time("deadline", deadline).Str("urgency", string(urgency)).Msg("notify: deadline reminder")
	return nil
}

func (s *LogSink) NotifyWorkflowCompleted(_ context.Context, workflowID, initiator string, finalStatus repository.WorkflowStatus) error {
	s.log.Info().Str("workflow_id", workflowID).Str("initiator", initiator).Str("status", string(finalStatus)).Msg("notify: workflow finished")
	return nil
}

// FanOut delivers each notification to every sink. All sinks are attempted;
// their errors are joined.
type FanOut []NotificationSink

func (f FanOut) NotifyApprovalRequired(ctx context.Context, workflowID string, role repository.Role, message string) error {
	return f.each(func(s NotificationSink) error { return s.NotifyApprovalRequired(ctx, workflowID, role, message) })
}

func (f FanOut) NotifyEscalation(ctx context.Context, workflowID string, role repository.Role, reason string) error {
	return f.each(func(s NotificationSink) error { return s.NotifyEscalation(ctx, workflowID, role, reason) })
}

func (f FanOut) NotifyDeadlineReminder(ctx context.Context, workflowID string, role repository.Role, deadline time.Time, urgency Urgency) error {
	return f.each(func(s NotificationSink) error {
		return s.NotifyDeadlineReminder(ctx, workflowID, role, deadline, urgency)
	})
}

func (f FanOut) NotifyWorkflowCompleted(ctx context.Context, workflowID, initiator string, finalStatus repository.WorkflowStatus) error {
	return f.each(func(s NotificationSink) error {
		return s.NotifyWorkflowCompleted(ctx, workflowID, initiator, finalStatus)
	})
}

func (f FanOut) each(fn func(NotificationSink) error) error {
	var errs []error
	for _, s := range f {
		if err := fn(s); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
