package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// msgPublisher is the part of *nats.Conn the publisher needs.
type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// NotificationPublisher publishes workflow events to NATS for consumption by
// the notifications service.
//
// Subject convention: <prefix>.<event_type>, e.g. notifications.approvals.deadline_reminder.
// Recipients are role names; the notifications service fans out to users.
type NotificationPublisher struct {
	conn   msgPublisher
	prefix string
	log    zerolog.Logger
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// connection. An empty prefix defaults to "notifications.approvals".
func NewNotificationPublisher(conn *nats.Conn, prefix string, log zerolog.Logger) *NotificationPublisher {
	return newNotificationPublisher(conn, prefix, log)
}

func newNotificationPublisher(conn msgPublisher, prefix string, log zerolog.Logger) *NotificationPublisher {
	if prefix == "" {
		prefix = "notifications.approvals"
	}
	return &NotificationPublisher{conn: conn, prefix: prefix, log: log}
}

// ConnectNATS dials the NATS server with reconnect settings suited to a
// long-running service.
func ConnectNATS(url, name string, log zerolog.Logger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats: disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats: reconnected")
		}),
	)
}

// NotifyApprovalRequired implements NotificationSink.
func (p *NotificationPublisher) NotifyApprovalRequired(ctx context.Context, workflowID string, role repository.Role, message string) error {
	return p.publish(ctx, &NotificationEvent{
		EventType:    EventApprovalRequired,
		WorkflowID:   workflowID,
		Recipients:   []string{string(role)},
		IsActionable: true,
		Severity:     "info",
		Payload:      map[string]any{"message": message},
	})
}

// NotifyEscalation implements NotificationSink.
func (p *NotificationPublisher) NotifyEscalation(ctx context.Context, workflowID string, role repository.Role, reason string) error {
	return p.publish(ctx, &NotificationEvent{
		EventType:    EventEscalated,
		WorkflowID:   workflowID,
		Recipients:   []string{string(role)},
		IsActionable: true,
		Severity:     "warning",
		Payload:      map[string]any{"reason": reason},
	})
}

// NotifyDeadlineReminder implements NotificationSink.
func (p *NotificationPublisher) NotifyDeadlineReminder(ctx context.Context, workflowID string, role repository.Role, deadline time.Time, urgency Urgency) error {
	severity := "info"
	if urgency == UrgencyHigh {
		severity = "warning"
	}
	return p.publish(ctx, &NotificationEvent{
		EventType:    EventDeadlineReminder,
		WorkflowID:   workflowID,
		Recipients:   []string{string(role)},
		IsActionable: true,
		Severity:     severity,
		Payload: map[string]any{
			"deadline": deadline.UTC().Format(time.RFC3339),
			"urgency":  string(urgency),
		},
	})
}

// NotifyWorkflowCompleted implements NotificationSink.
func (p *NotificationPublisher) NotifyWorkflowCompleted(ctx context.Context, workflowID, initiator string, finalStatus repository.WorkflowStatus) error {
	return p.publish(ctx, &NotificationEvent{
		EventType:  EventWorkflowCompleted,
		WorkflowID: workflowID,
		Recipients: []string{initiator},
		Severity:   "info",
		Payload:    map[string]any{"final_status": string(finalStatus)},
	})
}

func (p *NotificationPublisher) publish(ctx context.Context, event *NotificationEvent) error {
	if p.conn == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	event.ResourceType = "workflow"
	event.Category = "ops_approval"

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notification: failed to marshal event: %w", err)
	}

	subject := p.prefix + "." + event.EventType
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set("Workflow-Id", event.WorkflowID)
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("notification: failed to publish %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("workflow_id", event.WorkflowID).
		Int("recipients", len(event.Recipients)).
		Msg("notification: event published")
	return nil
}
