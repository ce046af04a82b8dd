package client

import (
	"strings"

	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// Event types published by the notification sinks.
const (
	EventApprovalRequired  = "approval_required"
	EventEscalated         = "workflow_escalated"
	EventDeadlineReminder  = "deadline_reminder"
	EventWorkflowCompleted = "workflow_completed"
)

// NotificationEvent is the JSON document published for every workflow event.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	WorkflowID   string         `json:"workflow_id"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// UserRolesResponse is the RBAC service's answer to a roles lookup.
type UserRolesResponse struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

// toRoles keeps the approver roles this service knows about and drops the
// rest; an RBAC directory holds many roles that never gate approvals.
func toRoles(names []string) []repository.Role {
	seen := make(map[repository.Role]struct{}, len(names))
	roles := make([]repository.Role, 0, len(names))
	for _, n := range names {
		r, err := repository.ParseRole(strings.TrimSpace(n))
		if err != nil {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		roles = append(roles, r)
	}
	return roles
}
