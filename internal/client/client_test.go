package client

import (
	"context"
	"encoding/json"
	"fmt"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

func TestRBACClient_GetRolesForUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/users/checker-1/roles":
			assert.Equal(t, "req-7", r.Header.Get("X-Request-Id"))
			_ = json.NewEncoder(w).Encode(UserRolesResponse{
				UserID: "checker-1",
				Roles:  []string{"Branch_Manager", "teller", "back_office", "branch_manager"},
			})
		case "/api/v1/users/ghost/roles":
			http.NotFound(w, r)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewRBACClient(srv.URL+"/", time.Second)
	ctx := WithRequestID(context.Background(), "req-7")

	roles, err := c.GetRolesForUser(ctx, "checker-1")
	require.NoError(t, err)
	assert.Equal(t, []repository.Role{repository.RoleBranchManager, repository.RoleBackOffice}, roles)

	roles, err = c.GetRolesForUser(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, roles)

	_, err = c.GetRolesForUser(ctx, "broken")
	assert.True(t, errors.HasCode(err, errors.ErrCodeDependency))
}

func TestRBACClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := NewRBACClient(srv.URL, 100*time.Millisecond).GetRolesForUser(context.Background(), "u")
	assert.True(t, errors.HasCode(err, errors.ErrCodeDependency))
}

type countingOracle struct {
	calls int
	roles []repository.Role
	err   error
}

func (o *countingOracle) GetRolesForUser(context.Context, string) ([]repository.Role, error) {
	o.calls++
	return o.roles, o.err
}

func TestCachedOracle(t *testing.T) {
	next := &countingOracle{roles: []repository.Role{repository.RoleBackOffice}}
	c := NewCachedOracle(next, time.Minute)
	clock := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		roles, err := c.GetRolesForUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, []repository.Role{repository.RoleBackOffice}, roles)
	}
	assert.Equal(t, 1, next.calls)

	clock = clock.Add(2 * time.Minute)
	_, err := c.GetRolesForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)

	c.Invalidate("u1")
	_, err = c.GetRolesForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, next.calls)

	next.err = errors.Dependency(stderrors.New("down"), "down")
	_, err = c.GetRolesForUser(ctx, "u2")
	assert.Error(t, err)
	_, err = c.GetRolesForUser(ctx, "u2")
	assert.Error(t, err)
	assert.Equal(t, 5, next.calls)
}

func TestCachedOracle_DropsExpiredEntries(t *testing.T) {
	next := &countingOracle{roles: []repository.Role{repository.RoleBackOffice}}
	c := NewCachedOracle(next, time.Minute)
	clock := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }
	ctx := context.Background()

	for _, u := range []string{"u1", "u2", "u3"} {
		_, err := c.GetRolesForUser(ctx, u)
		require.NoError(t, err)
	}
	assert.Len(t, c.entries, 3)

	clock = clock.Add(2 * time.Minute)
	_, err := c.GetRolesForUser(ctx, "u4")
	require.NoError(t, err)
	assert.Len(t, c.entries, 1)
	assert.Contains(t, c.entries, "u4")

	// A run of one-off users never grows the map past a window's worth.
	for i := 0; i < 100; i++ {
		clock = clock.Add(30 * time.Second)
		_, err := c.GetRolesForUser(ctx, fmt.Sprintf("once-%d", i))
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, len(c.entries), 4)
}

func TestStaticOracle(t *testing.T) {
	o := NewStaticOracle(map[string][]string{"alice": {"back_office", "auditor"}})

	roles, err := o.GetRolesForUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []repository.Role{repository.RoleBackOffice}, roles)

	roles, err = o.GetRolesForUser(context.Background(), "bob")
	require.NoError(t, err)
	assert.Empty(t, roles)
}

type recordingConn struct {
	mu   sync.Mutex
	msgs []*nats.Msg
	err  error
}

func (c *recordingConn) PublishMsg(m *nats.Msg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func TestNotificationPublisher(t *testing.T) {
	conn := &recordingConn{}
	p := newNotificationPublisher(conn, "", zerolog.Nop())
	ctx := context.Background()
	deadline := time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)

	require.NoError(t, p.NotifyDeadlineReminder(ctx, "wf-1", repository.RoleBackOffice, deadline, UrgencyHigh))
	require.Len(t, conn.msgs, 1)

	msg := conn.msgs[0]
	assert.Equal(t, "notifications.approvals.deadline_reminder", msg.Subject)
	assert.Equal(t, "wf-1", msg.Header.Get("Workflow-Id"))

	var event NotificationEvent
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	assert.Equal(t, EventDeadlineReminder, event.EventType)
	assert.Equal(t, []string{"back_office"}, event.Recipients)
	assert.Equal(t, "warning", event.Severity)
	assert.Equal(t, "high", event.Payload["urgency"])
	assert.Equal(t, "2026-03-02T13:00:00Z", event.Payload["deadline"])

	conn.err = nats.ErrConnectionClosed
	err := p.NotifyWorkflowCompleted(ctx, "wf-1", "maker-1", repository.WorkflowApproved)
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
}

func TestNotificationPublisher_NilConnIsNoop(t *testing.T) {
	p := newNotificationPublisher(nil, "x", zerolog.Nop())
	assert.NoError(t, p.NotifyEscalation(context.Background(), "wf-1", repository.RoleOperationsHead, "late"))
}

type failingSink struct{ LogSink }

func (failingSink) NotifyEscalation(context.Context, string, repository.Role, string) error {
	return stderrors.New("sink down")
}

func TestFanOut(t *testing.T) {
	conn := &recordingConn{}
	f := FanOut{
		&failingSink{LogSink: *NewLogSink(zerolog.Nop())},
		newNotificationPublisher(conn, "ops", zerolog.Nop()),
	}

	err := f.NotifyEscalation(context.Background(), "wf-1", repository.RoleBranchManager, "deadline exceeded")
	assert.EqualError(t, err, "sink down")
	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "ops.workflow_escalated", conn.msgs[0].Subject)

	assert.NoError(t, f.NotifyApprovalRequired(context.Background(), "wf-1", repository.RoleBackOffice, "please review"))
}
