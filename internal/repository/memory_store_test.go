package repository

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
)

func seedWorkflow(t *testing.T, s *MemoryStore, id string, deadline time.Time, roles ...Role) *WorkflowInstance {
	t.Helper()
	wf := &WorkflowInstance{
		ID:               id,
		ActionType:       "fund_transfer",
		Status:           WorkflowPending,
		InitiatedBy:      "maker-1",
		InitiatedAt:      deadline.Add(-72 * time.Hour),
		Priority:         PriorityNormal,
		ApprovalDeadline: &deadline,
	}
	err := s.InTx(context.Background(), func(tx Tx) error {
		if err := tx.InsertWorkflow(context.Background(), wf); err != nil {
			return err
		}
		for i, r := range roles {
			status := StepWaiting
			if i == 0 {
				status = StepPending
			}
			step := &ApprovalStep{WorkflowID: id, StepOrder: i + 1, ApproverRole: r, Status: status}
			if err := tx.InsertStep(context.Background(), step); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return wf
}

func TestMemoryStore_FailedUnitLeavesNoTrace(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	boom := stderrors.New("boom")

	err := s.InTx(ctx, func(tx Tx) error {
		wf := &WorkflowInstance{ID: "wf-1", Status: WorkflowPending, Priority: PriorityNormal}
		if err := tx.InsertWorkflow(ctx, wf); err != nil {
			return err
		}
		if err := tx.InsertStep(ctx, &ApprovalStep{WorkflowID: "wf-1", StepOrder: 1, Status: StepPending}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetWorkflow(ctx, "wf-1")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
	steps, err := s.GetSteps(ctx, "wf-1")
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestMemoryStore_UpdateWorkflowChecksVersion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedWorkflow(t, s, "wf-1", time.Now().Add(time.Hour), RoleBackOffice)

	stale, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)

	err = s.InTx(ctx, func(tx Tx) error {
		wf, err := tx.LockWorkflow(ctx, "wf-1")
		if err != nil {
			return err
		}
		wf.Status = WorkflowInProgress
		return tx.UpdateWorkflow(ctx, wf)
	})
	require.NoError(t, err)

	err = s.InTx(ctx, func(tx Tx) error {
		stale.Status = WorkflowCancelled
		return tx.UpdateWorkflow(ctx, stale)
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeConflict))

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, WorkflowInProgress, got.Status)
	assert.Equal(t, 2, got.Version)
}

func TestMemoryStore_TransitionStepGuard(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedWorkflow(t, s, "wf-1", time.Now().Add(time.Hour), RoleBackOffice, RoleBranchManager)

	approve := func() error {
		return s.InTx(ctx, func(tx Tx) error {
			step := &ApprovalStep{WorkflowID: "wf-1", StepOrder: 1, ApproverRole: RoleBackOffice, Status: StepApproved}
			return tx.TransitionStep(ctx, step, StepPending)
		})
	}
	require.NoError(t, approve())
	assert.True(t, errors.HasCode(approve(), errors.ErrCodeConflict))
}

func TestMemoryStore_Queues(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	seedWorkflow(t, s, "late", now.Add(-time.Hour), RoleBackOffice)
	seedWorkflow(t, s, "soon", now.Add(2*time.Hour), RoleBackOffice)
	seedWorkflow(t, s, "later", now.Add(30*time.Hour), RoleBackOffice)
	seedWorkflow(t, s, "other", now.Add(time.Hour), RoleComplianceOfficer)

	items, err := s.ListAwaitingByRoles(ctx, []Role{RoleBackOffice})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "late", items[0].Workflow.ID)
	assert.Equal(t, "soon", items[1].Workflow.ID)
	assert.Equal(t, "later", items[2].Workflow.ID)

	overdue, err := s.ListOverdue(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "late", overdue[0].ID)

	due, err := s.ListDueBetween(ctx, now, now.Add(24*time.Hour), now, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "other", due[0].ID)
	assert.Equal(t, "soon", due[1].ID)

	limited, err := s.ListDueBetween(ctx, now, now.Add(24*time.Hour), now, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "other", limited[0].ID)

	// A recent reminder takes "other" out before the limit applies.
	require.NoError(t, s.RecordReminder(ctx, &ReminderRecord{WorkflowID: "other", Role: RoleComplianceOfficer, SentAt: now.Add(-time.Minute)}))
	limited, err = s.ListDueBetween(ctx, now, now.Add(24*time.Hour), now.Add(-time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "soon", limited[0].ID)

	// Once the reminder is older than the cutoff it is listed again.
	due, err = s.ListDueBetween(ctx, now, now.Add(24*time.Hour), now, 0)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestMemoryStore_Reminders(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	last, err := s.LastReminderAt(ctx, "wf-1")
	require.NoError(t, err)
	assert.Nil(t, last)

	require.NoError(t, s.RecordReminder(ctx, &ReminderRecord{WorkflowID: "wf-1", Role: RoleBackOffice, SentAt: now.Add(-time.Hour)}))
	require.NoError(t, s.RecordReminder(ctx, &ReminderRecord{WorkflowID: "wf-1", Role: RoleBackOffice, SentAt: now}))

	last, err = s.LastReminderAt(ctx, "wf-1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, now.Equal(*last))
}

func TestMemoryStore_Metrics(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	seedWorkflow(t, s, "open", now.Add(-time.Hour), RoleBackOffice)
	done := seedWorkflow(t, s, "done", now.Add(time.Hour), RoleBackOffice)

	err := s.InTx(ctx, func(tx Tx) error {
		wf, err := tx.LockWorkflow(ctx, done.ID)
		if err != nil {
			return err
		}
		completed := wf.InitiatedAt.Add(2 * time.Hour)
		wf.Status = WorkflowApproved
		wf.CompletedAt = &completed
		return tx.UpdateWorkflow(ctx, wf)
	})
	require.NoError(t, err)

	m, err := s.Metrics(ctx, now.AddDate(0, 0, -7), now, now)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Total)
	assert.Equal(t, 1, m.ByStatus[WorkflowPending])
	assert.Equal(t, 1, m.ByStatus[WorkflowApproved])
	assert.Equal(t, 2, m.ByActionType["fund_transfer"])
	assert.InDelta(t, 7200.0, m.AverageCompletionSeconds, 0.001)
	assert.Equal(t, 1, m.OverduePending)
}
