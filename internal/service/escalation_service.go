package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pesio-ai/be-ops-approvals/internal/client"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

const (
	DefaultReminderWindow = 24 * time.Hour
	DefaultReminderDedup  = 12 * time.Hour
	DefaultUrgentWithin   = 4 * time.Hour
	DefaultBatchSize      = 500
)

// EscalationConfig tunes the periodic sweeps. Zero values use the defaults.
type EscalationConfig struct {
	ReminderWindow time.Duration
	ReminderDedup  time.Duration
	UrgentWithin   time.Duration
	BatchSize      int
}

func (c EscalationConfig) withDefaults() EscalationConfig {
	if c.ReminderWindow <= 0 {
		c.ReminderWindow = DefaultReminderWindow
	}
	if c.ReminderDedup <= 0 {
		c.ReminderDedup = DefaultReminderDedup
	}
	if c.UrgentWithin <= 0 {
		c.UrgentWithin = DefaultUrgentWithin
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

// EscalationSummary reports one escalation sweep.
type EscalationSummary struct {
	Examined   int
	Escalated  int
	Expired    int
	Conflicts  int
	Failed     int
	StartedAt  time.Time
	FinishedAt time.Time
}

// ReminderSummary reports one reminder sweep.
type ReminderSummary struct {
	Examined   int
	Sent       int
	Skipped    int
	Failed     int
	StartedAt  time.Time
	FinishedAt time.Time
}

// EscalationService runs the time-driven side of the engine.
type EscalationService struct {
	engine *WorkflowEngine
	store  repository.Store
	cfg    EscalationConfig
	log    *logger.Logger
}

// NewEscalationService creates a new EscalationService.
func NewEscalationService(engine *WorkflowEngine, cfg EscalationConfig, log *logger.Logger) *EscalationService {
	return &EscalationService{
		engine: engine,
		store:  engine.store,
		cfg:    cfg.withDefaults(),
		log:    log,
	}
}

// AutoEscalateExpiredWorkflows escalates every workflow awaiting a checker
// past its deadline. Each workflow is handled on its own; a failure on one
// does not stop the rest. Losing a race to a checker is not a failure.
func (s *EscalationService) AutoEscalateExpiredWorkflows(ctx context.Context) (*EscalationSummary, error) {
	sum := &EscalationSummary{StartedAt: s.engine.now().UTC()}

	overdue, err := s.store.ListOverdue(ctx, sum.StartedAt, s.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	sum.Examined = len(overdue)

	for _, wf := range overdue {
		if ctx.Err() != nil {
			break
		}
		reason := fmt.Sprintf("approval deadline %s exceeded", wf.ApprovalDeadline.UTC().Format(time.RFC3339))
		res, err := s.engine.EscalateApproval(ctx, wf.ID, reason)
		switch {
		case err == nil && res.Expired:
			sum.Expired++
		case err == nil:
			sum.Escalated++
		case errors.HasCode(err, errors.ErrCodeConflict), errors.HasCode(err, errors.ErrCodeNoPending):
			sum.Conflicts++
			s.log.Debug().Str("workflow_id", wf.ID).Err(err).Msg("Workflow moved on before escalation")
		default:
			sum.Failed++
			s.log.Error().Err(err).Str("workflow_id", wf.ID).Msg("Failed to escalate workflow")
		}
	}
	sum.FinishedAt = s.engine.now().UTC()

	s.log.Info().
		Int("examined", sum.Examined).
		Int("escalated", sum.Escalated).
		Int("expired", sum.Expired).
		Int("conflicts", sum.Conflicts).
		Int("failed", sum.Failed).
		Msg("Escalation sweep finished")

	if sum.Failed > 0 && sum.Failed == sum.Examined {
		return sum, errors.New(errors.ErrCodeInternal, fmt.Sprintf("all %d escalations failed", sum.Failed))
	}
	return sum, nil
}

// SendDeadlineReminders sends one reminder per workflow whose deadline falls
// within the reminder window, to the role of its current step. Workflows
// reminded within the de-duplication interval are skipped. A reminder is
// recorded only once the sink accepted it.
func (s *EscalationService) SendDeadlineReminders(ctx context.Context) (*ReminderSummary, error) {
	now := s.engine.now().UTC()
	sum := &ReminderSummary{StartedAt: now}

	due, err := s.store.ListDueBetween(ctx, now, now.Add(s.cfg.ReminderWindow), now.Add(-s.cfg.ReminderDedup), s.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	sum.Examined = len(due)

	for _, wf := range due {
		if ctx.Err() != nil {
			break
		}
		sent, err := s.remind(ctx, wf, now)
		switch {
		case err != nil:
			sum.Failed++
			s.log.Error().Err(err).Str("workflow_id", wf.ID).Msg("Failed to send deadline reminder")
		case sent:
			sum.Sent++
		default:
			sum.Skipped++
		}
	}
	sum.FinishedAt = s.engine.now().UTC()

	s.log.Info().
		Int("examined", sum.Examined).
		Int("sent", sum.Sent).
		Int("skipped", sum.Skipped).
		Int("failed", sum.Failed).
		Msg("Reminder sweep finished")

	if sum.Failed > 0 && sum.Failed == sum.Examined {
		return sum, errors.New(errors.ErrCodeInternal, fmt.Sprintf("all %d reminders failed", sum.Failed))
	}
	return sum, nil
}

func (s *EscalationService) remind(ctx context.Context, wf *repository.WorkflowInstance, now time.Time) (bool, error) {
	last, err := s.store.LastReminderAt(ctx, wf.ID)
	if err != nil {
		return false, err
	}
	if last != nil && now.Sub(*last) < s.cfg.ReminderDedup {
		return false, nil
	}

	steps, err := s.store.GetSteps(ctx, wf.ID)
	if err != nil {
		return false, err
	}
	cur := repository.CurrentStep(steps)
	if cur == nil {
		return false, nil
	}

	deadline := *wf.ApprovalDeadline
	urgency := client.UrgencyNormal
	if deadline.Sub(now) < s.cfg.UrgentWithin {
		urgency = client.UrgencyHigh
	}

	if !s.engine.notify.reminder(ctx, wf.ID, cur.ApproverRole, deadline, urgency) {
		return false, errors.New(errors.ErrCodeDependency, "notification sink rejected reminder")
	}
	if err := s.store.RecordReminder(ctx, &repository.ReminderRecord{
		WorkflowID: wf.ID,
		Role:       cur.ApproverRole,
		SentAt:     now,
	}); err != nil {
		return false, err
	}

	order := cur.StepOrder
	err = s.store.InTx(ctx, func(tx repository.Tx) error {
		return tx.AppendAudit(ctx, &repository.AuditEntry{
			WorkflowID:  wf.ID,
			StepOrder:   &order,
			Action:      repository.AuditReminderSent,
			PerformedBy: SystemActor,
			PerformedAt: now,
			Metadata: map[string]any{
				"role":     string(cur.ApproverRole),
				"urgency":  string(urgency),
				"deadline": deadline.Format(time.RFC3339),
			},
		})
	})
	if err != nil {
		s.log.Warn().Err(err).Str("workflow_id", wf.ID).Msg("Reminder sent but audit entry not written")
	}

	s.engine.inst.reminders.Add(ctx, 1)
	return true, nil
}
