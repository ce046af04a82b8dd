package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
)

// MemoryStore is an in-process Store. Transactions hold a store-wide lock and
// stage their writes, which are applied only on success.
type MemoryStore struct {
	txMu sync.Mutex // serialises InTx units

	mu        sync.RWMutex
	workflows map[string]*WorkflowInstance
	steps     map[string][]*ApprovalStep
	audit     map[string][]*AuditEntry
	reminders map[string][]*ReminderRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: map[string]*WorkflowInstance{},
		steps:     map[string][]*ApprovalStep{},
		audit:     map[string][]*AuditEntry{},
		reminders: map[string][]*ReminderRecord{},
	}
}

// InTx implements Store.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memTx{
		store:     s,
		workflows: map[string]*WorkflowInstance{},
		steps:     map[string][]*ApprovalStep{},
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Dependency(err, "transaction aborted")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, wf := range tx.workflows {
		s.workflows[id] = wf
	}
	for id, steps := range tx.steps {
		s.steps[id] = steps
	}
	for _, e := range tx.audit {
		s.audit[e.WorkflowID] = append(s.audit[e.WorkflowID], e)
	}
	return nil
}

// GetWorkflow implements Store.
func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, errors.NotFound("workflow", id)
	}
	return cloneWorkflow(wf), nil
}

// GetSteps implements Store.
func (s *MemoryStore) GetSteps(_ context.Context, workflowID string) ([]*ApprovalStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSteps(s.steps[workflowID]), nil
}

// GetAuditTrail implements Store.
func (s *MemoryStore) GetAuditTrail(_ context.Context, workflowID string) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AuditEntry, 0, len(s.audit[workflowID]))
	for _, e := range s.audit[workflowID] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// ListAwaitingByRoles implements Store.
func (s *MemoryStore) ListAwaitingByRoles(_ context.Context, roles []Role) ([]*QueueItem, error) {
	want := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		want[r] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var items []*QueueItem
	for id, wf := range s.workflows {
		if !wf.Status.AwaitsApproval() {
			continue
		}
		cur := CurrentStep(s.steps[id])
		if cur == nil {
			continue
		}
		if _, ok := want[cur.ApproverRole]; !ok {
			continue
		}
		step := *cur
		items = append(items, &QueueItem{Workflow: cloneWorkflow(wf), CurrentStep: &step})
	}
	sort.Slice(items, func(i, j int) bool {
		return deadlineLess(items[i].Workflow, items[j].Workflow)
	})
	return items, nil
}

// ListOverdue implements Store.
func (s *MemoryStore) ListOverdue(_ context.Context, now time.Time, limit int) ([]*WorkflowInstance, error) {
	return s.filter(limit, func(wf *WorkflowInstance) bool {
		return wf.IsOverdue(now)
	}), nil
}

// ListDueBetween implements Store.
func (s *MemoryStore) ListDueBetween(_ context.Context, from, to, remindedAfter time.Time, limit int) ([]*WorkflowInstance, error) {
	return s.filter(limit, func(wf *WorkflowInstance) bool {
		if wf.Status != WorkflowPending && wf.Status != WorkflowInProgress {
			return false
		}
		if wf.ApprovalDeadline == nil {
			return false
		}
		d := *wf.ApprovalDeadline
		if d.Before(from) || !d.Before(to) {
			return false
		}
		for _, r := range s.reminders[wf.ID] {
			if r.SentAt.After(remindedAfter) {
				return false
			}
		}
		return true
	}), nil
}

// LastReminderAt implements Store.
func (s *MemoryStore) LastReminderAt(_ context.Context, workflowID string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last *time.Time
	for _, r := range s.reminders[workflowID] {
		if last == nil || r.SentAt.After(*last) {
			t := r.SentAt
			last = &t
		}
	}
	return last, nil
}

// RecordReminder implements Store.
func (s *MemoryStore) RecordReminder(_ context.Context, rec *ReminderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.reminders[rec.WorkflowID] = append(s.reminders[rec.WorkflowID], &cp)
	return nil
}

// Metrics implements Store.
func (s *MemoryStore) Metrics(_ context.Context, from, to, now time.Time) (*Metrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := newMetrics(from, to)
	var completedCount int
	var completedSeconds float64
	for _, wf := range s.workflows {
		if wf.IsOverdue(now) {
			m.OverduePending++
		}
		if wf.InitiatedAt.Before(from) || wf.InitiatedAt.After(to) {
			continue
		}
		m.Total++
		m.ByStatus[wf.Status]++
		m.ByActionType[wf.ActionType]++
		m.ByPriority[wf.Priority]++
		if wf.Status.IsTerminal() && wf.CompletedAt != nil {
			completedCount++
			completedSeconds += wf.CompletedAt.Sub(wf.InitiatedAt).Seconds()
		}
	}
	if completedCount > 0 {
		m.AverageCompletionSeconds = completedSeconds / float64(completedCount)
	}
	return m, nil
}

func (s *MemoryStore) filter(limit int, keep func(*WorkflowInstance) bool) []*WorkflowInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*WorkflowInstance
	for _, wf := range s.workflows {
		if keep(wf) {
			out = append(out, cloneWorkflow(wf))
		}
	}
	sort.Slice(out, func(i, j int) bool { return deadlineLess(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ── transaction ──────────────────────────────────────────────────────────────

type memTx struct {
	store     *MemoryStore
	workflows map[string]*WorkflowInstance
	steps     map[string][]*ApprovalStep
	audit     []*AuditEntry
}

func (t *memTx) InsertWorkflow(_ context.Context, wf *WorkflowInstance) error {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if _, err := t.lookup(wf.ID); err == nil {
		return errors.Conflict("workflow already exists")
	}
	wf.Version = 1
	t.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

func (t *memTx) InsertStep(_ context.Context, step *ApprovalStep) error {
	steps, err := t.stepsFor(step.WorkflowID)
	if err != nil {
		return err
	}
	for _, s := range steps {
		if s.StepOrder == step.StepOrder {
			return errors.Conflict("approval step already exists")
		}
	}
	cp := *step
	t.steps[step.WorkflowID] = append(steps, &cp)
	return nil
}

func (t *memTx) LockWorkflow(_ context.Context, id string) (*WorkflowInstance, error) {
	wf, err := t.lookup(id)
	if err != nil {
		return nil, err
	}
	return cloneWorkflow(wf), nil
}

func (t *memTx) GetSteps(_ context.Context, workflowID string) ([]*ApprovalStep, error) {
	steps, err := t.stepsFor(workflowID)
	if err != nil {
		return nil, err
	}
	return cloneSteps(steps), nil
}

func (t *memTx) UpdateWorkflow(_ context.Context, wf *WorkflowInstance) error {
	cur, err := t.lookup(wf.ID)
	if err != nil {
		return err
	}
	if cur.Version != wf.Version {
		return errors.Conflict("workflow was modified concurrently")
	}
	wf.Version++
	t.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

func (t *memTx) TransitionStep(_ context.Context, step *ApprovalStep, from StepStatus) error {
	steps, err := t.stepsFor(step.WorkflowID)
	if err != nil {
		return err
	}
	for i, s := range steps {
		if s.StepOrder != step.StepOrder {
			continue
		}
		if s.Status != from {
			return errors.Conflict("approval step is no longer " + string(from))
		}
		cp := *step
		steps[i] = &cp
		t.steps[step.WorkflowID] = steps
		return nil
	}
	return errors.NotFound("approval_step", step.WorkflowID)
}

func (t *memTx) AppendAudit(_ context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	cp := *entry
	t.audit = append(t.audit, &cp)
	return nil
}

func (t *memTx) lookup(id string) (*WorkflowInstance, error) {
	if wf, ok := t.workflows[id]; ok {
		return wf, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	if wf, ok := t.store.workflows[id]; ok {
		return wf, nil
	}
	return nil, errors.NotFound("workflow", id)
}

// stepsFor returns the staged copy of a workflow's steps, creating it from
// the committed state on first access.
func (t *memTx) stepsFor(workflowID string) ([]*ApprovalStep, error) {
	if steps, ok := t.steps[workflowID]; ok {
		return steps, nil
	}
	if _, err := t.lookup(workflowID); err != nil {
		return nil, err
	}
	t.store.mu.RLock()
	steps := cloneSteps(t.store.steps[workflowID])
	t.store.mu.RUnlock()
	t.steps[workflowID] = steps
	return steps, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

func cloneWorkflow(wf *WorkflowInstance) *WorkflowInstance {
	cp := *wf
	return &cp
}

func cloneSteps(steps []*ApprovalStep) []*ApprovalStep {
	out := make([]*ApprovalStep, 0, len(steps))
	for _, s := range steps {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out
}

func deadlineLess(a, b *WorkflowInstance) bool {
	switch {
	case a.ApprovalDeadline == nil && b.ApprovalDeadline == nil:
		return a.InitiatedAt.Before(b.InitiatedAt)
	case a.ApprovalDeadline == nil:
		return false
	case b.ApprovalDeadline == nil:
		return true
	}
	return a.ApprovalDeadline.Before(*b.ApprovalDeadline)
}

func newMetrics(from, to time.Time) *Metrics {
	return &Metrics{
		From:         from,
		To:           to,
		ByStatus:     map[WorkflowStatus]int{},
		ByActionType: map[string]int{},
		ByPriority:   map[Priority]int{},
	}
}
