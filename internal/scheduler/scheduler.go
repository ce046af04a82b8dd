// Package scheduler runs the engine's periodic sweeps. Each task runs on its
// own goroutine, never overlaps with itself across replicas, and backs off
// after failures.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
)

// cronParser supports standard 5-field cron and descriptors like "@every 15m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// TaskFunc is one run of a task.
type TaskFunc func(ctx context.Context) error

// TaskStatus is a snapshot of a task's run history.
type TaskStatus struct {
	Name                string
	Running             bool
	LastStarted         time.Time
	LastFinished        time.Time
	LastError           string
	ConsecutiveFailures int
	NextRun             time.Time
}

type task struct {
	name     string
	schedule cronlib.Schedule
	fn       TaskFunc
	bo       *backoff.ExponentialBackOff

	mu     sync.Mutex
	status TaskStatus
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocker replaces the in-memory locker.
func WithLocker(l Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

// WithLockTTL sets how long a lease outlives a crashed holder.
func WithLockTTL(d time.Duration) Option {
	return func(s *Scheduler) { s.lockTTL = d }
}

// WithFailureBackoff sets the first retry delay after a failure and its cap.
func WithFailureBackoff(initial, max time.Duration) Option {
	return func(s *Scheduler) {
		s.retryInitial = initial
		s.retryMax = max
	}
}

// WithOwner sets the lease owner id. Defaults to a random id per process.
func WithOwner(owner string) Option {
	return func(s *Scheduler) { s.owner = owner }
}

// Scheduler runs registered tasks until stopped.
type Scheduler struct {
	locker       Locker
	owner        string
	lockTTL      time.Duration
	retryInitial time.Duration
	retryMax     time.Duration
	log          *logger.Logger
	now          func() time.Time

	mu      sync.Mutex
	tasks   []*task
	started bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Scheduler.
func New(log *logger.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		locker:       NewMemoryLocker(),
		owner:        uuid.NewString(),
		lockTTL:      10 * time.Minute,
		retryInitial: 30 * time.Minute,
		retryMax:     2 * time.Hour,
		log:          log,
		now:          time.Now,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a task on a cron expression such as "@every 15m".
func (s *Scheduler) Register(name, spec string, fn TaskFunc) error {
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return fmt.Errorf("task %s: invalid schedule %q: %w", name, spec, err)
	}
	return s.RegisterSchedule(name, schedule, fn)
}

// RegisterSchedule adds a task on an already parsed schedule.
func (s *Scheduler) RegisterSchedule(name string, schedule cronlib.Schedule, fn TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("task %s: scheduler already started", name)
	}
	for _, t := range s.tasks {
		if t.name == name {
			return fmt.Errorf("task %s: already registered", name)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryInitial
	bo.MaxInterval = s.retryMax
	bo.Reset()

	s.tasks = append(s.tasks, &task{
		name:     name,
		schedule: schedule,
		fn:       fn,
		bo:       bo,
		status:   TaskStatus{Name: name},
	})
	return nil
}

// Start launches one goroutine per registered task. Cancelling ctx stops
// the loops between runs; a run already under way keeps its context and
// finishes.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	s.log.Info().Int("tasks", len(s.tasks)).Str("owner", s.owner).Msg("Scheduler started")
}

// Stop signals every task loop and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.log.Info().Msg("Scheduler stopped")
}

// Status returns a snapshot of every task.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		t.mu.Lock()
		out = append(out, t.status)
		t.mu.Unlock()
	}
	return out
}

// RunNow runs a task once, outside its schedule. It reports false when the
// task's lease is held elsewhere.
func (s *Scheduler) RunNow(ctx context.Context, name string) (bool, error) {
	t := s.find(name)
	if t == nil {
		return false, fmt.Errorf("task %s: not registered", name)
	}
	return s.runOnce(ctx, t)
}

func (s *Scheduler) find(name string) *task {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.name == name {
			return t
		}
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context, t *task) {
	defer s.wg.Done()

	next := t.schedule.Next(s.now())
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		t.mu.Lock()
		t.status.NextRun = next
		t.mu.Unlock()

		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		_, err := s.runOnce(context.WithoutCancel(ctx), t)
		next = s.nextRun(t, err)
	}
}

// nextRun follows the schedule after a success and the backoff after a
// failure. A failing task never runs sooner than its schedule would have.
func (s *Scheduler) nextRun(t *task, err error) time.Time {
	now := s.now()
	scheduled := t.schedule.Next(now)
	if err == nil {
		t.bo.Reset()
		return scheduled
	}
	delay := t.bo.NextBackOff()
	if delay == backoff.Stop || delay <= 0 {
		delay = s.retryMax
	}
	if retry := now.Add(delay); retry.After(scheduled) {
		return retry
	}
	return scheduled
}

// runOnce takes the task lease, runs the task and releases the lease. A held
// lease skips the run.
func (s *Scheduler) runOnce(ctx context.Context, t *task) (bool, error) {
	ok, err := s.locker.Acquire(ctx, t.name, s.owner, s.lockTTL)
	if err != nil {
		s.log.Error().Err(err).Str("task", t.name).Msg("Failed to acquire task lease")
		s.finish(t, time.Time{}, err)
		return false, err
	}
	if !ok {
		s.log.Debug().Str("task", t.name).Msg("Task already running elsewhere, skipping")
		return false, nil
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), t.name, s.owner); err != nil {
			s.log.Warn().Err(err).Str("task", t.name).Msg("Failed to release task lease")
		}
	}()

	started := s.now()
	t.mu.Lock()
	t.status.Running = true
	t.status.LastStarted = started
	t.mu.Unlock()

	err = s.safeRun(ctx, t)
	s.finish(t, started, err)
	return true, err
}

func (s *Scheduler) safeRun(ctx context.Context, t *task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", t.name, p)
		}
	}()
	return t.fn(ctx)
}

func (s *Scheduler) finish(t *task, started time.Time, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Running = false
	t.status.LastFinished = s.now()
	if err != nil {
		t.status.LastError = err.Error()
		t.status.ConsecutiveFailures++
		s.log.Error().Err(err).
			Str("task", t.name).
			Int("consecutive_failures", t.status.ConsecutiveFailures).
			Msg("Scheduled task failed")
		return
	}
	t.status.LastError = ""
	t.status.ConsecutiveFailures = 0
	s.log.Info().
		Str("task", t.name).
		Dur("duration", t.status.LastFinished.Sub(started)).
		Msg("Scheduled task finished")
}
