// Package lifecycle owns the background task state machine.
//
// A task starts in processing and reaches exactly one terminal status.
// The only way out of a terminal status is Retry, which moves a failed,
// recoverable task back to processing. Every mutation reads the stored
// record, changes a copy and persists it with a single SaveTask call, so a
// storage error leaves the stored record as it was.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/finboard/internal/metrics"
	"github.com/nadmax/finboard/internal/repository"
	"github.com/nadmax/finboard/internal/task"
)

var (
	ErrWrongState     = errors.New("wrong state for this operation")
	ErrNoRetryHandler = errors.New("kind has no retry handler")
	ErrInvalidKind    = errors.New("invalid task kind")
	ErrDispatchFailed = errors.New("failed to dispatch task")
)

// Redispatcher re-runs a task whose kind has a registered operation.
type Redispatcher interface {
	HasRetryHandler(kind task.Kind) bool
	Redispatch(ctx context.Context, t *task.Task) error
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) {
		m.newID = gen
	}
}

// WithRetention keeps at most keep tasks per owner. Zero disables pruning.
func WithRetention(keep int) Option {
	return func(m *Manager) {
		m.keepPerOwner = keep
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithTransitionHook registers fn to run after every persisted state change.
func WithTransitionHook(fn func(t *task.Task)) Option {
	return func(m *Manager) {
		m.hooks = append(m.hooks, fn)
	}
}

const lockStripes = 64

type Manager struct {
	repo         repository.TaskRepository
	now          func() time.Time
	newID        func() string
	keepPerOwner int
	logger       *slog.Logger
	hooks        []func(t *task.Task)
	locks        [lockStripes]sync.Mutex
}

func NewManager(repo repository.TaskRepository, opts ...Option) *Manager {
	m := &Manager{
		repo:   repo,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *Manager) lock(taskID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	mu := &m.locks[h.Sum32()%lockStripes]
	mu.Lock()

	return mu.Unlock
}

func (m *Manager) Create(ctx context.Context, kind task.Kind, ownerID string, parameters map[string]any) (*task.Task, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	t := task.NewTask(kind, ownerID, parameters, m.now())
	t.ID = m.newID()

	if err := m.repo.SaveTask(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	metrics.RecordTaskCreated(kind)
	m.logger.Info("task created", "task_id", t.ID, "kind", kind, "owner_id", ownerID)
	m.notifyHooks(t)

	if m.keepPerOwner > 0 && ownerID != "" {
		m.prune(ctx, ownerID)
	}

	return t, nil
}

func (m *Manager) Get(ctx context.Context, taskID string) (*task.Task, error) {
	return m.repo.GetTask(ctx, taskID)
}

// ListActive returns the owner's processing tasks, newest first.
func (m *Manager) ListActive(ctx context.Context, ownerID string) ([]*task.Task, error) {
	tasks, err := m.repo.ListTasks(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	active := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == task.StatusProcessing {
			active = append(active, t)
		}
	}

	return active, nil
}

// MarkCompleted records a successful run. A task that already reached a
// terminal status is left untouched.
func (m *Manager) MarkCompleted(ctx context.Context, taskID, summary, redirectURL string) error {
	_, _, err := m.RecordCompletion(ctx, taskID, summary, redirectURL)
	return err
}

// RecordCompletion is MarkCompleted reporting the stored record and whether
// this call wrote it. applied is false when the task was already terminal,
// for example cancelled or finished by an earlier run of the same job.
func (m *Manager) RecordCompletion(ctx context.Context, taskID, summary, redirectURL string) (stored *task.Task, applied bool, err error) {
	unlock := m.lock(taskID)
	defer unlock()

	t, err := m.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	if t.IsTerminal() {
		m.logger.Debug("ignoring completion of terminal task", "task_id", taskID, "status", t.Status)
		return t, false, nil
	}

	next := t.Clone()
	now := m.now()
	next.Status = task.StatusCompleted
	next.CompletedAt = &now
	next.ResultSummary = summary
	next.RedirectURL = redirectURL

	if err := m.repo.SaveTask(ctx, next); err != nil {
		return nil, false, fmt.Errorf("failed to mark task %s completed: %w", taskID, err)
	}

	m.notifyHooks(next)
	return next.Clone(), true, nil
}

// MarkFailed records a failed run. A task that already reached a terminal
// status is left untouched.
func (m *Manager) MarkFailed(ctx context.Context, taskID string, failure task.Failure) error {
	_, _, err := m.RecordFailure(ctx, taskID, failure)
	return err
}

// RecordFailure is MarkFailed reporting the stored record and whether this
// call wrote it.
func (m *Manager) RecordFailure(ctx context.Context, taskID string, failure task.Failure) (stored *task.Task, applied bool, err error) {
	unlock := m.lock(taskID)
	defer unlock()

	t, err := m.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	if t.IsTerminal() {
		m.logger.Debug("ignoring failure of terminal task", "task_id", taskID, "status", t.Status)
		return t, false, nil
	}

	next := t.Clone()
	now := m.now()
	next.Status = task.StatusFailed
	next.CompletedAt = &now
	next.Error = failure.Message
	next.ErrorRecoverable = failure.Recoverable
	next.ErrorCode = failure.Code

	if err := m.repo.SaveTask(ctx, next); err != nil {
		return nil, false, fmt.Errorf("failed to mark task %s failed: %w", taskID, err)
	}

	m.notifyHooks(next)
	return next.Clone(), true, nil
}

// Cancel moves a processing task to cancelled. It returns false when the
// task is in any other status.
func (m *Manager) Cancel(ctx context.Context, taskID, actor string) (bool, error) {
	_, err := m.TryCancel(ctx, taskID, actor)
	if errors.Is(err, ErrWrongState) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}

func (m *Manager) TryCancel(ctx context.Context, taskID, actor string) (*task.Task, error) {
	unlock := m.lock(taskID)
	defer unlock()

	t, err := m.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusProcessing {
		return t, ErrWrongState
	}

	next := t.Clone()
	now := m.now()
	next.Status = task.StatusCancelled
	next.CompletedAt = &now
	next.CancelledBy = actor

	if err := m.repo.SaveTask(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to cancel task %s: %w", taskID, err)
	}

	metrics.RecordTaskCancelled(next.Kind)
	m.logger.Info("task cancelled", "task_id", taskID, "kind", next.Kind, "actor", actor)
	m.notifyHooks(next)

	return next, nil
}

// Retry moves a failed, recoverable task back to processing and hands it to
// the dispatcher. It returns false when the task is not retryable or its
// kind has no retry handler.
func (m *Manager) Retry(ctx context.Context, taskID string, dispatcher Redispatcher) (bool, error) {
	_, err := m.TryRetry(ctx, taskID, dispatcher)
	if errors.Is(err, ErrWrongState) || errors.Is(err, ErrNoRetryHandler) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}

// TryRetry is Retry with the rejection reason. When the dispatcher fails the
// failed record is put back as it was and the error wraps ErrDispatchFailed.
func (m *Manager) TryRetry(ctx context.Context, taskID string, dispatcher Redispatcher) (*task.Task, error) {
	prev, next, err := m.resetForRetry(ctx, taskID, dispatcher)
	if err != nil {
		return prev, err
	}

	if err := dispatcher.Redispatch(ctx, next.Clone()); err != nil {
		m.logger.Error("failed to redispatch task", "task_id", taskID, "kind", next.Kind, "error", err)
		m.restore(ctx, prev, next)
		return nil, fmt.Errorf("%w: task %s: %w", ErrDispatchFailed, taskID, err)
	}

	metrics.RecordTaskRetried(next.Kind)
	m.logger.Info("task retried", "task_id", taskID, "kind", next.Kind)

	return next, nil
}

// resetForRetry holds the task's lock only while the record is rewritten so
// the dispatcher is free to call back into the manager. It returns the
// record before and after the reset.
func (m *Manager) resetForRetry(ctx context.Context, taskID string, dispatcher Redispatcher) (prev, next *task.Task, err error) {
	unlock := m.lock(taskID)
	defer unlock()

	t, err := m.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	if t.Status != task.StatusFailed || !t.ErrorRecoverable {
		return t, nil, ErrWrongState
	}
	if dispatcher == nil || !dispatcher.HasRetryHandler(t.Kind) {
		return t, nil, ErrNoRetryHandler
	}

	next = t.Clone()
	next.Status = task.StatusProcessing
	next.StartedAt = m.now()
	next.CompletedAt = nil
	next.Error = ""
	next.ErrorRecoverable = false
	next.ErrorCode = ""

	if err := m.repo.SaveTask(ctx, next); err != nil {
		return nil, nil, fmt.Errorf("failed to reset task %s for retry: %w", taskID, err)
	}

	m.notifyHooks(next)
	return t, next, nil
}

// restore writes prev back unless the task moved on since reset was stored.
func (m *Manager) restore(ctx context.Context, prev, reset *task.Task) {
	unlock := m.lock(prev.ID)
	defer unlock()

	cur, err := m.repo.GetTask(ctx, prev.ID)
	if err != nil {
		m.logger.Error("failed to reload task after dispatch failure", "task_id", prev.ID, "error", err)
		return
	}
	if cur.Status != task.StatusProcessing || !cur.StartedAt.Equal(reset.StartedAt) {
		return
	}

	if err := m.repo.SaveTask(ctx, prev); err != nil {
		m.logger.Error("failed to restore task after dispatch failure", "task_id", prev.ID, "error", err)
		return
	}

	m.notifyHooks(prev)
}

func (m *Manager) prune(ctx context.Context, ownerID string) {
	tasks, err := m.repo.ListTasks(ctx, ownerID)
	if err != nil {
		m.logger.Warn("failed to list tasks for retention", "owner_id", ownerID, "error", err)
		return
	}
	if len(tasks) <= m.keepPerOwner {
		return
	}

	for _, t := range tasks[m.keepPerOwner:] {
		if !t.IsTerminal() {
			continue
		}
		if err := m.repo.DeleteTask(ctx, t.ID); err != nil {
			m.logger.Warn("failed to prune task", "task_id", t.ID, "owner_id", ownerID, "error", err)
		}
	}
}

func (m *Manager) notifyHooks(t *task.Task) {
	for _, hook := range m.hooks {
		hook(t.Clone())
	}
}

// ActiveCounts returns the number of processing tasks per kind across all owners.
func (m *Manager) ActiveCounts(ctx context.Context) (map[task.Kind]int, error) {
	tasks, err := m.repo.ListTasks(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	counts := make(map[task.Kind]int)
	for _, t := range tasks {
		if t.Status == task.StatusProcessing {
			counts[t.Kind]++
		}
	}

	return counts, nil
}
