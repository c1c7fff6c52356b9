package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nadmax/finboard/internal/repository"
	"github.com/nadmax/finboard/internal/repository/mocks"
	"github.com/nadmax/finboard/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type fakeDispatcher struct {
	mu         sync.Mutex
	kinds      map[task.Kind]bool
	dispatched []string
	err        error
}

func newFakeDispatcher(kinds ...task.Kind) *fakeDispatcher {
	d := &fakeDispatcher{kinds: make(map[task.Kind]bool)}
	for _, k := range kinds {
		d.kinds[k] = true
	}

	return d
}

func (d *fakeDispatcher) HasRetryHandler(kind task.Kind) bool {
	return d.kinds[kind]
}

func (d *fakeDispatcher) Redispatch(ctx context.Context, t *task.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return d.err
	}
	d.dispatched = append(d.dispatched, t.ID)
	return nil
}

func setupManager(t *testing.T, opts ...Option) (*Manager, *mocks.MockTaskRepository, *fakeClock) {
	t.Helper()

	repo := mocks.NewMockTaskRepository()
	clock := newFakeClock()
	base := []Option{
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}

	return NewManager(repo, append(base, opts...)...), repo, clock
}

func TestCreate(t *testing.T) {
	m, repo, clock := setupManager(t)
	ctx := context.Background()

	tsk, err := m.Create(ctx, task.KindGenerateInsight, "user-1", map[string]any{"question": "q"})
	require.NoError(t, err)

	assert.NotEmpty(t, tsk.ID)
	assert.Equal(t, task.StatusProcessing, tsk.Status)
	assert.Equal(t, clock.Now(), tsk.StartedAt)
	assert.Nil(t, tsk.CompletedAt)
	assert.True(t, repo.WasTaskSaved(tsk.ID))
	assert.Equal(t, 1, repo.GetSaveTaskCallCount())
}

func TestCreate_InvalidKind(t *testing.T) {
	m, repo, _ := setupManager(t)

	_, err := m.Create(context.Background(), task.Kind("mine-bitcoin"), "user-1", nil)
	assert.ErrorIs(t, err, ErrInvalidKind)
	assert.Equal(t, 0, repo.GetSaveTaskCallCount())
}

func TestCreate_UniqueIDs(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for range 50 {
		tsk, err := m.Create(ctx, task.KindGenerateInsight, "user-1", nil)
		require.NoError(t, err)
		assert.False(t, seen[tsk.ID])
		seen[tsk.ID] = true
	}
}

func TestCreate_IDGenerator(t *testing.T) {
	n := 0
	m, _, _ := setupManager(t, WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("task-%d", n)
	}))

	tsk, err := m.Create(context.Background(), task.KindUploadPDF, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "task-1", tsk.ID)
}

func TestCreate_SaveError(t *testing.T) {
	m, repo, _ := setupManager(t)
	repo.SetSaveTaskError(errors.New("disk full"))

	_, err := m.Create(context.Background(), task.KindGenerateInsight, "user-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestMarkCompleted(t *testing.T) {
	m, _, clock := setupManager(t)
	ctx := context.Background()

	tsk, err := m.Create(ctx, task.KindGenerateInsight, "user-1", nil)
	require.NoError(t, err)

	clock.Advance(3 * time.Second)
	require.NoError(t, m.MarkCompleted(ctx, tsk.ID, "3 insights generated", "/insights"))

	got, err := m.Get(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, clock.Now(), *got.CompletedAt)
	assert.Equal(t, "3 insights generated", got.ResultSummary)
	assert.Equal(t, "/insights", got.RedirectURL)
	assert.Empty(t, got.Error)
	assert.Equal(t, 3*time.Second, got.Duration())
}

func TestMarkFailed(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	tsk, err := m.Create(ctx, task.KindGenerateActionPlan, "user-1", nil)
	require.NoError(t, err)

	require.NoError(t, m.MarkFailed(ctx, tsk.ID, task.Failure{
		Message:     "503 Service Unavailable",
		Recoverable: true,
		Code:        "transient",
	}))

	got, err := m.Get(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, "503 Service Unavailable", got.Error)
	assert.True(t, got.ErrorRecoverable)
	assert.Equal(t, "transient", got.ErrorCode)
	assert.Empty(t, got.ResultSummary)
}

func TestMark_NotFound(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	err := m.MarkCompleted(ctx, "missing", "", "")
	assert.ErrorIs(t, err, repository.ErrTaskNotFound)

	err = m.MarkFailed(ctx, "missing", task.Failure{Message: "x"})
	assert.ErrorIs(t, err, repository.ErrTaskNotFound)
}

func TestTerminalStatusIsFinal(t *testing.T) {
	tests := []struct {
		name     string
		terminal func(m *Manager, id string) error
		expected task.TaskStatus
	}{
		{
			name: "completed",
			terminal: func(m *Manager, id string) error {
				return m.MarkCompleted(context.Background(), id, "done", "")
			},
			expected: task.StatusCompleted,
		},
		{
			name: "failed",
			terminal: func(m *Manager, id string) error {
				return m.MarkFailed(context.Background(), id, task.Failure{Message: "boom"})
			},
			expected: task.StatusFailed,
		},
		{
			name: "cancelled",
			terminal: func(m *Manager, id string) error {
				_, err := m.Cancel(context.Background(), id, "user-1")
				return err
			},
			expected: task.StatusCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, repo, clock := setupManager(t)
			ctx := context.Background()

			tsk, err := m.Create(ctx, task.KindGenerateInsight, "user-1", nil)
			require.NoError(t, err)
			require.NoError(t, tt.terminal(m, tsk.ID))

			before, err := m.Get(ctx, tsk.ID)
			require.NoError(t, err)
			saves := repo.GetSaveTaskCallCount()

			clock.Advance(time.Minute)
			require.NoError(t, m.MarkCompleted(ctx, tsk.ID, "late", "/late"))
			require.NoError(t, m.MarkFailed(ctx, tsk.ID, task.Failure{Message: "late"}))
			ok, err := m.Cancel(ctx, tsk.ID, "someone")
			require.NoError(t, err)
			assert.False(t, ok)

			after, err := m.Get(ctx, tsk.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, after.Status)
			assert.Equal(t, before, after)
			assert.Equal(t, saves, repo.GetSaveTaskCallCount())
		})
	}
}

func TestCancel(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	tsk, err := m.Create(ctx, task.KindGenerateInsight, "user-1", nil)
	require.NoError(t, err)

	ok, err := m.Cancel(ctx, tsk.ID, "user-1")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := m.Get(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)
	assert.Equal(t, "user-1", got.CancelledBy)
	assert.NotNil(t, got.CompletedAt)
}

func TestCancel_NotFound(t *testing.T) {
	m, _, _ := setupManager(t)

	ok, err := m.Cancel(context.Background(), "missing", "user-1")
	assert.False(t, ok)
	assert.ErrorIs(t, err, repository.ErrTaskNotFound)
}

func TestTryCancel_WrongState(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	tsk, err := m.Create(ctx, task.KindGenerateInsight, "user-1", nil)
	require.NoError(t, err)
	require.NoError(t, m.MarkCompleted(ctx, tsk.ID, "done", ""))

	got, err := m.TryCancel(ctx, tsk.ID, "user-1")
	assert.ErrorIs(t, err, ErrWrongState)
	require.NotNil(t, got)
	assert.Equal(t, task.StatusCompleted, got.Status)
}

func TestCancelThenLateCompletion(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	tsk, err := m.Create(ctx, task.KindGenerateInsight, "user-1", nil)
	require.NoError(t, err)

	ok, err := m.Cancel(ctx, tsk.ID, "user-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.MarkCompleted(ctx, tsk.ID, "finished anyway", "/insights"))

	got, err := m.Get(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)
	assert.Empty(t, got.ResultSummary)
}

func TestRetry(t *testing.T) {
	m, _, clock := setupManager(t)
	ctx := context.Background()
	dispatcher := newFakeDispatcher(task.KindGenerateInsight)

	tsk, err := m.Create(ctx, task.KindGenerateInsight, "user-1", nil)
	require.NoError(t, err)
	require.NoError(t, m.MarkFailed(ctx, tsk.ID, task.Failure{
		Message: "429 Too Many Requests", Recoverable: true, Code: "rate_limited",
	}))

	clock.Advance(time.Minute)
	ok, err := m.Retry(ctx, tsk.ID, dispatcher)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := m.Get(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusProcessing, got.Status)
	assert.Equal(t, clock.Now(), got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Empty(t, got.Error)
	assert.False(t, got.ErrorRecoverable)
	assert.Empty(t, got.ErrorCode)
	assert.Equal(t, []string{tsk.ID}, dispatcher.dispatched)
}

func TestRetry_Rejected(t *testing.T) {
	tests := []struct {
		name        string
		kind        task.Kind
		setup       func(m *Manager, id string)
		expectedErr error
	}{
		{
			name:        "still processing",
			kind:        task.KindGenerateInsight,
			setup:       func(m *Manager, id string) {},
			expectedErr: ErrWrongState,
		},
		{
			name: "completed",
			kind: task.KindGenerateInsight,
			setup: func(m *Manager, id string) {
				_ = m.MarkCompleted(context.Background(), id, "done", "")
			},
			expectedErr: ErrWrongState,
		},
		{
			name: "failed not recoverable",
			kind: task.KindGenerateInsight,
			setup: func(m *Manager, id string) {
				_ = m.MarkFailed(context.Background(), id, task.Failure{Message: "quota exceeded", Code: "quota_exhausted"})
			},
			expectedErr: ErrWrongState,
		},
		{
			name: "cancelled",
			kind: task.KindGenerateInsight,
			setup: func(m *Manager, id string) {
				_, _ = m.Cancel(context.Background(), id, "user-1")
			},
			expectedErr: ErrWrongState,
		},
		{
			name: "kind without handler",
			kind: task.KindUploadPDF,
			setup: func(m *Manager, id string) {
				_ = m.MarkFailed(context.Background(), id, task.Failure{Message: "503 Service Unavailable", Recoverable: true})
			},
			expectedErr: ErrNoRetryHandler,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := setupManager(t)
			ctx := context.Background()
			dispatcher := newFakeDispatcher(task.KindGenerateInsight, task.KindGenerateActionPlan)

			tsk, err := m.Create(ctx, tt.kind, "user-1", nil)
			require.NoError(t, err)
			tt.setup(m, tsk.ID)

			before, err := m.Get(ctx, tsk.ID)
			require.NoError(t, err)

			ok, err := m.Retry(ctx, tsk.ID, dispatcher)
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = m.TryRetry(ctx, tsk.ID, dispatcher)
			assert.ErrorIs(t, err, tt.expectedErr)

			after, err := m.Get(ctx, tsk.ID)
			require.NoError(t, err)
			assert.Equal(t, before, after)
			assert.Empty(t, dispatcher.dispatched)
		})
	}
}

func TestRetry_DispatchFailure(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()
	dispatcher := newFakeDispatcher(task.KindGenerateInsight)
	dispatcher.err = errors.New("redis down")

	tsk, err := m.Create(ctx, task.KindGenerateInsight, "user-1", nil)
	require.NoError(t, err)
	require.NoError(t, m.MarkFailed(ctx, tsk.ID, task.Failure{Message: "timeout", Recoverable: true, Code: "transient"}))
	before, err := m.Get(ctx, tsk.ID)
	require.NoError(t, err)

	ok, err := m.Retry(ctx, tsk.ID, dispatcher)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrDispatchFailed)

	_, err = m.TryRetry(ctx, tsk.ID, dispatcher)
	assert.ErrorIs(t, err, ErrDispatchFailed)
	assert.ErrorContains(t, err, "redis down")

	after, err := m.Get(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, dispatcher.dispatched)
}

func TestRetry_DispatchFailureKeepsLaterTransition(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	tsk, err := m.Create(ctx, task.KindGenerateInsight, "user-1", nil)
	require.NoError(t, err)
	require.NoError(t, m.MarkFailed(ctx, tsk.ID, task.Failure{Message: "timeout", Recoverable: true}))

	dispatcher := &cancellingDispatcher{m: m}
	_, err = m.TryRetry(ctx, tsk.ID, dispatcher)
	assert.ErrorIs(t, err, ErrDispatchFailed)

	got, err := m.Get(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)
}

type cancellingDispatcher struct {
	m *Manager
}

func (d *cancellingDispatcher) HasRetryHandler(task.Kind) bool {
	return true
}

func (d *cancellingDispatcher) Redispatch(ctx context.Context, t *task.Task) error {
	if _, err := d.m.Cancel(ctx, t.ID, "admin"); err != nil {
		return err
	}
	return errors.New("queue unavailable")
}

func TestRecordCompletion_ReportsApplied(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	tsk, err := m.Create(ctx, task.KindGenerateInsight, "user-1", nil)
	require.NoError(t, err)

	stored, applied, err := m.RecordCompletion(ctx, tsk.ID, "2 insights generated", "/insights")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, task.StatusCompleted, stored.Status)

	stored, applied, err = m.RecordCompletion(ctx, tsk.ID, "again", "/insights")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, "2 insights generated", stored.ResultSummary)

	stored, applied, err = m.RecordFailure(ctx, tsk.ID, task.Failure{Message: "late"})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, task.StatusCompleted, stored.Status)

	_, _, err = m.RecordFailure(ctx, "missing", task.Failure{Message: "x"})
	assert.ErrorIs(t, err, repository.ErrTaskNotFound)
}

func TestMutation_StorageErrorLeavesRecordUnchanged(t *testing.T) {
	m, repo, _ := setupManager(t)
	ctx := context.Background()

	tsk, err := m.Create(ctx, task.KindGenerateInsight, "user-1", nil)
	require.NoError(t, err)

	repo.SetSaveTaskError(errors.New("connection lost"))

	err = m.MarkCompleted(ctx, tsk.ID, "done", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection lost")

	_, err = m.Cancel(ctx, tsk.ID, "user-1")
	require.Error(t, err)

	repo.SetSaveTaskError(nil)
	got, err := m.Get(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusProcessing, got.Status)
	assert.Nil(t, got.CompletedAt)
}

func TestListActive(t *testing.T) {
	m, _, clock := setupManager(t)
	ctx := context.Background()

	first, err := m.Create(ctx, task.KindGenerateInsight, "user-1", nil)
	require.NoError(t, err)
	clock.Advance(time.Second)
	second, err := m.Create(ctx, task.KindGenerateActionPlan, "user-1", nil)
	require.NoError(t, err)
	clock.Advance(time.Second)
	done, err := m.Create(ctx, task.KindGenerateInsight, "user-1", nil)
	require.NoError(t, err)
	require.NoError(t, m.MarkCompleted(ctx, done.ID, "ok", ""))
	_, err = m.Create(ctx, task.KindGenerateInsight, "user-2", nil)
	require.NoError(t, err)

	active, err := m.ListActive(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, second.ID, active[0].ID)
	assert.Equal(t, first.ID, active[1].ID)
}

func TestRetention(t *testing.T) {
	m, repo, clock := setupManager(t, WithRetention(2))
	ctx := context.Background()

	var ids []string
	for range 3 {
		tsk, err := m.Create(ctx, task.KindGenerateInsight, "user-1", nil)
		require.NoError(t, err)
		require.NoError(t, m.MarkCompleted(ctx, tsk.ID, "ok", ""))
		ids = append(ids, tsk.ID)
		clock.Advance(time.Second)
	}

	assert.False(t, repo.WasTaskSaved(ids[0]))
	assert.True(t, repo.WasTaskSaved(ids[1]))
	assert.True(t, repo.WasTaskSaved(ids[2]))

	running, err := m.Create(ctx, task.KindGenerateInsight, "user-2", nil)
	require.NoError(t, err)
	clock.Advance(time.Second)
	for range 3 {
		_, err := m.Create(ctx, task.KindGenerateInsight, "user-2", nil)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	assert.True(t, repo.WasTaskSaved(running.ID), "processing tasks are never pruned")
}

func TestRetention_DeleteErrorIsNotReturned(t *testing.T) {
	m, repo, clock := setupManager(t, WithRetention(1))
	ctx := context.Background()

	first, err := m.Create(ctx, task.KindGenerateInsight, "user-1", nil)
	require.NoError(t, err)
	require.NoError(t, m.MarkCompleted(ctx, first.ID, "ok", ""))
	clock.Advance(time.Second)

	repo.DeleteTaskError = errors.New("delete failed")
	_, err = m.Create(ctx, task.KindGenerateInsight, "user-1", nil)
	assert.NoError(t, err)
	assert.Equal(t, 1, repo.GetDeleteTaskCallCount())
}

func TestTransitionHook(t *testing.T) {
	var seen []task.TaskStatus
	m, _, _ := setupManager(t, WithTransitionHook(func(t *task.Task) {
		seen = append(seen, t.Status)
	}))
	ctx := context.Background()

	tsk, err := m.Create(ctx, task.KindGenerateInsight, "user-1", nil)
	require.NoError(t, err)
	require.NoError(t, m.MarkFailed(ctx, tsk.ID, task.Failure{Message: "timeout", Recoverable: true}))
	_, err = m.Retry(ctx, tsk.ID, newFakeDispatcher(task.KindGenerateInsight))
	require.NoError(t, err)
	_, err = m.Cancel(ctx, tsk.ID, "user-1")
	require.NoError(t, err)

	assert.Equal(t, []task.TaskStatus{
		task.StatusProcessing,
		task.StatusFailed,
		task.StatusProcessing,
		task.StatusCancelled,
	}, seen)
}

func TestConcurrentCancelAndComplete(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	for range 20 {
		tsk, err := m.Create(ctx, task.KindGenerateInsight, "user-1", nil)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var cancelled bool
		wg.Add(2)
		go func() {
			defer wg.Done()
			cancelled, _ = m.Cancel(ctx, tsk.ID, "user-1")
		}()
		go func() {
			defer wg.Done()
			_ = m.MarkCompleted(ctx, tsk.ID, "done", "")
		}()
		wg.Wait()

		got, err := m.Get(ctx, tsk.ID)
		require.NoError(t, err)
		if cancelled {
			assert.Equal(t, task.StatusCancelled, got.Status)
			assert.Empty(t, got.ResultSummary)
		} else {
			assert.Equal(t, task.StatusCompleted, got.Status)
		}
	}
}

func TestActiveCounts(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, task.KindGenerateInsight, "user-1", nil)
	require.NoError(t, err)
	_, err = m.Create(ctx, task.KindGenerateInsight, "user-2", nil)
	require.NoError(t, err)
	done, err := m.Create(ctx, task.KindUploadPDF, "user-1", nil)
	require.NoError(t, err)
	require.NoError(t, m.MarkCompleted(ctx, done.ID, "ok", ""))

	counts, err := m.ActiveCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[task.Kind]int{task.KindGenerateInsight: 2}, counts)
}
