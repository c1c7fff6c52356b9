package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nadmax/finboard/internal/classify"
	"github.com/nadmax/finboard/internal/metrics"
	"github.com/nadmax/finboard/internal/notify"
	"github.com/nadmax/finboard/internal/task"
)

// Result is what a successful operation reports back to the task record.
type Result struct {
	Summary     string
	RedirectURL string
}

// Operation does the work behind a task. It runs once per dispatch.
type Operation func(ctx context.Context, t *task.Task) (Result, error)

// Fallback runs after a failure that retrying cannot fix.
type Fallback func(ctx context.Context, t *task.Task, err error)

// Recorder persists terminal outcomes and reports whether the write took
// effect. *lifecycle.Manager satisfies it.
type Recorder interface {
	RecordCompletion(ctx context.Context, taskID, summary, redirectURL string) (*task.Task, bool, error)
	RecordFailure(ctx context.Context, taskID string, failure task.Failure) (*task.Task, bool, error)
}

type ExecutorOption func(*Executor)

func WithNotifier(n notify.Notifier) ExecutorOption {
	return func(e *Executor) {
		e.notifier = n
	}
}

func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithBaseContext sets the parent context of detached runs started by Go.
func WithBaseContext(ctx context.Context) ExecutorOption {
	return func(e *Executor) {
		e.baseCtx = ctx
	}
}

type Executor struct {
	recorder Recorder
	notifier notify.Notifier
	logger   *slog.Logger
	baseCtx  context.Context
	now      func() time.Time
	wg       sync.WaitGroup
}

func NewExecutor(recorder Recorder, opts ...ExecutorOption) *Executor {
	e := &Executor{
		recorder: recorder,
		notifier: notify.Nop{},
		logger:   slog.Default(),
		baseCtx:  context.Background(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Execute runs op against t and records the outcome. It never returns an
// error: storage and notification failures are logged.
func (e *Executor) Execute(ctx context.Context, t *task.Task, op Operation, onPermanentFailure Fallback) {
	logger := e.logger.With("task_id", t.ID, "kind", t.Kind, "owner_id", t.OwnerID)
	start := e.now()

	result, err := e.run(ctx, t, op)
	elapsed := e.now().Sub(start)

	if err == nil {
		stored, applied, recErr := e.recorder.RecordCompletion(ctx, t.ID, result.Summary, result.RedirectURL)
		if recErr != nil {
			logger.Error("failed to record task completion", "error", recErr)
			return
		}
		if !applied {
			discard(logger, stored)
			return
		}
		metrics.RecordTaskCompleted(t.Kind, elapsed)
		logger.Info("task completed", "duration", elapsed)
		e.notify(ctx, logger, stored)
		return
	}

	class := classify.Classify(err)
	failure := task.Failure{
		Message:     err.Error(),
		Recoverable: class.Recoverable(),
		Code:        class.String(),
	}

	stored, applied, recErr := e.recorder.RecordFailure(ctx, t.ID, failure)
	if recErr != nil {
		logger.Error("failed to record task failure", "error", recErr, "task_error", err)
		return
	}
	if !applied {
		discard(logger, stored)
		return
	}
	metrics.RecordTaskFailed(t.Kind, class.String(), elapsed)
	logger.Warn("task failed",
		"error", err,
		"error_code", failure.Code,
		"recoverable", failure.Recoverable,
		"duration", elapsed)

	if !failure.Recoverable && onPermanentFailure != nil {
		e.runFallback(ctx, logger, t, err, onPermanentFailure)
	}

	e.notify(ctx, logger, stored)
}

// Go runs Execute in the background on the executor's base context, so the
// run outlives the request that started it.
func (e *Executor) Go(t *task.Task, op Operation, onPermanentFailure Fallback) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Execute(context.WithoutCancel(e.baseCtx), t.Clone(), op, onPermanentFailure)
	}()
}

// Wait blocks until every run started with Go has finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) run(ctx context.Context, t *task.Task, op Operation) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("task operation panicked",
				"task_id", t.ID,
				"kind", t.Kind,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()

	return op(ctx, t.Clone())
}

func (e *Executor) runFallback(ctx context.Context, logger *slog.Logger, t *task.Task, cause error, fallback Fallback) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task fallback panicked", "panic", r)
		}
	}()

	fallback(ctx, t.Clone(), cause)
}

// discard drops the outcome of a run whose task was already terminal: it was
// cancelled meanwhile, or another run of a re-queued job recorded first.
func discard(logger *slog.Logger, stored *task.Task) {
	logger.Info("discarding run outcome for task in terminal status", "status", stored.Status)
}

func (e *Executor) notify(ctx context.Context, logger *slog.Logger, stored *task.Task) {
	if err := e.notifier.Notify(ctx, stored); err != nil {
		logger.Warn("failed to send task notification", "error", err)
	}
}
