// Package worker runs task operations. The Executor records outcomes; the
// Worker consumes queued jobs and feeds them to the Executor.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nadmax/finboard/internal/metrics"
	"github.com/nadmax/finboard/internal/queue"
	"github.com/nadmax/finboard/internal/repository"
	"github.com/nadmax/finboard/internal/task"
)

type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Ack(ctx context.Context, taskID string) error
	RecoverExpired(ctx context.Context) (int, error)
	Depth(ctx context.Context) (int, error)
}

type TaskLoader interface {
	Get(ctx context.Context, taskID string) (*task.Task, error)
}

type Worker struct {
	id              string
	queue           JobQueue
	tasks           TaskLoader
	registry        *Registry
	executor        *Executor
	logger          *slog.Logger
	stop            chan struct{}
	stopOnce        sync.Once
	pollInterval    time.Duration
	recoverInterval time.Duration
}

func NewWorker(id string, q JobQueue, tasks TaskLoader, registry *Registry, executor *Executor, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		id:              id,
		queue:           q,
		tasks:           tasks,
		registry:        registry,
		executor:        executor,
		logger:          logger.With("worker_id", id),
		stop:            make(chan struct{}),
		pollInterval:    time.Second,
		recoverInterval: 30 * time.Second,
	}
}

func (w *Worker) SetPollInterval(d time.Duration) {
	w.pollInterval = d
}

func (w *Worker) SetRecoverInterval(d time.Duration) {
	w.recoverInterval = d
}

// Start polls the queue until ctx is done or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("worker started")

	recoverTicker := time.NewTicker(w.recoverInterval)
	defer recoverTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped", "reason", ctx.Err())
			return
		case <-w.stop:
			w.logger.Info("worker stopped")
			return
		case <-recoverTicker.C:
			w.recoverExpired(ctx)
		default:
			job, err := w.queue.Dequeue(ctx)
			if err != nil {
				w.logger.Error("failed to dequeue job", "error", err)
			}
			if err != nil || job == nil {
				w.sleep(ctx)
				continue
			}

			w.processJob(ctx, job)
		}
	}
}

func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
}

func (w *Worker) sleep(ctx context.Context) {
	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-w.stop:
	case <-timer.C:
	}
}

func (w *Worker) processJob(ctx context.Context, job *queue.Job) {
	logger := w.logger.With("task_id", job.TaskID, "kind", job.Kind, "attempt", job.Attempts)

	t, err := w.tasks.Get(ctx, job.TaskID)
	if errors.Is(err, repository.ErrTaskNotFound) {
		logger.Warn("dropping job for unknown task")
		w.ack(ctx, logger, job)
		return
	}
	if err != nil {
		// Left leased; RecoverExpired puts it back once the lease runs out.
		logger.Error("failed to load task for job", "error", err)
		return
	}

	if t.Status != task.StatusProcessing {
		logger.Info("skipping job for task that is no longer processing", "status", t.Status)
		w.ack(ctx, logger, job)
		return
	}

	handler, ok := w.registry.Lookup(t.Kind)
	if !ok {
		handler = Handler{Op: func(context.Context, *task.Task) (Result, error) {
			return Result{}, fmt.Errorf("%w: %s", ErrNoHandler, t.Kind)
		}}
	}

	logger.Info("processing task")
	w.executor.Execute(ctx, t, handler.Op, handler.Fallback)
	w.ack(ctx, logger, job)
}

func (w *Worker) ack(ctx context.Context, logger *slog.Logger, job *queue.Job) {
	if err := w.queue.Ack(ctx, job.TaskID); err != nil {
		logger.Error("failed to ack job", "error", err)
	}
}

func (w *Worker) recoverExpired(ctx context.Context) {
	n, err := w.queue.RecoverExpired(ctx)
	if err != nil {
		w.logger.Error("failed to recover expired jobs", "error", err)
		return
	}
	if n > 0 {
		w.logger.Warn("re-queued jobs with expired leases", "count", n)
	}

	if depth, err := w.queue.Depth(ctx); err == nil {
		metrics.UpdateQueueDepth(depth)
	}
}
