package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nadmax/finboard/internal/queue"
	"github.com/nadmax/finboard/internal/task"
)

var ErrNoHandler = errors.New("no handler for task kind")

// Enqueuer hands jobs to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) error
}

type Handler struct {
	Op       Operation
	Fallback Fallback
}

// Registry maps task kinds to the operations that can be dispatched through
// the job queue. Kinds that are not registered, such as uploads whose input
// only lives in the request, cannot be retried.
type Registry struct {
	mu       sync.RWMutex
	handlers map[task.Kind]Handler
	queue    Enqueuer
	now      func() time.Time
}

func NewRegistry(q Enqueuer) *Registry {
	return &Registry{
		handlers: make(map[task.Kind]Handler),
		queue:    q,
		now:      time.Now,
	}
}

func (r *Registry) RegisterHandler(kind task.Kind, op Operation, fallback Fallback) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[kind] = Handler{Op: op, Fallback: fallback}
}

func (r *Registry) Lookup(kind task.Kind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[kind]
	return h, ok
}

func (r *Registry) HasRetryHandler(kind task.Kind) bool {
	_, ok := r.Lookup(kind)
	return ok
}

// Dispatch queues a run of t.
func (r *Registry) Dispatch(ctx context.Context, t *task.Task) error {
	if !r.HasRetryHandler(t.Kind) {
		return ErrNoHandler
	}

	return r.queue.Enqueue(ctx, queue.NewJob(t, r.now()))
}

func (r *Registry) Redispatch(ctx context.Context, t *task.Task) error {
	return r.Dispatch(ctx, t)
}
