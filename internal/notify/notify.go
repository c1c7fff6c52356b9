// Package notify tells users that one of their background tasks finished.
package notify

import (
	"context"
	"errors"

	"github.com/nadmax/finboard/internal/task"
)

// Notifier is called once per terminal transition recorded by the executor.
type Notifier interface {
	Notify(ctx context.Context, t *task.Task) error
}

type Func func(ctx context.Context, t *task.Task) error

func (f Func) Notify(ctx context.Context, t *task.Task) error {
	return f(ctx, t)
}

type Nop struct{}

func (Nop) Notify(context.Context, *task.Task) error {
	return nil
}

// Multi calls every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, t *task.Task) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
