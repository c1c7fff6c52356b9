// Package repository defines the persistence contract for background tasks.
// Backends live in sub-packages: postgres, redisstore and filestore.
package repository

import (
	"context"
	"errors"

	"github.com/nadmax/finboard/internal/task"
)

var ErrTaskNotFound = errors.New("task not found")

// TaskRepository persists one record per task id. SaveTask must replace the
// whole record in a single atomic write.
type TaskRepository interface {
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	SaveTask(ctx context.Context, t *task.Task) error
	// ListTasks returns tasks newest first. An empty ownerID lists every task.
	ListTasks(ctx context.Context, ownerID string) ([]*task.Task, error)
	DeleteTask(ctx context.Context, taskID string) error
	Close() error
}
