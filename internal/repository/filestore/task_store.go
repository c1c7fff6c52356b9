// Package filestore persists tasks as one JSON document per task under a directory.
//
// Writes are atomic: the record is written to a temp file in the same
// directory, synced, then renamed over the previous version.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nadmax/finboard/internal/repository"
	"github.com/nadmax/finboard/internal/task"
)

type TaskStore struct {
	dir string
}

func NewTaskStore(dir string) (*TaskStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("task directory is required")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create task directory: %w", err)
	}

	return &TaskStore{dir: dir}, nil
}

func (s *TaskStore) path(taskID string) string {
	return filepath.Join(s.dir, taskID+".json")
}

func (s *TaskStore) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	if !validID(taskID) {
		return nil, fmt.Errorf("%w: %s", repository.ErrTaskNotFound, taskID)
	}

	data, err := os.ReadFile(s.path(taskID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", repository.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}

	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode task %s: %w", taskID, err)
	}

	return &t, nil
}

func (s *TaskStore) SaveTask(ctx context.Context, t *task.Task) error {
	if !validID(t.ID) {
		return fmt.Errorf("invalid task id %q", t.ID)
	}

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	if err := writeFileAtomic(s.path(t.ID), data, 0o644); err != nil {
		return fmt.Errorf("failed to save task %s: %w", t.ID, err)
	}

	return nil
}

func (s *TaskStore) ListTasks(ctx context.Context, ownerID string) ([]*task.Task, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var tasks []*task.Task
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		t, err := s.GetTask(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil {
			slog.Warn("skipping unreadable task file", "file", name, "error", err)
			continue
		}
		if ownerID != "" && t.OwnerID != ownerID {
			continue
		}
		tasks = append(tasks, t)
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].StartedAt.After(tasks[j].StartedAt)
	})

	return tasks, nil
}

func (s *TaskStore) DeleteTask(ctx context.Context, taskID string) error {
	if !validID(taskID) {
		return fmt.Errorf("%w: %s", repository.ErrTaskNotFound, taskID)
	}

	err := os.Remove(s.path(taskID))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", repository.ErrTaskNotFound, taskID)
	}

	return err
}

func (s *TaskStore) Close() error {
	return nil
}

// validID rejects ids that would escape the store directory.
func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true

	return nil
}
