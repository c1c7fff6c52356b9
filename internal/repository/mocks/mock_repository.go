// Package mocks provides an in-memory, call-recording TaskRepository for tests.
package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nadmax/finboard/internal/repository"
	"github.com/nadmax/finboard/internal/task"
)

type MockTaskRepository struct {
	mu              sync.Mutex
	GetTaskCalls    []string
	SaveTaskCalls   []SaveTaskCall
	ListTasksCalls  []string
	DeleteTaskCalls []string
	Tasks           map[string]*task.Task
	GetTaskError    error
	SaveTaskError   error
	ListTasksError  error
	DeleteTaskError error
}

type SaveTaskCall struct {
	Task *task.Task
}

func NewMockTaskRepository() *MockTaskRepository {
	return &MockTaskRepository{
		Tasks: make(map[string]*task.Task),
	}
}

func (m *MockTaskRepository) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetTaskCalls = append(m.GetTaskCalls, taskID)

	if m.GetTaskError != nil {
		return nil, m.GetTaskError
	}

	t, exists := m.Tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", repository.ErrTaskNotFound, taskID)
	}

	return t.Clone(), nil
}

func (m *MockTaskRepository) SaveTask(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveTaskCalls = append(m.SaveTaskCalls, SaveTaskCall{Task: t.Clone()})

	if m.SaveTaskError != nil {
		return m.SaveTaskError
	}

	m.Tasks[t.ID] = t.Clone()
	return nil
}

func (m *MockTaskRepository) ListTasks(ctx context.Context, ownerID string) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ListTasksCalls = append(m.ListTasksCalls, ownerID)

	if m.ListTasksError != nil {
		return nil, m.ListTasksError
	}

	tasks := make([]*task.Task, 0, len(m.Tasks))
	for _, t := range m.Tasks {
		if ownerID != "" && t.OwnerID != ownerID {
			continue
		}
		tasks = append(tasks, t.Clone())
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].StartedAt.After(tasks[j].StartedAt)
	})

	return tasks, nil
}

func (m *MockTaskRepository) DeleteTask(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DeleteTaskCalls = append(m.DeleteTaskCalls, taskID)

	if m.DeleteTaskError != nil {
		return m.DeleteTaskError
	}

	delete(m.Tasks, taskID)
	return nil
}

func (m *MockTaskRepository) Close() error {
	return nil
}

func (m *MockTaskRepository) GetSaveTaskCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.SaveTaskCalls)
}

func (m *MockTaskRepository) GetDeleteTaskCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.DeleteTaskCalls)
}

func (m *MockTaskRepository) WasTaskSaved(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, exists := m.Tasks[taskID]
	return exists
}

func (m *MockTaskRepository) GetTaskStatus(taskID string) (task.TaskStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, exists := m.Tasks[taskID]; exists {
		return t.Status, true
	}

	return "", false
}

// Put stores t directly, bypassing call recording.
func (m *MockTaskRepository) Put(t *task.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Tasks[t.ID] = t.Clone()
}

func (m *MockTaskRepository) SetSaveTaskError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveTaskError = err
}

func (m *MockTaskRepository) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetTaskCalls = nil
	m.SaveTaskCalls = nil
	m.ListTasksCalls = nil
	m.DeleteTaskCalls = nil
	m.Tasks = make(map[string]*task.Task)
}
