// Package redisstore provides Redis-backed task and action plan storage.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nadmax/finboard/internal/repository"
	"github.com/nadmax/finboard/internal/task"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix   = "finboard:"
	allTasksKey = keyPrefix + "tasks"
)

func taskKey(id string) string {
	return keyPrefix + "task:" + id
}

func ownerKey(ownerID string) string {
	return keyPrefix + "owner:" + ownerID
}

// Connect opens a client and verifies it with a PING.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// TaskStore keeps each task as a JSON string plus sorted-set indexes scored by
// start time. The client is owned by the caller.
type TaskStore struct {
	client *redis.Client
}

func NewTaskStore(client *redis.Client) *TaskStore {
	return &TaskStore{client: client}
}

func (s *TaskStore) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	data, err := s.client.Get(ctx, taskKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", repository.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}

	return task.TaskFromJSON(data)
}

func (s *TaskStore) SaveTask(ctx context.Context, t *task.Task) error {
	data, err := t.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	score := float64(t.StartedAt.UnixMilli())
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, taskKey(t.ID), data, 0)
		pipe.ZAdd(ctx, allTasksKey, redis.Z{Score: score, Member: t.ID})
		if t.OwnerID != "" {
			pipe.ZAdd(ctx, ownerKey(t.OwnerID), redis.Z{Score: score, Member: t.ID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", t.ID, err)
	}

	return nil
}

func (s *TaskStore) ListTasks(ctx context.Context, ownerID string) ([]*task.Task, error) {
	index := allTasksKey
	if ownerID != "" {
		index = ownerKey(ownerID)
	}

	ids, err := s.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = taskKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	tasks := make([]*task.Task, 0, len(values))
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}
		t, err := task.TaskFromJSON(data)
		if err != nil {
			continue
		}
		tasks = append(tasks, t)
	}

	return tasks, nil
}

func (s *TaskStore) DeleteTask(ctx context.Context, taskID string) error {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, taskKey(taskID))
		pipe.ZRem(ctx, allTasksKey, taskID)
		if t.OwnerID != "" {
			pipe.ZRem(ctx, ownerKey(t.OwnerID), taskID)
		}
		return nil
	})

	return err
}

func (s *TaskStore) Close() error {
	return nil
}
