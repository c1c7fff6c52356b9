// Package queue dispatches task runs to workers through Redis.
//
// Delivery is at-least-once. Dequeue moves a job from the pending set to the
// leased set with a deadline; Ack deletes it once the run is recorded. Jobs
// whose lease expires are moved back to pending by RecoverExpired.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pendingKey = "finboard:jobs:pending"
	leasedKey  = "finboard:jobs:leased"
	jobsKey    = "finboard:jobs"

	DefaultLeaseTTL = 5 * time.Minute
)

// claimScript pops the oldest ready job and leases it in one step.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
local data = redis.call('HGET', KEYS[3], id)
if not data then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[2], id)
return data
`)

type Queue struct {
	client   *redis.Client
	leaseTTL time.Duration
	now      func() time.Time
}

type Option func(*Queue)

func WithLeaseTTL(d time.Duration) Option {
	return func(q *Queue) {
		q.leaseTTL = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// NewQueue wraps a connected client. The caller owns the client.
func NewQueue(client *redis.Client, opts ...Option) *Queue {
	q := &Queue{
		client:   client,
		leaseTTL: DefaultLeaseTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}

	return q
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now()
	}

	jobJSON, err := job.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, jobsKey, job.TaskID, jobJSON)
		pipe.ZRem(ctx, leasedKey, job.TaskID)
		pipe.ZAdd(ctx, pendingKey, redis.Z{
			Score:  score(job.EnqueuedAt),
			Member: job.TaskID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue job for task %s: %w", job.TaskID, err)
	}

	return nil
}

// Dequeue leases the oldest ready job. It returns nil, nil when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	now := q.now()
	res, err := claimScript.Run(ctx, q.client,
		[]string{pendingKey, leasedKey, jobsKey},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(now.Add(q.leaseTTL).UnixMilli(), 10),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}

	job, err := JobFromJSON(res)
	if err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	job.Attempts++

	return job, nil
}

// Ack removes a leased job for good.
func (q *Queue) Ack(ctx context.Context, taskID string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, leasedKey, taskID)
		pipe.HDel(ctx, jobsKey, taskID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack job for task %s: %w", taskID, err)
	}

	return nil
}

// RecoverExpired moves jobs whose lease deadline has passed back to pending
// and returns how many were moved.
func (q *Queue) RecoverExpired(ctx context.Context) (int, error) {
	now := q.now()
	ids, err := q.client.ZRangeByScore(ctx, leasedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list expired leases: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, leasedKey, id).Result()
		if err != nil {
			return recovered, fmt.Errorf("failed to release lease for task %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}

		jobJSON, err := q.client.HGet(ctx, jobsKey, id).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("failed to load job for task %s: %w", id, err)
		}

		job, err := JobFromJSON(jobJSON)
		if err != nil {
			_ = q.client.HDel(ctx, jobsKey, id).Err()
			continue
		}
		job.Attempts++
		job.EnqueuedAt = now
		if err := q.Enqueue(ctx, job); err != nil {
			return recovered, err
		}
		recovered++
	}

	return recovered, nil
}

// Depth returns the number of jobs waiting to be leased.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, pendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}

	return int(n), nil
}
