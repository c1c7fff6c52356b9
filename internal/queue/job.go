package queue

import (
	"encoding/json"
	"time"

	"github.com/nadmax/finboard/internal/task"
)

// Job asks a worker to run the operation registered for Kind against the
// stored task TaskID. Jobs carry no parameters; the task record is the
// source of truth.
type Job struct {
	TaskID     string    `json:"task_id"`
	Kind       task.Kind `json:"kind"`
	OwnerID    string    `json:"owner_id,omitempty"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func NewJob(t *task.Task, now time.Time) *Job {
	return &Job{
		TaskID:     t.ID,
		Kind:       t.Kind,
		OwnerID:    t.OwnerID,
		EnqueuedAt: now,
	}
}

func (j *Job) ToJSON() (string, error) {
	data, err := json.Marshal(j)
	return string(data), err
}

func JobFromJSON(data string) (*Job, error) {
	var job Job
	err := json.Unmarshal([]byte(data), &job)
	return &job, err
}
