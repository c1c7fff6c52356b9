// Package task defines the background task domain model used by the lifecycle manager,
// the executor and the persistence layers. It contains task metadata, status and kind
// definitions, and serialization helpers.
package task

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/google/uuid"
)

type (
	TaskStatus string
	Kind       string
	Task       struct {
		ID               string         `json:"id"`
		OwnerID          string         `json:"owner_id,omitempty"`
		Kind             Kind           `json:"kind"`
		Status           TaskStatus     `json:"status"`
		StartedAt        time.Time      `json:"started_at"`
		CompletedAt      *time.Time     `json:"completed_at,omitempty"`
		Parameters       map[string]any `json:"parameters,omitempty"`
		ResultSummary    string         `json:"result_summary,omitempty"`
		RedirectURL      string         `json:"redirect_url,omitempty"`
		Error            string         `json:"error,omitempty"`
		ErrorRecoverable bool           `json:"error_recoverable"`
		ErrorCode        string         `json:"error_code,omitempty"`
		CancelledBy      string         `json:"cancelled_by,omitempty"`
	}
)

const (
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

const (
	KindUploadPDF          Kind = "upload-pdf"
	KindGenerateInsight    Kind = "generate-insight"
	KindGenerateActionPlan Kind = "generate-action-plan"
)

// Failure describes why a run ended in StatusFailed.
type Failure struct {
	Message     string
	Recoverable bool
	Code        string
}

func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s TaskStatus) Valid() bool {
	return s == StatusProcessing || s.IsTerminal()
}

func (k Kind) Valid() bool {
	switch k {
	case KindUploadPDF, KindGenerateInsight, KindGenerateActionPlan:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	return string(k)
}

func NewTask(kind Kind, ownerID string, parameters map[string]any, now time.Time) *Task {
	return &Task{
		ID:         uuid.New().String(),
		OwnerID:    ownerID,
		Kind:       kind,
		Parameters: parameters,
		Status:     StatusProcessing,
		StartedAt:  now,
	}
}

// Clone returns a copy that shares no mutable state with t.
func (t *Task) Clone() *Task {
	c := *t
	if t.CompletedAt != nil {
		completedAt := *t.CompletedAt
		c.CompletedAt = &completedAt
	}
	if t.Parameters != nil {
		c.Parameters = maps.Clone(t.Parameters)
	}

	return &c
}

func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// Duration is the time between start and completion, or zero while processing.
func (t *Task) Duration() time.Duration {
	if t.CompletedAt == nil {
		return 0
	}

	return t.CompletedAt.Sub(t.StartedAt)
}

// StringParam returns a string parameter, or "" when absent or not a string.
func (t *Task) StringParam(key string) string {
	v, _ := t.Parameters[key].(string)
	return v
}

func (t *Task) ToJSON() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func TaskFromJSON(data string) (*Task, error) {
	var task Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, err
	}

	return &task, nil
}
