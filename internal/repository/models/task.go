// Package models contains read models shared by the repositories and the dashboard.
package models

import "time"

type KindSummary struct {
	Kind          string  `json:"kind"`
	Total         int     `json:"total"`
	Processing    int     `json:"processing"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	Cancelled     int     `json:"cancelled"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	MaxDurationMs int64   `json:"max_duration_ms"`
	SuccessRate   float64 `json:"success_rate"`
}

type RecentTask struct {
	TaskID           string     `json:"task_id"`
	Kind             string     `json:"kind"`
	Status           string     `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	DurationMs       *int64     `json:"duration_ms,omitempty"`
	ResultSummary    string     `json:"result_summary,omitempty"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	ErrorCode        string     `json:"error_code,omitempty"`
	ErrorRecoverable bool       `json:"error_recoverable"`
}
