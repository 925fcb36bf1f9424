package models

import "time"

type RunStatus string

const (
	QueuedRunStatus    RunStatus = "QUEUED"
	RunningRunStatus   RunStatus = "RUNNING"
	CompletedRunStatus RunStatus = "COMPLETED"
	FailedRunStatus    RunStatus = "FAILED"
	CancelledRunStatus RunStatus = "CANCELLED"
)

// Terminal reports whether the status is final. Terminal transitions are
// idempotent: re-applying one is a no-op.
func (s RunStatus) Terminal() bool {
	return s == CompletedRunStatus || s == FailedRunStatus || s == CancelledRunStatus
}

// Run is one end-to-end execution attempt of a pipeline. It is created
// atomically with its task executions and becomes immutable once terminal.
type Run struct {
	ID              string     `json:"id" db:"id"`
	PipelineID      string     `json:"pipeline_id" db:"pipeline_id"`
	UserID          string     `json:"user_id" db:"user_id"`
	Status          RunStatus  `json:"status" db:"status"`
	Priority        int        `json:"priority" db:"priority"` // higher dispatched first
	Progress        float64    `json:"progress" db:"progress"` // completed/total, in [0,1]
	TotalTasks      int        `json:"total_tasks" db:"total_tasks"`
	CompletedTasks  int        `json:"completed_tasks" db:"completed_tasks"` // SUCCEEDED+FAILED+SKIPPED
	RetryCount      int        `json:"retry_count" db:"retry_count"`
	CostTotal       float64    `json:"cost_total" db:"cost_total"`
	TokensUsed      int64      `json:"tokens_used" db:"tokens_used"`
	CancelRequested bool       `json:"cancel_requested" db:"cancel_requested"`
	ErrorMsg        string     `json:"error,omitempty" db:"error_msg"`
	QueuedAt        time.Time  `json:"queued_at" db:"queued_at"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}
