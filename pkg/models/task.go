package models

import "time"

type TaskStatus string

const (
	PendingTaskStatus   TaskStatus = "PENDING"
	ReadyTaskStatus     TaskStatus = "READY"
	RunningTaskStatus   TaskStatus = "RUNNING"
	SucceededTaskStatus TaskStatus = "SUCCEEDED"
	FailedTaskStatus    TaskStatus = "FAILED"
	RetryingTaskStatus  TaskStatus = "RETRYING"
	SkippedTaskStatus   TaskStatus = "SKIPPED"
)

// Terminal reports whether the task will never transition again.
func (s TaskStatus) Terminal() bool {
	return s == SucceededTaskStatus || s == FailedTaskStatus || s == SkippedTaskStatus
}

// TaskExecution is the execution of a single node within a run. A task
// transitions to RUNNING only through an exclusive claim (READY -> RUNNING)
// and only when every node in DependsOn is SUCCEEDED.
type TaskExecution struct {
	ID             string            `json:"id" db:"id"`
	RunID          string            `json:"run_id" db:"run_id"`
	NodeID         string            `json:"node_id" db:"node_id"`
	NodeType       string            `json:"node_type" db:"node_type"`
	Status         TaskStatus        `json:"status" db:"status"`
	Attempts       int               `json:"attempts" db:"attempts"`
	ExecutionOrder int               `json:"execution_order" db:"execution_order"`
	DependsOn      []string          `json:"depends_on"` // node IDs within the same run
	Inputs         []InputBinding    `json:"inputs,omitempty"`
	Config         map[string]string `json:"config,omitempty"`
	Output         map[string]string `json:"output,omitempty"`
	ErrorMsg       string            `json:"error,omitempty" db:"error_msg"`
	Cost           float64           `json:"cost" db:"cost"`
	TokensUsed     int64             `json:"tokens_used" db:"tokens_used"`
	StartedAt      *time.Time        `json:"started_at,omitempty" db:"started_at"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty" db:"finished_at"`
}
