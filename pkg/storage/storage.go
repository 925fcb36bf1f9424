package storage

import (
	"github.com/pkg/errors"

	"github.com/olereon/imaginarium-sub002/pkg/models"
)

// ErrNotFound is returned when a run, task or log lookup misses.
var ErrNotFound = errors.New("not found")

// ErrClaimConflict is returned by ClaimTask when another worker won the
// READY -> RUNNING transition. It is an internal signal, never surfaced to
// users: the dispatcher simply moves on to the next ready task.
var ErrClaimConflict = errors.New("task already claimed")

// Store is the execution store: the single source of truth for run and task
// state. All mutating operations that touch both a task and its run's
// progress aggregates commit atomically. Claim exclusivity is enforced here
// (compare-and-swap on task status), so callers need no additional locks.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Run operations.
	CreateRun(run models.Run, tasks []models.TaskExecution) error
	GetRun(id string) (models.Run, error)
	ListRuns() ([]models.Run, error)
	// ListEligibleRuns returns non-terminal runs ordered by
	// (priority DESC, queued_at ASC), at most limit of them.
	ListEligibleRuns(limit int) ([]models.Run, error)
	// UpdateRunStatus applies a status transition and reports whether it was
	// applied. Transitions on an already-terminal run are no-ops (false, nil).
	UpdateRunStatus(id string, status models.RunStatus, errMsg string) (bool, error)
	// RequestCancel flags the run for cooperative cancellation. Flagging an
	// already-terminal run is a no-op.
	RequestCancel(id string) error

	// Task operations.
	GetTask(id string) (models.TaskExecution, error)
	ListTasks(runID string) ([]models.TaskExecution, error)
	// MarkReadyTasks promotes PENDING tasks whose dependencies are all
	// SUCCEEDED to READY and returns how many were promoted.
	MarkReadyTasks(runID string) (int, error)
	// ClaimTask atomically transitions READY -> RUNNING, increments the
	// attempt counter and stamps StartedAt. Exactly one caller wins; the
	// rest get ErrClaimConflict.
	ClaimTask(id string) (models.TaskExecution, error)
	CompleteTask(id string, output map[string]string, cost float64, tokens int64) error
	FailTask(id string, errMsg string) error
	// MarkRetrying parks a RUNNING task until its backoff delay elapses and
	// bumps the run's retry counter.
	MarkRetrying(id string, errMsg string) error
	// RequeueTask returns a RETRYING (or still-RUNNING, on cancel release)
	// task to READY.
	RequeueTask(id string) error
	// SkipTasks marks the given not-yet-started tasks SKIPPED.
	SkipTasks(runID string, ids []string) error

	// Log operations. Entries are append-only.
	AppendLog(entry models.ExecutionLogEntry) error
	ListLogs(runID string) ([]models.ExecutionLogEntry, error)
}
