package models

import "time"

// ExecutionLogEntry is an append-only audit record tied to one task attempt,
// or to the run itself when TaskID is empty. Entries are never mutated and
// outlive run/task deletion.
type ExecutionLogEntry struct {
	ID       int64     `json:"id" db:"id"`
	RunID    string    `json:"run_id" db:"run_id"`
	TaskID   string    `json:"task_id,omitempty" db:"task_id"`
	Level    string    `json:"level" db:"level"`
	Message  string    `json:"message" db:"message"`
	Attempt  int       `json:"attempt" db:"attempt"`
	LoggedAt time.Time `json:"logged_at" db:"logged_at"`
}
