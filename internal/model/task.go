package model

import (
	"encoding/json"
	"time"
)

// Task status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		// Requeued when the worker's lease expires.
		StatusPending: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether status is a final task status.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// LogLine represents a single persisted log line from a task execution.
type LogLine struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Seq       int       `json:"seq"`
	Topic     string    `json:"topic"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is one queued activity invocation. Spec, Parameters and State hold the
// serialized inputs so any worker sharing the queue can run it.
type Task struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	Name       string          `json:"name"`
	Spec       json.RawMessage `json:"spec"`
	Parameters json.RawMessage `json:"parameters"`
	State      json.RawMessage `json:"state,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Command    string          `json:"command,omitempty"`
	ExitCode   *int            `json:"exit_code,omitempty"`
	WorkerID   string          `json:"worker_id,omitempty"`
	DurationMS *int            `json:"duration_ms,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}
