package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/seantiz/packtivity/internal/model"
)

// ErrInvalidTransition is returned when a task status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrQueueEmpty is returned by ClaimTask when no task is pending.
var ErrQueueEmpty = errors.New("no pending task")

// ErrLeaseLost is returned by Heartbeat when the task no longer runs on
// behalf of the worker, usually because it was requeued.
var ErrLeaseLost = errors.New("task lease lost")

// TaskStats holds aggregate queue statistics.
type TaskStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByName   map[string]int `json:"count_by_name"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Failure is the diagnostic recorded on a failed task.
type Failure struct {
	Code     string
	Message  string
	Command  string
	ExitCode *int
}

// Store persists queued activity invocations and their logs.
type Store interface {
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, limit, offset int) ([]*model.Task, int, error)
	ClaimTask(ctx context.Context, workerID string) (*model.Task, error)
	Heartbeat(ctx context.Context, id, workerID string) error
	RequeueStale(ctx context.Context, lease time.Duration) ([]string, error)
	CompleteTask(ctx context.Context, id string, result json.RawMessage) error
	FailTask(ctx context.Context, id string, f Failure) error
	GetTaskStats(ctx context.Context) (*TaskStats, error)
	InsertLogLine(ctx context.Context, taskID string, seq int, topic, line string) error
	GetLogLines(ctx context.Context, taskID string) ([]model.LogLine, error)
	Close() error
}
