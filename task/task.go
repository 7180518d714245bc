// Package task defines the delegated task record and its persistence.
package task

import (
	"context"
	"errors"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusLimitTurns  Status = "limit_turns"
	StatusLimitBudget Status = "limit_budget"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusLimitTurns, StatusLimitBudget:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s == StatusRunning || s.Terminal() }

// ActivityLimit is the number of recent activity strings kept per task.
const ActivityLimit = 50

var (
	// ErrNotFound is returned when no task exists for an id.
	ErrNotFound = errors.New("task not found")
	// ErrTerminal is returned for operations that need a running task.
	ErrTerminal = errors.New("task already finished")
)

// Task is one delegated job executed by a worker.
type Task struct {
	ID            string `json:"id"`
	WorkerID      string `json:"worker_id"`
	CorrelationID string `json:"correlation_id,omitempty"` // conversation the task belongs to
	Prompt        string `json:"prompt,omitempty"`
	Status        Status `json:"status"`

	Turns        int      `json:"turns"`
	CostUSD      float64  `json:"cost_usd"`
	LastActivity string   `json:"last_activity,omitempty"`
	Activity     []string `json:"activity,omitempty"`

	Result        *string    `json:"result"`
	StopReason    *string    `json:"stop_reason"`
	Error         *string    `json:"error"`
	ModifiedFiles []string   `json:"modified_files,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`

	Notified        bool `json:"notified"`
	ResponseClaimed bool `json:"response_claimed"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Outcome holds the fields written on the terminal transition.
type Outcome struct {
	Result        *string  `json:"result"`
	StopReason    *string  `json:"stop_reason"`
	Error         *string  `json:"error"`
	ModifiedFiles []string `json:"modified_files,omitempty"`
	Turns         int      `json:"turns"`
	CostUSD       float64  `json:"cost_usd"`
}

// Outcome returns the terminal fields of t.
func (t *Task) Outcome() Outcome {
	return Outcome{
		Result:        t.Result,
		StopReason:    t.StopReason,
		Error:         t.Error,
		ModifiedFiles: t.ModifiedFiles,
		Turns:         t.Turns,
		CostUSD:       t.CostUSD,
	}
}

// Fields is a set of column assignments for Store.UpdateIf.
type Fields map[string]any

// Store persists and retrieves tasks.
type Store interface {
	// Create persists a new task, assigning an ID if t.ID is empty.
	Create(ctx context.Context, t *Task) (string, error)

	// Get retrieves a task by ID. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*Task, error)

	// List returns tasks matching the given filter.
	List(ctx context.Context, filter Filter) ([]*Task, error)

	// UpdateIf applies set to the task only if field currently equals want.
	// It reports whether this call performed the update.
	UpdateIf(ctx context.Context, id, field string, want any, set Fields) (bool, error)

	// AppendActivity pushes entry onto the activity ring, trimming it to limit,
	// and records it as the last activity.
	AppendActivity(ctx context.Context, id, entry string, limit int) error

	// UpdateProgress records turn and cost counters for a running task.
	UpdateProgress(ctx context.Context, id string, turns int, costUSD float64) error

	// Finish moves a running task to a terminal status. It reports false
	// without error when the task was no longer running.
	Finish(ctx context.Context, id string, status Status, out Outcome) (bool, error)

	// MarkNotified records that a terminal push was delivered.
	MarkNotified(ctx context.Context, id string) error

	// Claim flips response_claimed for a terminal task. The task is returned
	// with true only to the single caller that performed the flip.
	Claim(ctx context.Context, id string) (*Task, bool, error)

	// Mirror inserts or overwrites a copy of a task owned elsewhere. It never
	// touches response_claimed and never moves a terminal record back.
	Mirror(ctx context.Context, t *Task) error
}

// Filter controls which tasks are returned by List.
type Filter struct {
	Status        *Status `json:"status,omitempty"`
	WorkerID      string  `json:"worker_id,omitempty"`
	CorrelationID string  `json:"correlation_id,omitempty"`
	Limit         int     `json:"limit,omitempty"`
	Offset        int     `json:"offset,omitempty"`
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
