// Package agent runs delegated tasks on a worker: it accepts one task at a
// time, drives the job engine, publishes the task's event stream and
// reports the terminal outcome back to the orchestrator.
package agent

import (
	"fmt"
	"time"

	"github.com/GoCodeAlone/relay/task"
)

// Request describes a job submitted to a worker.
type Request struct {
	Prompt        string  `json:"prompt"`
	CorrelationID string  `json:"correlation_id,omitempty"`
	SessionID     string  `json:"session_id,omitempty"`
	MaxTurns      int     `json:"max_turns,omitempty"`
	MaxBudgetUSD  float64 `json:"max_budget_usd,omitempty"`
}

// BusyError is returned when the worker already runs a task.
type BusyError struct {
	TaskID string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("already running task %s", e.TaskID)
}

// Info is the worker health snapshot.
type Info struct {
	Status   string `json:"status"`
	WorkerID string `json:"worker_id"`
	Busy     bool   `json:"busy"`
	TaskID   string `json:"task_id,omitempty"`
	Engine   string `json:"engine,omitempty"`
	Version  string `json:"version,omitempty"`
}

// Completion is the push payload sent on every terminal transition.
type Completion struct {
	TaskID        string      `json:"task_id"`
	WorkerID      string      `json:"worker_id"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Status        task.Status `json:"status"`
	task.Outcome
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CompletionFor builds the push payload of a terminal task.
func CompletionFor(t *task.Task) Completion {
	return Completion{
		TaskID:        t.ID,
		WorkerID:      t.WorkerID,
		CorrelationID: t.CorrelationID,
		Status:        t.Status,
		Outcome:       t.Outcome(),
		CompletedAt:   t.CompletedAt,
	}
}

// Task returns the record the completion describes, for mirroring.
func (c Completion) Task() *task.Task {
	return &task.Task{
		ID:            c.TaskID,
		WorkerID:      c.WorkerID,
		CorrelationID: c.CorrelationID,
		Status:        c.Status,
		Turns:         c.Turns,
		CostUSD:       c.CostUSD,
		Result:        c.Result,
		StopReason:    c.StopReason,
		Error:         c.Error,
		ModifiedFiles: c.ModifiedFiles,
		CompletedAt:   c.CompletedAt,
		Notified:      true,
	}
}
