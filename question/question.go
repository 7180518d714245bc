// Package question implements the blocking human-question checkpoint: a job
// pauses on a persisted question and resumes once an answer is stored,
// possibly by a different process.
package question

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no question exists for an id.
	ErrNotFound = errors.New("question not found")
	// ErrResolved is returned when answering a question that was already
	// answered or cancelled.
	ErrResolved = errors.New("question already resolved")
	// ErrCancelled is returned to the asking job when the wait was abandoned.
	ErrCancelled = errors.New("question cancelled")
)

// Question is a pending or resolved human question.
type Question struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlation_id"` // task or conversation turn
	Payload       json.RawMessage `json:"payload"`
	Answered      bool            `json:"answered"`
	Cancelled     bool            `json:"cancelled"`
	Answer        json.RawMessage `json:"answer,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
}

// Resolved reports whether the question was answered or cancelled.
func (q *Question) Resolved() bool { return q.Answered || q.Cancelled }

// Store persists questions. Answer and Cancel are conditional on the
// question still being unresolved.
type Store interface {
	Create(ctx context.Context, q *Question) (string, error)
	Get(ctx context.Context, id string) (*Question, error)

	// Pending lists unresolved questions for a correlation id, oldest first.
	Pending(ctx context.Context, correlationID string) ([]*Question, error)

	// Answer stores answer only if the question is unresolved and reports
	// whether this call resolved it.
	Answer(ctx context.Context, id string, answer json.RawMessage) (bool, error)

	// Cancel marks an unresolved question cancelled.
	Cancel(ctx context.Context, id string) (bool, error)
}
