// Package events provides the per-task replayable event log that feeds live
// stream subscribers.
package events

import (
	"encoding/json"
	"time"

	"github.com/GoCodeAlone/relay/task"
)

// Type identifies the kind of task event.
type Type string

const (
	TypeTextDelta Type = "text_delta" // streamed model text
	TypeToolStart Type = "tool_start" // a tool call was issued
	TypeToolEnd   Type = "tool_end"   // a tool call finished executing
	TypeStatus    Type = "status"     // progress or lifecycle notice
	TypeResult    Type = "result"     // terminal: the task produced an outcome
	TypeError     Type = "error"      // terminal: the task failed or was cancelled

	// TypeSegment carries a finalized conversation segment. Only orchestrator
	// turn buses publish it; task streams use the six types above.
	TypeSegment Type = "segment"
)

// Valid reports whether t belongs to the closed set of event types.
func (t Type) Valid() bool {
	switch t {
	case TypeTextDelta, TypeToolStart, TypeToolEnd, TypeStatus, TypeSegment, TypeResult, TypeError:
		return true
	}
	return false
}

// Terminal reports whether t ends a task's stream.
func (t Type) Terminal() bool { return t == TypeResult || t == TypeError }

// Event is one immutable entry in a task's event log.
type Event struct {
	ID   int64           `json:"id"`
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
	Time time.Time       `json:"time"`
}

// TextDelta is the payload of a text_delta event.
type TextDelta struct {
	Text string `json:"text"`
}

// ToolStart is the payload of a tool_start event.
type ToolStart struct {
	ToolID string `json:"tool_id"`
	Name   string `json:"name"`
}

// ToolEnd is the payload of a tool_end event.
type ToolEnd struct {
	ToolID string `json:"tool_id"`
	Name   string `json:"name"`
	Detail string `json:"detail,omitempty"`
}

// Status is the payload of a status event.
type Status struct {
	Status    string          `json:"status,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Activity  string          `json:"activity,omitempty"`
	Turns     int             `json:"turns,omitempty"`
	Question  json.RawMessage `json:"question,omitempty"`
}

// Terminal is the payload of result and error events.
type Terminal struct {
	TaskID        string   `json:"task_id"`
	Status        string   `json:"status"`
	Result        *string  `json:"result,omitempty"`
	StopReason    *string  `json:"stop_reason,omitempty"`
	Error         *string  `json:"error,omitempty"`
	ModifiedFiles []string `json:"modified_files,omitempty"`
	CostUSD       float64  `json:"cost_usd,omitempty"`
	Turns         int      `json:"turns,omitempty"`
}

// TerminalFor derives the terminal event of a finished task. Failed and
// cancelled tasks end with an error event, every other outcome with a result.
func TerminalFor(t *task.Task) (Type, Terminal) {
	typ := TypeResult
	if t.Status == task.StatusFailed || t.Status == task.StatusCancelled {
		typ = TypeError
	}
	return typ, Terminal{
		TaskID:        t.ID,
		Status:        string(t.Status),
		Result:        t.Result,
		StopReason:    t.StopReason,
		Error:         t.Error,
		ModifiedFiles: t.ModifiedFiles,
		CostUSD:       t.CostUSD,
		Turns:         t.Turns,
	}
}
