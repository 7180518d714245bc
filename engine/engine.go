// Package engine defines the job engine boundary: the opaque executor that
// performs a task's work and reports it as a stream of steps.
package engine

import (
	"context"
	"encoding/json"
	"strings"
)

// StepType identifies a raw engine step.
type StepType string

const (
	StepInit                StepType = "init"
	StepTextDelta           StepType = "text_delta"
	StepToolBlockStart      StepType = "tool_block_start"
	StepToolBlockInputDelta StepType = "tool_block_input_delta"
	StepToolBlockStop       StepType = "tool_block_stop"
	StepTurnStart           StepType = "turn_start"
	StepResult              StepType = "result"
	StepError               StepType = "error" // stream failure or abort
)

// Result subtypes reported by the engine.
const (
	SubtypeSuccess    = "success"
	SubtypeMaxTurns   = "error_max_turns"
	SubtypeMaxBudget  = "error_max_budget_usd"
	SubtypeDuringExec = "error_during_execution"
)

// Step is one raw event from the engine.
type Step struct {
	Type        StepType `json:"type"`
	SessionID   string   `json:"session_id,omitempty"`
	Text        string   `json:"text,omitempty"`
	ToolID      string   `json:"tool_id,omitempty"`
	ToolName    string   `json:"name,omitempty"`
	PartialJSON string   `json:"partial_json,omitempty"`
	CostUSD     float64  `json:"cost_usd,omitempty"` // running cost, optional on StepTurnStart
	Result      *Outcome `json:"result,omitempty"`
	// Err is set on StepError. It is not part of the wire form.
	Err error `json:"-"`
	// ErrText carries a StepError message across process boundaries.
	ErrText string `json:"error,omitempty"`
}

// Outcome is the engine's terminal report.
type Outcome struct {
	Subtype    string   `json:"subtype"`
	CostUSD    float64  `json:"cost_usd"`
	NumTurns   int      `json:"num_turns"`
	StopReason string   `json:"stop_reason,omitempty"`
	Output     string   `json:"output,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

// ErrorText joins the outcome's error details.
func (o *Outcome) ErrorText() string {
	if len(o.Errors) == 0 {
		return o.Subtype
	}
	return strings.Join(o.Errors, "; ")
}

// Question is a structured question the engine needs a human to answer.
type Question struct {
	Prompt  string          `json:"prompt"`
	Options []string        `json:"options,omitempty"`
	Extra   json.RawMessage `json:"extra,omitempty"`
}

// AskHumanFunc blocks until a human answered q or ctx is done.
type AskHumanFunc func(ctx context.Context, q Question) (json.RawMessage, error)

// Request describes one job.
type Request struct {
	Prompt       string
	SessionID    string // resume an earlier engine session when non-empty
	MaxTurns     int
	MaxBudgetUSD float64
	AskHuman     AskHumanFunc
}

// Engine executes jobs.
type Engine interface {
	// Name returns the engine identifier (e.g., "process", "mock").
	Name() string

	// Run starts a job. Steps are delivered on the returned channel, which is
	// closed when the job finished, failed or ctx was cancelled.
	Run(ctx context.Context, req Request) (<-chan Step, error)
}
