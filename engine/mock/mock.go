// Package mock provides a scripted job engine for tests and local demos.
package mock

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/GoCodeAlone/relay/engine"
)

// Action is one scripted engine behavior.
type Action struct {
	Step engine.Step
	Ask  *engine.Question // call Request.AskHuman instead of emitting Step
	Wait time.Duration    // pause before the action
	Hang bool             // block until the job is cancelled
}

// MockEngine implements engine.Engine by replaying scripts. Each Run uses the
// next script, cycling through the list.
type MockEngine struct {
	mu      sync.Mutex
	scripts [][]Action
	idx     int
	answers []json.RawMessage
}

// New creates a MockEngine that cycles through the given scripts.
func New(scripts ...[]Action) *MockEngine {
	return &MockEngine{scripts: scripts}
}

// Name returns the engine identifier.
func (m *MockEngine) Name() string { return "mock" }

// Answers returns the human answers received so far.
func (m *MockEngine) Answers() []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]json.RawMessage(nil), m.answers...)
}

// Run replays the next script. Consumers must drain the channel.
func (m *MockEngine) Run(ctx context.Context, req engine.Request) (<-chan engine.Step, error) {
	m.mu.Lock()
	var script []Action
	if len(m.scripts) > 0 {
		script = m.scripts[m.idx%len(m.scripts)]
		m.idx++
	} else {
		script = Success("Task acknowledged.")
	}
	m.mu.Unlock()

	ch := make(chan engine.Step, 8)
	go func() {
		defer close(ch)
		for _, a := range script {
			if a.Wait > 0 {
				select {
				case <-ctx.Done():
					ch <- abort(ctx)
					return
				case <-time.After(a.Wait):
				}
			}
			if ctx.Err() != nil {
				ch <- abort(ctx)
				return
			}
			switch {
			case a.Hang:
				<-ctx.Done()
				ch <- abort(ctx)
				return
			case a.Ask != nil:
				if !m.ask(ctx, req, *a.Ask, ch) {
					return
				}
			case a.Step.Type != "":
				ch <- a.Step
			}
		}
	}()
	return ch, nil
}

// ask invokes the human callback and reports whether the script continues.
func (m *MockEngine) ask(ctx context.Context, req engine.Request, q engine.Question, ch chan<- engine.Step) bool {
	if req.AskHuman == nil {
		ch <- failure("no human available to answer: " + q.Prompt)
		return false
	}
	answer, err := req.AskHuman(ctx, q)
	if err != nil {
		if ctx.Err() != nil {
			ch <- abort(ctx)
		} else {
			ch <- failure(err.Error())
		}
		return false
	}
	m.mu.Lock()
	m.answers = append(m.answers, answer)
	m.mu.Unlock()
	return true
}

func abort(ctx context.Context) engine.Step {
	return engine.Step{Type: engine.StepError, Err: context.Cause(ctx), ErrText: "aborted"}
}

func failure(msg string) engine.Step {
	return engine.Step{Type: engine.StepResult, Result: &engine.Outcome{
		Subtype: engine.SubtypeDuringExec,
		Errors:  []string{msg},
	}}
}

// --- script builders ---

// Step wraps raw steps as actions.
func Step(steps ...engine.Step) []Action {
	out := make([]Action, 0, len(steps))
	for _, s := range steps {
		out = append(out, Action{Step: s})
	}
	return out
}

// Init emits the session announcement.
func Init(sessionID string) []Action {
	return Step(engine.Step{Type: engine.StepInit, SessionID: sessionID})
}

// Text emits a text delta.
func Text(s string) []Action {
	return Step(engine.Step{Type: engine.StepTextDelta, Text: s})
}

// Tool emits a complete tool block whose input arrives in two partial chunks.
func Tool(id, name, inputJSON string) []Action {
	mid := len(inputJSON) / 2
	return Step(
		engine.Step{Type: engine.StepToolBlockStart, ToolID: id, ToolName: name},
		engine.Step{Type: engine.StepToolBlockInputDelta, ToolID: id, PartialJSON: inputJSON[:mid]},
		engine.Step{Type: engine.StepToolBlockInputDelta, ToolID: id, PartialJSON: inputJSON[mid:]},
		engine.Step{Type: engine.StepToolBlockStop, ToolID: id},
	)
}

// TurnStart marks the start of a new engine turn.
func TurnStart() []Action {
	return Step(engine.Step{Type: engine.StepTurnStart})
}

// Ask invokes the human callback.
func Ask(prompt string, options ...string) []Action {
	return []Action{{Ask: &engine.Question{Prompt: prompt, Options: options}}}
}

// Hang blocks until the job is cancelled.
func Hang() []Action { return []Action{{Hang: true}} }

// Pause delays the next action.
func Pause(d time.Duration) []Action { return []Action{{Wait: d}} }

// Success reports a successful outcome.
func Success(output string) []Action {
	return Step(engine.Step{Type: engine.StepResult, Result: &engine.Outcome{
		Subtype:    engine.SubtypeSuccess,
		Output:     output,
		StopReason: "end_turn",
		NumTurns:   1,
	}})
}

// Result reports an arbitrary outcome.
func Result(out engine.Outcome) []Action {
	return Step(engine.Step{Type: engine.StepResult, Result: &out})
}

// Script concatenates action groups.
func Script(groups ...[]Action) []Action {
	var out []Action
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
