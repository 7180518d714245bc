package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/GoCodeAlone/relay/engine"
	"github.com/GoCodeAlone/relay/events"
	"github.com/GoCodeAlone/relay/question"
	"github.com/GoCodeAlone/relay/task"
)

// detailKeys are the tool input fields tried, in order, for a readable detail.
var detailKeys = []string{"file_path", "notebook_path", "path", "command", "query", "pattern", "url"}

// modifyingTools write the file named by their input.
var modifyingTools = map[string]bool{
	"Edit":         true,
	"Write":        true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// Adapter drains an engine's step stream into a task's bus and drives the
// registry's progress and terminal updates.
type Adapter struct {
	registry  *Registry
	engine    engine.Engine
	questions *question.Checkpoint
	logger    *slog.Logger
}

// NewAdapter creates an Adapter. A nil checkpoint makes ask-human calls fail.
func NewAdapter(registry *Registry, eng engine.Engine, questions *question.Checkpoint, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{registry: registry, engine: eng, questions: questions, logger: logger}
}

// run holds the per-task state of one Run.
type run struct {
	mt       *ManagedTask
	inputs   map[string]*strings.Builder
	names    map[string]string
	current  string // tool receiving input deltas
	modified []string
	turns    int
	cost     float64 // running cost reported by the engine
}

// Run executes req for mt until the task reaches a terminal state. It is a
// single sequential consumer of the engine stream.
func (a *Adapter) Run(mt *ManagedTask, req Request) {
	ctx := mt.Context()
	log := a.logger.With(slog.String("task_id", mt.ID))

	steps, err := a.engine.Run(ctx, engine.Request{
		Prompt:       req.Prompt,
		SessionID:    req.SessionID,
		MaxTurns:     req.MaxTurns,
		MaxBudgetUSD: req.MaxBudgetUSD,
		AskHuman:     a.askHuman(mt),
	})
	if err != nil {
		a.fail(mt, log, fmt.Sprintf("start engine: %v", err))
		return
	}

	r := &run{
		mt:     mt,
		inputs: make(map[string]*strings.Builder),
		names:  make(map[string]string),
	}
	for step := range steps {
		if done := a.handle(r, log, step); done {
			// Keep draining so the engine goroutine can exit.
			for range steps {
			}
			return
		}
	}
	if mt.Cancelled() {
		return
	}
	a.fail(mt, log, "engine stream ended without a result")
}

// handle applies one step and reports whether the task reached its end.
func (a *Adapter) handle(r *run, log *slog.Logger, step engine.Step) bool {
	mt := r.mt
	switch step.Type {
	case engine.StepInit:
		mt.publish(events.TypeStatus, events.Status{Status: "running", SessionID: step.SessionID})

	case engine.StepTextDelta:
		if step.Text != "" {
			mt.publish(events.TypeTextDelta, events.TextDelta{Text: step.Text})
		}

	case engine.StepToolBlockStart:
		r.names[step.ToolID] = step.ToolName
		r.inputs[step.ToolID] = &strings.Builder{}
		r.current = step.ToolID
		mt.startTool(step.ToolID, step.ToolName)

	case engine.StepToolBlockInputDelta:
		id := step.ToolID
		if id == "" {
			id = r.current
		}
		if b, ok := r.inputs[id]; ok {
			b.WriteString(step.PartialJSON)
		}

	case engine.StepToolBlockStop:
		id := step.ToolID
		if id == "" {
			id = r.current
		}
		a.closeToolBlock(r, id)

	case engine.StepTurnStart:
		// The tools described in the previous turn have now executed.
		mt.endTools()
		r.turns++
		r.cost = max(r.cost, step.CostUSD)
		a.registry.RecordProgress(mt.Context(), mt.ID, r.turns, r.cost)
		mt.publish(events.TypeStatus, events.Status{Status: "running", Turns: r.turns})

	case engine.StepResult:
		if step.Result == nil {
			a.fail(mt, log, "engine reported an empty result")
			return true
		}
		a.finish(r, log, step.Result)
		return true

	case engine.StepError:
		if mt.Cancelled() {
			// Cancel already recorded the terminal state.
			return true
		}
		msg := step.ErrText
		if msg == "" && step.Err != nil {
			msg = step.Err.Error()
		}
		if msg == "" {
			msg = "engine error"
		}
		a.failWith(mt, log, msg, r.modified)
		return true

	default:
		log.Debug("ignoring engine step", slog.String("type", string(step.Type)))
	}
	return false
}

// closeToolBlock resolves the tool's detail from its buffered input.
func (a *Adapter) closeToolBlock(r *run, id string) {
	b, ok := r.inputs[id]
	if !ok {
		return
	}
	delete(r.inputs, id)
	name := r.names[id]

	var input map[string]any
	if err := json.Unmarshal([]byte(b.String()), &input); err != nil {
		input = nil
	}
	detail := toolDetail(input)
	r.mt.setToolDetail(id, detail)

	if modifyingTools[name] && detail != "" && !slices.Contains(r.modified, detail) {
		r.modified = append(r.modified, detail)
	}
	entry := activityLabel(name, detail)
	a.registry.RecordActivity(r.mt.Context(), r.mt.ID, entry)
	r.mt.publish(events.TypeStatus, events.Status{Status: "running", Activity: entry})
}

// finish maps the engine outcome to a terminal status.
func (a *Adapter) finish(r *run, log *slog.Logger, res *engine.Outcome) {
	out := task.Outcome{
		StopReason:    task.StringPtr(res.StopReason),
		ModifiedFiles: r.modified,
		Turns:         res.NumTurns,
		CostUSD:       res.CostUSD,
	}
	status := StatusForSubtype(res.Subtype)
	switch status {
	case task.StatusCompleted:
		out.Result = &res.Output
	case task.StatusFailed:
		msg := res.ErrorText()
		out.Error = &msg
	default:
		// Limits are not failures: keep the partial output and name the limit
		// in the stop reason.
		out.Result = task.StringPtr(res.Output)
		if out.StopReason == nil {
			out.StopReason = task.StringPtr(res.Subtype)
		}
	}
	if err := a.registry.Complete(context.WithoutCancel(r.mt.Context()), r.mt.ID, status, out); err != nil {
		log.Error("complete task", slog.Any("err", err))
	}
}

func (a *Adapter) fail(mt *ManagedTask, log *slog.Logger, reason string) {
	a.failWith(mt, log, reason, nil)
}

func (a *Adapter) failWith(mt *ManagedTask, log *slog.Logger, reason string, modified []string) {
	if mt.Cancelled() {
		return
	}
	out := task.Outcome{Error: &reason, ModifiedFiles: modified}
	if err := a.registry.Complete(context.WithoutCancel(mt.Context()), mt.ID, task.StatusFailed, out); err != nil {
		log.Error("fail task", slog.Any("err", err))
	}
}

// askHuman suspends the job on a persisted question keyed by the task id.
func (a *Adapter) askHuman(mt *ManagedTask) engine.AskHumanFunc {
	return func(ctx context.Context, q engine.Question) (json.RawMessage, error) {
		if a.questions == nil {
			return nil, errors.New("no question checkpoint configured")
		}
		payload, err := json.Marshal(q)
		if err != nil {
			return nil, fmt.Errorf("encode question: %w", err)
		}
		pending, err := a.questions.Open(ctx, mt.ID, payload)
		if err != nil {
			return nil, err
		}
		announce, _ := json.Marshal(struct {
			ID string `json:"id"`
			engine.Question
		}{pending.ID, q})
		entry := "Waiting for answer: " + q.Prompt
		a.registry.RecordActivity(ctx, mt.ID, entry)
		mt.publish(events.TypeStatus, events.Status{Status: "waiting", Activity: entry, Question: announce})

		answer, err := a.questions.Wait(ctx, pending)
		if err != nil {
			return nil, err
		}
		mt.publish(events.TypeStatus, events.Status{Status: "running", Activity: "Answer received"})
		return answer, nil
	}
}

// StatusForSubtype maps an engine result subtype to a terminal task status.
func StatusForSubtype(subtype string) task.Status {
	switch subtype {
	case engine.SubtypeSuccess:
		return task.StatusCompleted
	case engine.SubtypeMaxTurns:
		return task.StatusLimitTurns
	case engine.SubtypeMaxBudget:
		return task.StatusLimitBudget
	default:
		return task.StatusFailed
	}
}

// toolDetail picks the most descriptive string field of a tool input.
func toolDetail(input map[string]any) string {
	for _, k := range detailKeys {
		if s, ok := input[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// activityLabel renders a tool call as a short activity line, e.g.
// "Read: main.go" or "Web Fetch: https://example.com".
func activityLabel(name, detail string) string {
	label := cases.Title(language.English, cases.NoLower).String(strings.ReplaceAll(name, "_", " "))
	if label == "" {
		label = "Tool"
	}
	if detail == "" {
		return label
	}
	if utf8.RuneCountInString(detail) > 120 {
		detail = string([]rune(detail)[:117]) + "..."
	}
	return label + ": " + detail
}
