package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/GoCodeAlone/relay/engine"
	"github.com/GoCodeAlone/relay/events"
	"github.com/GoCodeAlone/relay/question"
	"github.com/GoCodeAlone/relay/task"
)

var (
	// ErrTurnActive is returned when a conversation already has a running turn.
	ErrTurnActive = errors.New("conversation turn already running")
	// ErrAborted is the cancellation cause of an aborted turn.
	ErrAborted = errors.New("turn aborted")
)

// TurnEnd is the payload of the terminal event of a turn stream.
type TurnEnd struct {
	ConversationID string  `json:"conversation_id"`
	Status         string  `json:"status"`
	Error          string  `json:"error,omitempty"`
	CostUSD        float64 `json:"cost_usd,omitempty"`
	Turns          int     `json:"turns,omitempty"`
}

// Turn is one running assistant turn. Its bus carries live text deltas,
// finalized segments and a terminal result or error event.
type Turn struct {
	ConversationID string
	Bus            *events.Bus

	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Done is closed when the turn finished.
func (t *Turn) Done() <-chan struct{} { return t.done }

type askRequest struct {
	q     engine.Question
	reply chan askReply
}

type askReply struct {
	q   *question.Question
	err error
}

// TurnRunner runs conversational turns on the orchestrator's own engine and
// persists each finalized segment as an assistant message.
type TurnRunner struct {
	engine    engine.Engine
	convs     Conversations
	questions *question.Checkpoint
	logger    *slog.Logger

	base context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	active   map[string]*Turn
	sessions map[string]string
	wg       sync.WaitGroup
}

// NewTurnRunner creates a TurnRunner. Question correlation ids are
// conversation ids.
func NewTurnRunner(eng engine.Engine, convs Conversations, questions *question.Checkpoint, logger *slog.Logger) *TurnRunner {
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	return &TurnRunner{
		engine:    eng,
		convs:     convs,
		questions: questions,
		logger:    logger,
		base:      base,
		stop:      stop,
		active:    make(map[string]*Turn),
		sessions:  make(map[string]string),
	}
}

// Conversations returns the message store.
func (r *TurnRunner) Conversations() Conversations { return r.convs }

// Questions returns the question checkpoint.
func (r *TurnRunner) Questions() *question.Checkpoint { return r.questions }

// Run appends the user's message and starts a turn answering it.
func (r *TurnRunner) Run(ctx context.Context, conversationID, text string) (*Turn, error) {
	if text == "" {
		return nil, errors.New("message text is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[conversationID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTurnActive, conversationID)
	}
	msg := &Message{ConversationID: conversationID, Role: RoleUser, Kind: KindText, Content: text}
	if err := r.convs.Append(ctx, msg); err != nil {
		return nil, err
	}
	return r.startLocked(conversationID, text), nil
}

// Retry discards the assistant output after the last user message and runs
// the turn again with the same text. Task results appended by claims stay.
func (r *TurnRunner) Retry(ctx context.Context, conversationID string) (*Turn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[conversationID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTurnActive, conversationID)
	}
	last, err := r.convs.LastUserMessage(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	n, err := r.convs.DeleteAfter(ctx, conversationID, last.Seq)
	if err != nil {
		return nil, err
	}
	delete(r.sessions, conversationID)
	r.logger.Info("retrying turn", slog.String("conversation_id", conversationID), slog.Int64("discarded", n))
	return r.startLocked(conversationID, last.Content), nil
}

// Abort cancels the running turn of a conversation and fails any question
// it is waiting on. It reports whether a turn was running.
func (r *TurnRunner) Abort(ctx context.Context, conversationID string) bool {
	r.mu.Lock()
	t, ok := r.active[conversationID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel(ErrAborted)
	if err := r.questions.CancelPending(ctx, conversationID); err != nil {
		r.logger.Warn("cancel pending questions", slog.String("conversation_id", conversationID), slog.Any("err", err))
	}
	return true
}

// Active returns the running turn of a conversation.
func (r *TurnRunner) Active(conversationID string) (*Turn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.active[conversationID]
	return t, ok
}

// TaskClaimed appends the outcome of a claimed task to the conversation it
// was delegated from.
func (r *TurnRunner) TaskClaimed(ctx context.Context, t *task.Task) error {
	if t.CorrelationID == "" {
		return nil
	}
	_, payload := events.TerminalFor(t)
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var content string
	switch {
	case t.Result != nil:
		content = *t.Result
	case t.Error != nil:
		content = *t.Error
	}
	return r.convs.Append(ctx, &Message{
		ConversationID: t.CorrelationID,
		Role:           RoleAssistant,
		Kind:           KindTaskResult,
		Content:        content,
		Data:           data,
	})
}

// Stop aborts every running turn and waits for them to end or ctx.
func (r *TurnRunner) Stop(ctx context.Context) error {
	r.stop()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *TurnRunner) startLocked(conversationID, text string) *Turn {
	ctx, cancel := context.WithCancelCause(r.base)
	t := &Turn{
		ConversationID: conversationID,
		Bus:            events.NewBus(),
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	r.active[conversationID] = t
	session := r.sessions[conversationID]
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(t.done)
		end := r.run(ctx, t, text, session)
		cancel(nil)

		r.mu.Lock()
		delete(r.active, conversationID)
		r.mu.Unlock()

		typ := events.TypeResult
		if end.Status != "completed" {
			typ = events.TypeError
		}
		if _, err := t.Bus.Publish(typ, end); err != nil {
			r.logger.Error("publish turn end", slog.Any("err", err))
		}
		t.Bus.Close()
	}()
	return t
}

// run drives one engine job. Steps are consumed here; question requests
// from the engine are serialized into the same loop so a question segment
// never overtakes text that preceded it.
func (r *TurnRunner) run(ctx context.Context, t *Turn, text, sessionID string) TurnEnd {
	convID := t.ConversationID
	end := TurnEnd{ConversationID: convID}
	persist := context.WithoutCancel(ctx)
	seg := NewSegmenter(func(s Segment) {
		data, _ := json.Marshal(s)
		msg := &Message{ConversationID: convID, Role: RoleAssistant, Kind: s.Kind, Content: s.Text, Data: data}
		if err := r.convs.Append(persist, msg); err != nil {
			r.logger.Error("persist segment", slog.String("conversation_id", convID), slog.Any("err", err))
		}
		t.Bus.Publish(events.TypeSegment, s)
	})
	defer seg.Flush()

	asks := make(chan askRequest)
	steps, err := r.engine.Run(ctx, engine.Request{
		Prompt:    text,
		SessionID: sessionID,
		AskHuman:  r.askHuman(convID, asks),
	})
	if err != nil {
		end.Status, end.Error = "failed", err.Error()
		return end
	}

	var (
		tools    = make(map[string]*ToolCall)
		inputs   = make(map[string][]byte)
		current  string
		terminal bool
	)
	handle := func(st engine.Step) {
		if terminal {
			return
		}
		switch st.Type {
		case engine.StepInit:
			if st.SessionID != "" {
				r.mu.Lock()
				r.sessions[convID] = st.SessionID
				r.mu.Unlock()
			}
		case engine.StepTextDelta:
			seg.Text(st.Text)
			t.Bus.Publish(events.TypeTextDelta, events.TextDelta{Text: st.Text})
		case engine.StepToolBlockStart:
			seg.Flush()
			current = st.ToolID
			tools[st.ToolID] = &ToolCall{ID: st.ToolID, Name: st.ToolName}
			t.Bus.Publish(events.TypeToolStart, events.ToolStart{ToolID: st.ToolID, Name: st.ToolName})
		case engine.StepToolBlockInputDelta:
			id := st.ToolID
			if id == "" {
				id = current
			}
			inputs[id] = append(inputs[id], st.PartialJSON...)
		case engine.StepToolBlockStop:
			id := st.ToolID
			if id == "" {
				id = current
			}
			call, ok := tools[id]
			if !ok {
				return
			}
			delete(tools, id)
			if raw := inputs[id]; json.Valid(raw) {
				call.Input = json.RawMessage(raw)
			}
			delete(inputs, id)
			seg.Tool(*call)
			t.Bus.Publish(events.TypeToolEnd, events.ToolEnd{ToolID: call.ID, Name: call.Name})
		case engine.StepResult:
			terminal = true
			out := st.Result
			if out == nil {
				end.Status, end.Error = "failed", "engine returned an empty result"
				return
			}
			end.CostUSD, end.Turns = out.CostUSD, out.NumTurns
			if out.Subtype == engine.SubtypeSuccess {
				end.Status = "completed"
				if seg.Pending() == "" && out.Output != "" {
					seg.Text(out.Output)
				}
			} else {
				end.Status, end.Error = "failed", out.ErrorText()
			}
		case engine.StepError:
			terminal = true
			end.Status = "failed"
			if st.ErrText != "" {
				end.Error = st.ErrText
			} else if st.Err != nil {
				end.Error = st.Err.Error()
			}
		}
	}

	for steps != nil {
		select {
		case st, ok := <-steps:
			if !ok {
				steps = nil
				continue
			}
			handle(st)
		case a := <-asks:
			// The engine is blocked in the callback, so everything it sent
			// before asking is already buffered.
		drain:
			for {
				select {
				case st, ok := <-steps:
					if !ok {
						break drain
					}
					handle(st)
				default:
					break drain
				}
			}
			payload, err := json.Marshal(a.q)
			if err != nil {
				a.reply <- askReply{err: fmt.Errorf("encode question: %w", err)}
				continue
			}
			q, err := r.questions.Open(ctx, convID, payload)
			if err == nil {
				seg.Question(q.ID, payload)
			}
			a.reply <- askReply{q: q, err: err}
		}
	}

	if cause := context.Cause(ctx); cause != nil && end.Status != "completed" {
		end.Status, end.Error = "cancelled", cause.Error()
	} else if !terminal {
		end.Status, end.Error = "failed", "engine stream ended without a result"
	}
	return end
}

func (r *TurnRunner) askHuman(convID string, asks chan<- askRequest) engine.AskHumanFunc {
	return func(ctx context.Context, q engine.Question) (json.RawMessage, error) {
		req := askRequest{q: q, reply: make(chan askReply, 1)}
		select {
		case asks <- req:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", question.ErrCancelled, context.Cause(ctx))
		}
		var rep askReply
		select {
		case rep = <-req.reply:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", question.ErrCancelled, context.Cause(ctx))
		}
		if rep.err != nil {
			return nil, rep.err
		}
		r.logger.Info("waiting for answer", slog.String("conversation_id", convID), slog.String("question_id", rep.q.ID))
		return r.questions.Wait(ctx, rep.q)
	}
}
