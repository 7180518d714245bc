// Package process runs a job engine as a child process that speaks
// newline-delimited JSON: the job request and human answers go to stdin,
// one step per line comes back on stdout.
package process

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/GoCodeAlone/relay/engine"
)

const maxLineBytes = 4 << 20

// stepAskHuman is a wire-only step asking the parent to consult a human.
const stepAskHuman = "ask_human"

// Config holds configuration for the process engine.
type Config struct {
	Command []string // executable and arguments
	Dir     string   // working directory
	Env     []string // extra environment, KEY=VALUE
}

// Engine implements engine.Engine by spawning Config.Command per job.
type Engine struct {
	cfg Config
}

// New creates a process engine.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

func (e *Engine) Name() string { return "process" }

type startMessage struct {
	Type         string  `json:"type"`
	Prompt       string  `json:"prompt"`
	SessionID    string  `json:"session_id,omitempty"`
	MaxTurns     int     `json:"max_turns,omitempty"`
	MaxBudgetUSD float64 `json:"max_budget_usd,omitempty"`
}

type answerMessage struct {
	Type   string          `json:"type"`
	Answer json.RawMessage `json:"answer,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type wireStep struct {
	engine.Step
	Question *engine.Question `json:"question,omitempty"`
}

// Run starts the child process. Cancelling ctx kills it.
func (e *Engine) Run(ctx context.Context, req engine.Request) (<-chan engine.Step, error) {
	if len(e.cfg.Command) == 0 {
		return nil, fmt.Errorf("process engine: no command configured")
	}
	cmd := exec.CommandContext(ctx, e.cfg.Command[0], e.cfg.Command[1:]...)
	cmd.Dir = e.cfg.Dir
	if len(e.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.cfg.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("process engine: stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("process engine: stdout: %w", err)
	}
	stderr := &tailBuffer{max: 8 << 10}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("process engine: start %s: %w", e.cfg.Command[0], err)
	}

	in := &lineWriter{w: stdin}
	if err := in.write(startMessage{
		Type:         "prompt",
		Prompt:       req.Prompt,
		SessionID:    req.SessionID,
		MaxTurns:     req.MaxTurns,
		MaxBudgetUSD: req.MaxBudgetUSD,
	}); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("process engine: send prompt: %w", err)
	}

	ch := make(chan engine.Step, 32)
	go func() {
		defer close(ch)
		// Grandchildren may keep stdout open after the child is killed.
		stop := context.AfterFunc(ctx, func() { _ = stdout.Close() })
		defer stop()
		sawResult := false
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 64<<10), maxLineBytes)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			var ws wireStep
			if err := json.Unmarshal(line, &ws); err != nil {
				// Non-JSON output (banners, warnings) is not part of the protocol.
				continue
			}
			if ws.Type == stepAskHuman {
				go answer(ctx, req.AskHuman, ws.Question, in)
				continue
			}
			if ws.Type == engine.StepError && ws.ErrText != "" {
				ws.Err = errors.New(ws.ErrText)
			}
			if ws.Type == engine.StepResult {
				sawResult = true
			}
			ch <- ws.Step
		}
		_ = stdin.Close()
		waitErr := cmd.Wait()

		switch {
		case ctx.Err() != nil:
			ch <- engine.Step{Type: engine.StepError, Err: context.Cause(ctx), ErrText: "aborted"}
		case sawResult:
		case waitErr != nil:
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = waitErr.Error()
			}
			ch <- engine.Step{Type: engine.StepError, Err: fmt.Errorf("engine exited: %w", waitErr), ErrText: msg}
		case sc.Err() != nil && !errors.Is(sc.Err(), os.ErrClosed):
			ch <- engine.Step{Type: engine.StepError, Err: sc.Err(), ErrText: sc.Err().Error()}
		}
	}()
	return ch, nil
}

// answer resolves a question through the callback and writes the reply.
func answer(ctx context.Context, ask engine.AskHumanFunc, q *engine.Question, in *lineWriter) {
	msg := answerMessage{Type: "answer"}
	switch {
	case ask == nil:
		msg.Error = "no human available"
	case q == nil:
		msg.Error = "ask_human step carried no question"
	default:
		a, err := ask(ctx, *q)
		if err != nil {
			msg.Error = err.Error()
		} else {
			msg.Answer = a
		}
	}
	_ = in.write(msg)
}

// lineWriter serializes JSON lines onto the child's stdin.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(append(b, '\n'))
	return err
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
