package process

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/GoCodeAlone/relay/engine"
)

func sh(script string) Config {
	return Config{Command: []string{"sh", "-c", script}}
}

func collect(t *testing.T, ch <-chan engine.Step) []engine.Step {
	t.Helper()
	var out []engine.Step
	timeout := time.After(5 * time.Second)
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, s)
		case <-timeout:
			t.Fatal("timed out draining steps")
		}
	}
}

func TestEngine_NoCommand(t *testing.T) {
	if _, err := New(Config{}).Run(context.Background(), engine.Request{}); err == nil {
		t.Fatal("expected error without a command")
	}
}

func TestEngine_StreamsSteps(t *testing.T) {
	e := New(sh(`read req
echo 'not json'
echo '{"type":"text_delta","text":"hi"}'
echo '{"type":"result","result":{"subtype":"success","output":"done","num_turns":1}}'`))
	ch, err := e.Run(context.Background(), engine.Request{Prompt: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	steps := collect(t, ch)
	if len(steps) != 2 {
		t.Fatalf("got %d steps, want 2: %+v", len(steps), steps)
	}
	if steps[0].Type != engine.StepTextDelta || steps[0].Text != "hi" {
		t.Errorf("step 0 = %+v", steps[0])
	}
	if steps[1].Result == nil || steps[1].Result.Output != "done" {
		t.Errorf("step 1 = %+v", steps[1])
	}
}

func TestEngine_ExitWithoutResultReportsStderr(t *testing.T) {
	e := New(sh(`read req; echo 'engine crashed' >&2; exit 3`))
	ch, err := e.Run(context.Background(), engine.Request{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	steps := collect(t, ch)
	if len(steps) != 1 || steps[0].Type != engine.StepError {
		t.Fatalf("steps = %+v, want one error", steps)
	}
	if steps[0].ErrText != "engine crashed" {
		t.Errorf("ErrText = %q", steps[0].ErrText)
	}
}

func TestEngine_CancelKillsProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := New(sh(`read req; echo '{"type":"turn_start"}'; exec sleep 30`))
	ch, err := e.Run(ctx, engine.Request{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s := <-ch; s.Type != engine.StepTurnStart {
		t.Fatalf("first step = %+v", s)
	}
	cancel()
	steps := collect(t, ch)
	if len(steps) != 1 || steps[0].Type != engine.StepError {
		t.Fatalf("steps after cancel = %+v", steps)
	}
}

func TestEngine_AskHumanRoundTrip(t *testing.T) {
	e := New(sh(`read req
echo '{"type":"ask_human","question":{"prompt":"deploy?"}}'
read answer
case "$answer" in
  *yes*) echo '{"type":"result","result":{"subtype":"success","output":"deployed"}}' ;;
  *) echo '{"type":"result","result":{"subtype":"error_during_execution","errors":["no answer"]}}' ;;
esac`))
	req := engine.Request{AskHuman: func(_ context.Context, q engine.Question) (json.RawMessage, error) {
		if q.Prompt != "deploy?" {
			t.Errorf("prompt = %q", q.Prompt)
		}
		return json.RawMessage(`"yes"`), nil
	}}
	ch, err := e.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	steps := collect(t, ch)
	if len(steps) != 1 || steps[0].Result == nil || steps[0].Result.Output != "deployed" {
		t.Fatalf("steps = %+v", steps)
	}
}
