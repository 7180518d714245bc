package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/relay/engine"
	"github.com/GoCodeAlone/relay/engine/mock"
	"github.com/GoCodeAlone/relay/events"
	"github.com/GoCodeAlone/relay/question"
	"github.com/GoCodeAlone/relay/task"
)

type harness struct {
	store  *task.SQLiteStore
	reg    *Registry
	svc    *Service
	eng    *mock.MockEngine
	qs     *question.Checkpoint
	pushes chan Completion
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *task.SQLiteStore {
	t.Helper()
	f, err := os.CreateTemp("", "relay-agent-*.db")
	if err != nil {
		t.Fatalf("create temp db: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	store, err := task.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newHarness(t *testing.T, scripts ...[]mock.Action) *harness {
	t.Helper()
	store := newTestStore(t)
	qstore, err := question.NewSQLiteStore(store.DB())
	if err != nil {
		t.Fatalf("question store: %v", err)
	}
	h := &harness{
		store:  store,
		eng:    mock.New(scripts...),
		qs:     question.NewCheckpoint(qstore, 20*time.Millisecond, discardLogger()),
		pushes: make(chan Completion, 16),
	}
	notifier := NotifierFunc(func(_ context.Context, c Completion) error {
		h.pushes <- c
		return nil
	})
	h.reg = NewRegistry("worker-1", store, notifier, discardLogger())
	h.svc = NewService(h.reg, NewAdapter(h.reg, h.eng, h.qs, discardLogger()), h.qs, discardLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.reg.Stop(ctx)
	})
	return h
}

// drain collects every event of mt's bus until it closes.
func drain(t *testing.T, mt *ManagedTask) []events.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []events.Event
	for ev := range mt.Bus.Subscribe(ctx, 0) {
		out = append(out, ev)
	}
	if ctx.Err() != nil {
		t.Fatalf("bus not closed in time; got %d events", len(out))
	}
	return out
}

func types(evs []events.Event) []events.Type {
	out := make([]events.Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func waitPush(t *testing.T, h *harness) Completion {
	t.Helper()
	select {
	case c := <-h.pushes:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no completion push")
	}
	return Completion{}
}

func TestRegistry_CreateRejectsWhileBusy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.reg.Create(ctx, Request{Prompt: "one"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = h.reg.Create(ctx, Request{Prompt: "two"})
	var busy *BusyError
	if !errors.As(err, &busy) {
		t.Fatalf("second Create: err = %v, want *BusyError", err)
	}
	if busy.TaskID != first.ID {
		t.Errorf("BusyError.TaskID = %q, want %q", busy.TaskID, first.ID)
	}
	if busy.Error() != "already running task "+first.ID {
		t.Errorf("message = %q", busy.Error())
	}

	if _, err := h.reg.Cancel(ctx, first.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := h.reg.Create(ctx, Request{Prompt: "three"}); err != nil {
		t.Fatalf("Create after cancel: %v", err)
	}
}

func TestRegistry_CancelBeforeProgress(t *testing.T) {
	h := newHarness(t, mock.Hang())
	ctx := context.Background()

	mt, err := h.svc.Submit(ctx, Request{Prompt: "wait forever"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ok, err := h.svc.Cancel(ctx, mt.ID)
	if err != nil || !ok {
		t.Fatalf("Cancel = %v, %v", ok, err)
	}

	evs := drain(t, mt)
	last := evs[len(evs)-1]
	if last.Type != events.TypeError {
		t.Fatalf("last event = %q, want error", last.Type)
	}
	var term events.Terminal
	json.Unmarshal(last.Data, &term)
	if term.Status != string(task.StatusCancelled) {
		t.Errorf("terminal status = %q", term.Status)
	}

	// The engine's abort must not reclassify the task as failed.
	time.Sleep(50 * time.Millisecond)
	got, err := h.reg.Get(ctx, mt.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if got.Result != nil || got.Error != nil {
		t.Errorf("outcome populated: result=%v error=%v", got.Result, got.Error)
	}
	if c := waitPush(t, h); c.Status != task.StatusCancelled {
		t.Errorf("pushed status = %q", c.Status)
	}
	if _, ok := h.reg.Lookup(mt.ID); ok {
		t.Error("handle kept after cancel")
	}
}

func TestRegistry_CancelIsIdempotent(t *testing.T) {
	h := newHarness(t, mock.Hang())
	ctx := context.Background()
	mt, _ := h.svc.Submit(ctx, Request{Prompt: "x"})

	if ok, _ := h.svc.Cancel(ctx, mt.ID); !ok {
		t.Fatal("first cancel returned false")
	}
	ok, err := h.svc.Cancel(ctx, mt.ID)
	if err != nil || ok {
		t.Fatalf("second cancel = %v, %v; want false, nil", ok, err)
	}
	if _, err := h.svc.Cancel(ctx, "unknown"); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("unknown id: err = %v, want ErrNotFound", err)
	}
}

func TestRegistry_CancelRacesCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := range 20 {
		mt, err := h.reg.Create(ctx, Request{Prompt: "race"})
		if err != nil {
			t.Fatalf("iteration %d: Create: %v", i, err)
		}
		out := "done"
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.reg.Complete(ctx, mt.ID, task.StatusCompleted, task.Outcome{Result: &out})
		}()
		go func() {
			defer wg.Done()
			h.reg.Cancel(ctx, mt.ID)
		}()
		wg.Wait()

		got, _ := h.reg.Get(ctx, mt.ID)
		evs := drain(t, mt)
		terminals := 0
		for _, ev := range evs {
			if ev.Type.Terminal() {
				terminals++
			}
		}
		if terminals != 1 {
			t.Fatalf("iteration %d: %d terminal events", i, terminals)
		}
		switch got.Status {
		case task.StatusCompleted:
			if got.Result == nil || *got.Result != "done" {
				t.Errorf("iteration %d: completed without result", i)
			}
		case task.StatusCancelled:
			if got.Result != nil {
				t.Errorf("iteration %d: cancelled task carries a result", i)
			}
		default:
			t.Fatalf("iteration %d: status = %q", i, got.Status)
		}
		waitPush(t, h)
	}
}

func TestRegistry_CompleteRejectsRunningStatus(t *testing.T) {
	h := newHarness(t)
	mt, _ := h.reg.Create(context.Background(), Request{Prompt: "x"})
	if err := h.reg.Complete(context.Background(), mt.ID, task.StatusRunning, task.Outcome{}); err == nil {
		t.Fatal("expected error for non-terminal status")
	}
}

func TestRegistry_PushMarksNotified(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mt, _ := h.svc.Submit(ctx, Request{Prompt: "hello"})
	drain(t, mt)
	c := waitPush(t, h)
	if c.TaskID != mt.ID || c.WorkerID != "worker-1" || c.Status != task.StatusCompleted {
		t.Errorf("completion = %+v", c)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := h.reg.Get(ctx, mt.ID)
		if got.Notified {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("notified never set")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistry_FailedPushIsSwallowed(t *testing.T) {
	store := newTestStore(t)
	var calls sync.WaitGroup
	calls.Add(1)
	notifier := NotifierFunc(func(context.Context, Completion) error {
		defer calls.Done()
		return errors.New("orchestrator offline")
	})
	reg := NewRegistry("worker-1", store, notifier, discardLogger())
	ctx := context.Background()

	mt, _ := reg.Create(ctx, Request{Prompt: "x"})
	reason := "boom"
	if err := reg.Complete(ctx, mt.ID, task.StatusFailed, task.Outcome{Error: &reason}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	calls.Wait()
	if err := reg.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	got, _ := reg.Get(ctx, mt.ID)
	if got.Notified {
		t.Error("notified set after a failed push")
	}
	if got.Status != task.StatusFailed || got.Error == nil || *got.Error != "boom" {
		t.Errorf("record = %+v", got)
	}
}

func TestRegistry_Recover(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	orphan := &task.Task{WorkerID: "worker-1", Prompt: "left over"}
	h.store.Create(ctx, orphan)
	other := &task.Task{WorkerID: "worker-2", Prompt: "not ours"}
	h.store.Create(ctx, other)

	n, err := h.reg.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v", n, err)
	}
	got, _ := h.store.Get(ctx, orphan.ID)
	if got.Status != task.StatusFailed {
		t.Errorf("orphan status = %q", got.Status)
	}
	if got, _ := h.store.Get(ctx, other.ID); got.Status != task.StatusRunning {
		t.Errorf("foreign task touched: %q", got.Status)
	}
}

func TestRegistry_StopCancelsRunningTask(t *testing.T) {
	h := newHarness(t, mock.Hang())
	ctx := context.Background()
	mt, _ := h.svc.Submit(ctx, Request{Prompt: "x"})

	if err := h.reg.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	got, _ := h.reg.Get(ctx, mt.ID)
	if got.Status != task.StatusCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}
	if _, err := h.reg.Create(ctx, Request{Prompt: "after stop"}); err == nil {
		t.Error("Create accepted after Stop")
	}
}

func TestService_Health(t *testing.T) {
	h := newHarness(t, mock.Hang())
	if info := h.svc.Health(); info.Busy || info.WorkerID != "worker-1" || info.Engine != "mock" {
		t.Errorf("idle health = %+v", info)
	}
	mt, _ := h.svc.Submit(context.Background(), Request{Prompt: "x"})
	if info := h.svc.Health(); !info.Busy || info.TaskID != mt.ID {
		t.Errorf("busy health = %+v", info)
	}
}

func TestService_SubmitRequiresPrompt(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Submit(context.Background(), Request{}); err == nil {
		t.Fatal("expected error for empty prompt")
	}
}

var _ engine.Engine = (*mock.MockEngine)(nil)
