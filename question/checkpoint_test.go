package question

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "questions.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return store
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type askResult struct {
	answer json.RawMessage
	err    error
}

func TestSQLiteStore_AnswerOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	q := &Question{CorrelationID: "task-1", Payload: json.RawMessage(`{"prompt":"ok?"}`)}
	if _, err := store.Create(ctx, q); err != nil {
		t.Fatalf("Create: %v", err)
	}
	ok, err := store.Answer(ctx, q.ID, json.RawMessage(`"yes"`))
	if err != nil || !ok {
		t.Fatalf("first Answer = %v, %v", ok, err)
	}
	ok, err = store.Answer(ctx, q.ID, json.RawMessage(`"no"`))
	if err != nil || ok {
		t.Fatalf("second Answer = %v, %v; want false", ok, err)
	}
	if ok, _ := store.Cancel(ctx, q.ID); ok {
		t.Error("Cancel succeeded on an answered question")
	}

	got, err := store.Get(ctx, q.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Answered || got.Cancelled || string(got.Answer) != `"yes"` || got.ResolvedAt == nil {
		t.Errorf("got %+v", got)
	}
}

func TestSQLiteStore_GetNotFound(t *testing.T) {
	if _, err := newTestStore(t).Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_Pending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	var ids []string
	for range 3 {
		q := &Question{CorrelationID: "turn-1"}
		store.Create(ctx, q)
		ids = append(ids, q.ID)
	}
	store.Create(ctx, &Question{CorrelationID: "turn-2"})
	store.Cancel(ctx, ids[1])

	pending, err := store.Pending(ctx, "turn-1")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	var got []string
	for _, q := range pending {
		got = append(got, q.ID)
	}
	if diff := cmp.Diff([]string{ids[0], ids[2]}, got); diff != "" {
		t.Errorf("pending mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckpoint_LocalSubmitWakesWaiter(t *testing.T) {
	store := newTestStore(t)
	// An interval far beyond the test timeout proves the local path answered.
	cp := NewCheckpoint(store, time.Hour, quietLogger())
	ctx := context.Background()

	q, err := cp.Open(ctx, "task-1", json.RawMessage(`{"prompt":"branch?"}`))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	done := make(chan askResult, 1)
	go func() {
		a, err := cp.Wait(ctx, q)
		done <- askResult{a, err}
	}()
	waitFor(t, func() bool { return cp.Waiting("task-1") })

	if err := cp.Submit(ctx, q.ID, json.RawMessage(`"main"`)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case r := <-done:
		if r.err != nil || string(r.answer) != `"main"` {
			t.Fatalf("Wait = %s, %v", r.answer, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by local submit")
	}
	if cp.Waiting("task-1") {
		t.Error("waiter entry leaked")
	}
}

func TestCheckpoint_PollPicksUpForeignAnswer(t *testing.T) {
	store := newTestStore(t)
	cp := NewCheckpoint(store, 20*time.Millisecond, quietLogger())
	ctx := context.Background()

	done := make(chan askResult, 1)
	go func() {
		a, err := cp.Ask(ctx, "turn-9", json.RawMessage(`{"prompt":"deploy?"}`))
		done <- askResult{a, err}
	}()

	var q *Question
	waitFor(t, func() bool {
		pending, _ := store.Pending(ctx, "turn-9")
		if len(pending) == 1 {
			q = pending[0]
			return true
		}
		return false
	})
	// Another process answers straight through the store.
	if ok, err := store.Answer(ctx, q.ID, json.RawMessage(`{"choice":"yes"}`)); !ok || err != nil {
		t.Fatalf("Answer = %v, %v", ok, err)
	}

	select {
	case r := <-done:
		if r.err != nil || string(r.answer) != `{"choice":"yes"}` {
			t.Fatalf("Ask = %s, %v", r.answer, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poll never observed the answer")
	}
}

func TestCheckpoint_CancelExitsWithinOneInterval(t *testing.T) {
	store := newTestStore(t)
	const interval = 50 * time.Millisecond
	cp := NewCheckpoint(store, interval, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan askResult, 1)
	go func() {
		a, err := cp.Ask(ctx, "task-7", json.RawMessage(`{"prompt":"never answered"}`))
		done <- askResult{a, err}
	}()

	time.Sleep(2 * interval)
	cancelledAt := time.Now()
	cancel()

	select {
	case r := <-done:
		if !errors.Is(r.err, ErrCancelled) {
			t.Fatalf("err = %v, want ErrCancelled", r.err)
		}
		if elapsed := time.Since(cancelledAt); elapsed > interval {
			t.Errorf("exit took %v, want within %v", elapsed, interval)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Ask did not return after cancellation")
	}

	pending, err := store.Pending(context.Background(), "task-7")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("question still pending after cancel: %+v", pending)
	}
}

func TestCheckpoint_CancelPendingFailsWaiter(t *testing.T) {
	store := newTestStore(t)
	cp := NewCheckpoint(store, 10*time.Millisecond, quietLogger())
	ctx := context.Background()

	done := make(chan askResult, 1)
	go func() {
		a, err := cp.Ask(ctx, "turn-3", nil)
		done <- askResult{a, err}
	}()
	waitFor(t, func() bool { return cp.Waiting("turn-3") })

	if err := cp.CancelPending(ctx, "turn-3"); err != nil {
		t.Fatalf("CancelPending: %v", err)
	}
	select {
	case r := <-done:
		if !errors.Is(r.err, ErrCancelled) {
			t.Fatalf("err = %v, want ErrCancelled", r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released")
	}
}

func TestCheckpoint_SubmitErrors(t *testing.T) {
	store := newTestStore(t)
	cp := NewCheckpoint(store, 0, quietLogger())
	ctx := context.Background()

	if err := cp.Submit(ctx, "nope", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: err = %v, want ErrNotFound", err)
	}

	q, _ := cp.Open(ctx, "task-2", nil)
	if err := cp.Submit(ctx, q.ID, json.RawMessage(`1`)); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if err := cp.Submit(ctx, q.ID, json.RawMessage(`2`)); !errors.Is(err, ErrResolved) {
		t.Errorf("second Submit: err = %v, want ErrResolved", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
