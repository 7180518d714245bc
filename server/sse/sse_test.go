package sse

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/GoCodeAlone/relay/events"
	"github.com/GoCodeAlone/relay/task"
)

type fakeSource struct {
	buses map[string]*events.Bus
	tasks map[string]*task.Task
}

func (f *fakeSource) Bus(id string) (*events.Bus, bool) {
	b, ok := f.buses[id]
	return b, ok
}

func (f *fakeSource) Get(_ context.Context, id string) (*task.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	return t, nil
}

func newServer(t *testing.T, src *fakeSource, keepalive time.Duration) *httptest.Server {
	t.Helper()
	h := &Handler{Source: src, Keepalive: keepalive}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tasks/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		h.ServeTask(w, r, r.PathValue("id"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func readAll(t *testing.T, body io.Reader) []Frame {
	t.Helper()
	var out []Frame
	r := NewReader(body)
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, f)
	}
}

func frameIDs(fs []Frame) []int64 {
	out := make([]int64, len(fs))
	for i, f := range fs {
		out[i] = f.ID
	}
	return out
}

func TestServeTask_ResumesFromLastEventID(t *testing.T) {
	bus := events.NewBus()
	for i := range 3 {
		bus.Publish(events.TypeTextDelta, events.TextDelta{Text: string(rune('a' + i))})
	}
	srv := newServer(t, &fakeSource{buses: map[string]*events.Bus{"t1": bus}}, time.Minute)

	req, _ := http.NewRequest("GET", srv.URL+"/tasks/t1/events", nil)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	r := NewReader(resp.Body)
	var got []Frame
	for range 2 {
		f, err := r.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, f)
	}
	// Live tail: publish and close while the client is attached.
	bus.Publish(events.TypeResult, events.Terminal{TaskID: "t1", Status: "completed"})
	bus.Close()
	got = append(got, readAll(t, resp.Body)...)

	if diff := cmp.Diff([]int64{2, 3, 4}, frameIDs(got)); diff != "" {
		t.Fatalf("ids (-want +got):\n%s", diff)
	}
	if got[0].Event != "text_delta" || string(got[0].Data) != `{"text":"b"}` {
		t.Errorf("frame 0 = %+v", got[0])
	}
	if got[2].Event != "result" {
		t.Errorf("last frame = %q", got[2].Event)
	}
}

func TestServeTask_QueryResumeToken(t *testing.T) {
	bus := events.NewBus()
	for range 5 {
		bus.Publish(events.TypeStatus, events.Status{Status: "running"})
	}
	bus.Close()
	srv := newServer(t, &fakeSource{buses: map[string]*events.Bus{"t1": bus}}, time.Minute)

	resp, err := http.Get(srv.URL + "/tasks/t1/events?last_event_id=3")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if diff := cmp.Diff([]int64{4, 5}, frameIDs(readAll(t, resp.Body))); diff != "" {
		t.Errorf("ids (-want +got):\n%s", diff)
	}
}

func TestServeTask_SynthesizesTerminalEvent(t *testing.T) {
	result := "shipped"
	reason := "boom"
	src := &fakeSource{tasks: map[string]*task.Task{
		"done":   {ID: "done", Status: task.StatusCompleted, Result: &result},
		"failed": {ID: "failed", Status: task.StatusFailed, Error: &reason},
		"orphan": {ID: "orphan", Status: task.StatusRunning},
	}}
	srv := newServer(t, src, time.Minute)

	cases := []struct {
		id        string
		wantEvent string
		wantState string
	}{
		{"done", "result", "completed"},
		{"failed", "error", "failed"},
		{"orphan", "error", "running"},
	}
	for _, tc := range cases {
		t.Run(tc.id, func(t *testing.T) {
			resp, err := http.Get(srv.URL + "/tasks/" + tc.id + "/events")
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			defer resp.Body.Close()
			frames := readAll(t, resp.Body)
			if len(frames) != 1 {
				t.Fatalf("got %d frames, want 1", len(frames))
			}
			if frames[0].Event != tc.wantEvent || frames[0].ID != 0 {
				t.Errorf("frame = %+v", frames[0])
			}
			var term events.Terminal
			json.Unmarshal(frames[0].Data, &term)
			if term.Status != tc.wantState || term.TaskID != tc.id {
				t.Errorf("payload = %+v", term)
			}
		})
	}
}

func TestServeTask_UnknownTask(t *testing.T) {
	srv := newServer(t, &fakeSource{}, time.Minute)
	resp, err := http.Get(srv.URL + "/tasks/nope/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Error("opened a stream for an unknown task")
	}
}

func TestServeTask_Keepalive(t *testing.T) {
	bus := events.NewBus()
	srv := newServer(t, &fakeSource{buses: map[string]*events.Bus{"t1": bus}}, 20*time.Millisecond)

	resp, err := http.Get(srv.URL + "/tasks/t1/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 64)
	n, err := io.ReadAtLeast(resp.Body, buf, len(": keepalive"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(string(buf[:n]), ": keepalive") {
		t.Errorf("got %q, want keepalive comment", buf[:n])
	}
	bus.Close()
}

func TestReader_Frames(t *testing.T) {
	stream := ": hello\n\nid: 7\nevent: status\ndata: {\"a\":1}\n\ndata: line1\ndata: line2\n\n"
	frames := readAll(t, strings.NewReader(stream))
	want := []Frame{
		{ID: 7, Event: "status", Data: []byte(`{"a":1}`)},
		{Event: "message", Data: []byte("line1\nline2")},
	}
	if diff := cmp.Diff(want, frames); diff != "" {
		t.Errorf("frames (-want +got):\n%s", diff)
	}
}

func TestWriteEvent(t *testing.T) {
	var b strings.Builder
	WriteEvent(&b, events.Event{ID: 3, Type: events.TypeToolStart, Data: json.RawMessage("{\n\"tool_id\":\"x\"}")})
	want := "id: 3\nevent: tool_start\ndata: {\"tool_id\":\"x\"}\n\n"
	if b.String() != want {
		t.Errorf("got %q, want %q", b.String(), want)
	}
}

func TestLastEventID(t *testing.T) {
	cases := []struct {
		header, query string
		want          int64
	}{
		{"", "", 0},
		{"5", "", 5},
		{"", "9", 9},
		{"5", "9", 5},
		{"junk", "", 0},
		{"-2", "", 0},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/x?last_event_id="+tc.query, nil)
		if tc.header != "" {
			r.Header.Set("Last-Event-ID", tc.header)
		}
		if got := LastEventID(r); got != tc.want {
			t.Errorf("LastEventID(%q, %q) = %d, want %d", tc.header, tc.query, got, tc.want)
		}
	}
}

func TestRelay_PreservesIDs(t *testing.T) {
	upstream := ": keepalive\n\nid: 5\nevent: text_delta\ndata: {\"text\":\"hi\"}\n\nevent: error\ndata: {\"status\":\"failed\"}\n\n"
	h := &Handler{Keepalive: time.Minute}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h.Relay(w, r, strings.NewReader(upstream)); err != nil {
			t.Errorf("Relay: %v", err)
		}
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	want := []Frame{
		{ID: 5, Event: "text_delta", Data: []byte(`{"text":"hi"}`)},
		{Event: "error", Data: []byte(`{"status":"failed"}`)},
	}
	if diff := cmp.Diff(want, readAll(t, resp.Body)); diff != "" {
		t.Errorf("frames (-want +got):\n%s", diff)
	}
}
