// Package sse serves a task's event log as a resumable Server-Sent Events
// stream and decodes such streams on the client side.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/GoCodeAlone/relay/events"
	"github.com/GoCodeAlone/relay/task"
)

// KeepaliveInterval is the default interval between comment frames.
const KeepaliveInterval = 15 * time.Second

// Source resolves a task id to its live bus or its persisted record.
type Source interface {
	// Bus returns the live bus of a running task.
	Bus(id string) (*events.Bus, bool)
	// Get returns the persisted record, or task.ErrNotFound.
	Get(ctx context.Context, id string) (*task.Task, error)
}

// Handler streams task events.
type Handler struct {
	Source    Source
	Keepalive time.Duration
	Logger    *slog.Logger
}

// LastEventID returns the resume token of r: the Last-Event-ID header or
// the last_event_id query parameter. Missing or malformed tokens mean 0.
func LastEventID(r *http.Request) int64 {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("last_event_id")
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ServeTask streams the events of task id after the client's resume token.
func (h *Handler) ServeTask(w http.ResponseWriter, r *http.Request, id string) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus, live := h.Source.Bus(id)
	if !live {
		t, err := h.Source.Get(r.Context(), id)
		if errors.Is(err, task.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		if err != nil {
			logger.Error("load task for stream", slog.String("task_id", id), slog.Any("err", err))
			writeError(w, http.StatusInternalServerError, "could not load task")
			return
		}
		ServeRecord(w, t)
		return
	}

	h.ServeBus(w, r, bus)
}

// ServeBus streams bus events after the client's resume token until the bus
// closes or the client goes away.
func (h *Handler) ServeBus(w http.ResponseWriter, r *http.Request, bus *events.Bus) {
	flusher, ok := startStream(w)
	if !ok {
		return
	}
	if err := h.pump(r.Context(), w, flusher, bus, LastEventID(r)); err != nil && h.Logger != nil {
		h.Logger.Debug("stream ended", slog.String("path", r.URL.Path), slog.Any("err", err))
	}
}

// pump writes bus events after `after` until the bus closes or ctx ends,
// sending comment frames while idle.
func (h *Handler) pump(ctx context.Context, w io.Writer, flusher http.Flusher, bus *events.Bus, after int64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan events.Event)
	go func() {
		defer close(ch)
		for ev := range bus.Subscribe(ctx, after) {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	interval := h.Keepalive
	if interval <= 0 {
		interval = KeepaliveInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := WriteEvent(w, ev); err != nil {
				return err
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

// ServeRecord answers a stream request for a task without a live bus with
// the single event synthesized from its record.
func ServeRecord(w http.ResponseWriter, t *task.Task) {
	flusher, ok := startStream(w)
	if !ok {
		return
	}
	_ = WriteEvent(w, Synthesize(t))
	flusher.Flush()
}

// Relay copies the frames of an upstream stream to the client, keeping
// their ids so the client's resume token stays valid upstream. It returns
// when either side ends.
func (h *Handler) Relay(w http.ResponseWriter, r *http.Request, upstream io.Reader) error {
	flusher, ok := startStream(w)
	if !ok {
		return errors.New("streaming not supported")
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	frames := make(chan Frame)
	errc := make(chan error, 1)
	go func() {
		defer close(frames)
		rd := NewReader(upstream)
		for {
			f, err := rd.Next()
			if err != nil {
				errc <- err
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	interval := h.Keepalive
	if interval <= 0 {
		interval = KeepaliveInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				select {
				case err := <-errc:
					if errors.Is(err, io.EOF) {
						return nil
					}
					return err
				default:
					return nil
				}
			}
			if err := WriteEvent(w, f.BusEvent()); err != nil {
				return err
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

// Synthesize builds the single terminal event served for a task without a
// live bus. A record still marked running has no reachable stream.
func Synthesize(t *task.Task) events.Event {
	var typ events.Type
	var payload events.Terminal
	if t.Status.Terminal() {
		typ, payload = events.TerminalFor(t)
	} else {
		msg := "live stream unavailable"
		typ = events.TypeError
		payload = events.Terminal{TaskID: t.ID, Status: string(t.Status), Error: &msg}
	}
	data, _ := json.Marshal(payload)
	return events.Event{Type: typ, Data: data, Time: time.Now().UTC()}
}

func startStream(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

// WriteEvent writes one frame. Events without an id (synthesized ones)
// carry no id line so they never move a client's resume token.
func WriteEvent(w io.Writer, ev events.Event) error {
	var err error
	if ev.ID > 0 {
		_, err = fmt.Fprintf(w, "id: %d\n", ev.ID)
	}
	if err == nil {
		_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, compact(ev.Data))
	}
	return err
}

// compact keeps data on one line; JSON payloads never need more.
func compact(data json.RawMessage) []byte {
	if len(data) == 0 {
		return []byte("{}")
	}
	var buf = make([]byte, 0, len(data))
	for _, b := range data {
		if b != '\n' && b != '\r' {
			buf = append(buf, b)
		}
	}
	return buf
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
