// Package orchestrator is the central side of task delegation: it delegates
// jobs to workers, mirrors their records, claims completions exactly once
// and runs conversational turns.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/GoCodeAlone/relay/agent"
	"github.com/GoCodeAlone/relay/server/auth"
	"github.com/GoCodeAlone/relay/task"
)

// Timeouts of worker calls.
const (
	CreateTimeout = 10 * time.Second
	CancelTimeout = 10 * time.Second
	ProxyTimeout  = 5 * time.Second
	HealthTimeout = 3 * time.Second
)

// ErrUnknownWorker is returned for a worker id not in the configuration.
var ErrUnknownWorker = errors.New("unknown worker")

// WorkerClient talks to one worker's HTTP API.
type WorkerClient struct {
	ID  string
	URL string
	key []byte

	http   *http.Client // bounded calls; each carries its own deadline
	stream *http.Client // long-lived event streams
}

// NewWorkerClient creates a client for the worker at baseURL, signing
// requests with the worker's derived key.
func NewWorkerClient(id, baseURL string, key []byte) *WorkerClient {
	return &WorkerClient{
		ID:     id,
		URL:    strings.TrimRight(baseURL, "/"),
		key:    key,
		http:   &http.Client{Timeout: CreateTimeout},
		stream: &http.Client{Transport: &http.Transport{ResponseHeaderTimeout: ProxyTimeout}},
	}
}

// APIError is a non-2xx worker response.
type APIError struct {
	Status  int
	Message string
	TaskID  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("worker responded %d: %s", e.Status, e.Message)
}

// CreateTask submits a job. A busy worker yields *agent.BusyError.
func (c *WorkerClient) CreateTask(ctx context.Context, req agent.Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, CreateTimeout)
	defer cancel()
	var resp struct {
		TaskID string `json:"task_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/tasks", req, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
			return "", &agent.BusyError{TaskID: apiErr.TaskID}
		}
		return "", err
	}
	return resp.TaskID, nil
}

// GetTask reads the live record of a task.
func (c *WorkerClient) GetTask(ctx context.Context, id string) (*task.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, ProxyTimeout)
	defer cancel()
	var t task.Task
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+id, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// CancelTask asks the worker to cancel a task.
func (c *WorkerClient) CancelTask(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, CancelTimeout)
	defer cancel()
	var resp struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+id+"/cancel", nil, &resp); err != nil {
		return false, err
	}
	return resp.Cancelled, nil
}

// AnswerQuestion forwards a human answer to a question raised by a task.
func (c *WorkerClient) AnswerQuestion(ctx context.Context, taskID, questionID string, answer json.RawMessage) error {
	ctx, cancel := context.WithTimeout(ctx, CancelTimeout)
	defer cancel()
	body := map[string]any{"question_id": questionID, "answer": answer}
	return c.do(ctx, http.MethodPost, "/api/tasks/"+taskID+"/answer", body, nil)
}

// Health reads the worker's health snapshot.
func (c *WorkerClient) Health(ctx context.Context) (agent.Info, error) {
	ctx, cancel := context.WithTimeout(ctx, HealthTimeout)
	defer cancel()
	var info agent.Info
	err := c.do(ctx, http.MethodGet, "/api/health", nil, &info)
	return info, err
}

// OpenStream opens the task's event stream after lastEventID. The caller
// closes the returned body.
func (c *WorkerClient) OpenStream(ctx context.Context, taskID string, lastEventID int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL+"/api/tasks/"+taskID+"/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastEventID, 10))
	}
	if err := auth.SetBearer(req, c.key, auth.Orchestrator, c.ID); err != nil {
		return nil, err
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp.Body, nil
}

func (c *WorkerClient) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.URL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := auth.SetBearer(req, c.key, auth.Orchestrator, c.ID); err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error  string `json:"error"`
		TaskID string `json:"task_id"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}
	apiErr := &APIError{Status: resp.StatusCode, Message: body.Error, TaskID: body.TaskID}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", task.ErrNotFound, apiErr)
	}
	return apiErr
}

// Workers is the configured set of worker clients.
type Workers struct {
	order   []string
	clients map[string]*WorkerClient
}

// NewWorkers indexes clients by id, keeping their order.
func NewWorkers(clients ...*WorkerClient) *Workers {
	w := &Workers{clients: make(map[string]*WorkerClient, len(clients))}
	for _, c := range clients {
		w.order = append(w.order, c.ID)
		w.clients[c.ID] = c
	}
	return w
}

// Get returns the client of worker id.
func (w *Workers) Get(id string) (*WorkerClient, error) {
	c, ok := w.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	return c, nil
}

// All returns every client in configuration order.
func (w *Workers) All() []*WorkerClient {
	out := make([]*WorkerClient, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.clients[id])
	}
	return out
}
