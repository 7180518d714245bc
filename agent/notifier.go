package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/GoCodeAlone/relay/server/auth"
)

// Notifier delivers completion pushes to the orchestrator.
type Notifier interface {
	Notify(ctx context.Context, c Completion) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, c Completion) error

func (f NotifierFunc) Notify(ctx context.Context, c Completion) error { return f(ctx, c) }

// HTTPNotifier posts completions to the orchestrator's hook endpoint,
// authenticated with a token signed by this worker's key.
type HTTPNotifier struct {
	URL      string // e.g. http://orchestrator:8080/api/hooks/task-complete
	WorkerID string
	Key      []byte
	Client   *http.Client
}

// NewHTTPNotifier creates a notifier for the orchestrator at baseURL.
func NewHTTPNotifier(baseURL, workerID string, key []byte) *HTTPNotifier {
	return &HTTPNotifier{
		URL:      strings.TrimRight(baseURL, "/") + "/api/hooks/task-complete",
		WorkerID: workerID,
		Key:      key,
		Client:   &http.Client{Timeout: DefaultPushTimeout},
	}
}

// Notify sends c. Any non-2xx response is an error.
func (n *HTTPNotifier) Notify(ctx context.Context, c Completion) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal completion: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := auth.SetBearer(req, n.Key, n.WorkerID, auth.Orchestrator); err != nil {
		return err
	}
	resp, err := n.Client.Do(req)
	if err != nil {
		return fmt.Errorf("push completion: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("push completion: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
