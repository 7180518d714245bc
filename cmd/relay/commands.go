package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/GoCodeAlone/relay/agent"
	"github.com/GoCodeAlone/relay/events"
	"github.com/GoCodeAlone/relay/orchestrator"
	"github.com/GoCodeAlone/relay/server/sse"
	"github.com/GoCodeAlone/relay/task"
)

// maxReconnects bounds consecutive failed stream reconnects.
const maxReconnects = 5

// --- status ---

func (c *Client) cmdStatus(_ []string) error {
	var v map[string]string
	if err := c.get("/api/version", &v); err != nil {
		return err
	}
	var workers []orchestrator.WorkerStatus
	if err := c.get("/api/agents", &workers); err != nil {
		return err
	}
	online := 0
	for _, w := range workers {
		if w.Online {
			online++
		}
	}
	fmt.Printf("version: %s\n", v["version"])
	fmt.Printf("workers: %d/%d online\n", online, len(workers))
	return nil
}

// --- agents ---

func (c *Client) cmdAgents(_ []string) error {
	var workers []orchestrator.WorkerStatus
	if err := c.get("/api/agents", &workers); err != nil {
		return err
	}
	if len(workers) == 0 {
		fmt.Println("no workers")
		return nil
	}
	fmt.Printf("%-16s %-8s %-6s %-36s %s\n", "ID", "ONLINE", "BUSY", "TASK", "URL")
	fmt.Println(strings.Repeat("-", 90))
	for _, w := range workers {
		busy, taskID := false, ""
		if w.Info != nil {
			busy, taskID = w.Info.Busy, w.Info.TaskID
		}
		fmt.Printf("%-16s %-8t %-6t %-36s %s\n", w.ID, w.Online, busy, taskID, w.URL)
	}
	return nil
}

// --- tasks ---

func (c *Client) cmdDelegate(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: relay delegate <worker> <prompt...>")
	}
	req := agent.Request{Prompt: strings.Join(args[1:], " ")}
	var t task.Task
	if err := c.post("/api/agents/"+url.PathEscape(args[0])+"/tasks", req, &t); err != nil {
		return err
	}
	fmt.Printf("started task %s on %s\n", t.ID, t.WorkerID)
	return nil
}

func (c *Client) cmdTasks(args []string) error {
	path := "/api/tasks"
	if len(args) > 0 {
		path += "?status=" + url.QueryEscape(args[0])
	}
	var tasks []task.Task
	if err := c.get(path, &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	fmt.Printf("%-36s %-16s %-10s %-8s %s\n", "ID", "WORKER", "STATUS", "CLAIMED", "PROMPT")
	fmt.Println(strings.Repeat("-", 100))
	for _, t := range tasks {
		fmt.Printf("%-36s %-16s %-10s %-8t %s\n", t.ID, t.WorkerID, t.Status, t.ResponseClaimed, truncate(t.Prompt, 30))
	}
	return nil
}

func (c *Client) cmdProgress(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: relay progress <task>")
	}
	var p struct {
		task.Task
		Stale bool `json:"stale"`
	}
	if err := c.get("/api/tasks/"+url.PathEscape(args[0])+"/progress", &p); err != nil {
		return err
	}
	fmt.Printf("task:     %s\n", p.ID)
	fmt.Printf("worker:   %s\n", p.WorkerID)
	fmt.Printf("status:   %s\n", p.Status)
	fmt.Printf("turns:    %d\n", p.Turns)
	fmt.Printf("cost:     $%.4f\n", p.CostUSD)
	if p.LastActivity != "" {
		fmt.Printf("activity: %s\n", p.LastActivity)
	}
	if p.Stale {
		fmt.Println("(worker unreachable; showing last known state)")
	}
	return nil
}

func (c *Client) cmdClaim(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: relay claim <task>")
	}
	var res orchestrator.ClaimResult
	if err := c.post("/api/tasks/"+url.PathEscape(args[0])+"/claim", nil, &res); err != nil {
		return err
	}
	if !res.Claimed {
		fmt.Printf("not claimed: %s\n", res.Reason)
		return nil
	}
	fmt.Printf("claimed task %s (%s)\n", res.Task.ID, res.Task.Status)
	switch {
	case res.Task.Result != nil:
		fmt.Println(*res.Task.Result)
	case res.Task.Error != nil:
		fmt.Println("error:", *res.Task.Error)
	}
	return nil
}

func (c *Client) cmdCancel(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: relay cancel <task>")
	}
	var res map[string]bool
	if err := c.post("/api/tasks/"+url.PathEscape(args[0])+"/cancel", nil, &res); err != nil {
		return err
	}
	if res["cancelled"] {
		fmt.Printf("task %s cancelled\n", args[0])
	} else {
		fmt.Printf("task %s was already finished\n", args[0])
	}
	return nil
}

func (c *Client) cmdAnswer(args []string) error {
	if len(args) != 3 {
		return errors.New("usage: relay answer <task> <question> <json>")
	}
	body := map[string]any{"question_id": args[1], "answer": jsonArg(args[2])}
	if err := c.post("/api/tasks/"+url.PathEscape(args[0])+"/answer", body, nil); err != nil {
		return err
	}
	fmt.Println("answered")
	return nil
}

func (c *Client) cmdReply(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: relay reply <question> <json>")
	}
	body := map[string]any{"answer": jsonArg(args[1])}
	if err := c.post("/api/questions/"+url.PathEscape(args[0])+"/answer", body, nil); err != nil {
		return err
	}
	fmt.Println("answered")
	return nil
}

// jsonArg passes valid JSON through and quotes anything else as a string.
func jsonArg(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	b, _ := json.Marshal(s)
	return b
}

// --- streams ---

func (c *Client) cmdWatch(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: relay watch <task>")
	}
	path := "/api/tasks/" + url.PathEscape(args[0]) + "/events"
	return c.follow(os.Stdout, func(lastID int64) (io.ReadCloser, error) {
		return c.open(http.MethodGet, path, nil, lastID)
	})
}

// cmdSay sends a message and streams the turn. A dropped stream reattaches
// to the running turn.
func (c *Client) cmdSay(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: relay say <conversation> <text...>")
	}
	conv := url.PathEscape(args[0])
	first := true
	return c.follow(os.Stdout, func(lastID int64) (io.ReadCloser, error) {
		if first {
			first = false
			return c.open(http.MethodPost, "/api/conversations/"+conv+"/messages",
				map[string]string{"text": strings.Join(args[1:], " ")}, 0)
		}
		return c.open(http.MethodGet, "/api/conversations/"+conv+"/events", nil, lastID)
	})
}

// follow prints events until a terminal one arrives, reopening the stream
// after the last seen id when it drops.
func (c *Client) follow(w io.Writer, open func(lastID int64) (io.ReadCloser, error)) error {
	var lastID int64
	failures := 0
	for {
		body, err := open(lastID)
		if err != nil {
			if isStatus(err, http.StatusNotFound) || isStatus(err, http.StatusConflict) ||
				isStatus(err, http.StatusUnauthorized) || failures >= maxReconnects {
				return err
			}
			failures++
			time.Sleep(backoff(failures))
			continue
		}
		done, progressed, err := printStream(w, body, &lastID)
		body.Close() //nolint:errcheck
		if done {
			return nil
		}
		if progressed {
			failures = 0
		}
		if failures >= maxReconnects {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("stream lost: %w", err)
		}
		failures++
		fmt.Fprintf(os.Stderr, "\n(stream dropped, resuming after event %d)\n", lastID)
		time.Sleep(backoff(failures))
	}
}

func backoff(n int) time.Duration {
	return time.Duration(n) * 500 * time.Millisecond
}

// printStream prints frames until a terminal event or the end of body. It
// reports whether the stream finished and whether any frame arrived.
func printStream(w io.Writer, body io.Reader, lastID *int64) (done, progressed bool, err error) {
	rd := sse.NewReader(body)
	for {
		f, err := rd.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			return false, progressed, err
		}
		progressed = true
		if f.ID > 0 {
			*lastID = f.ID
		}
		printEvent(w, f)
		if events.Type(f.Event).Terminal() {
			return true, true, nil
		}
	}
}

func printEvent(w io.Writer, f sse.Frame) {
	switch events.Type(f.Event) {
	case events.TypeTextDelta:
		var d events.TextDelta
		if json.Unmarshal(f.Data, &d) == nil {
			fmt.Fprint(w, d.Text)
		}
	case events.TypeToolStart:
		var d events.ToolStart
		if json.Unmarshal(f.Data, &d) == nil {
			fmt.Fprintf(w, "\n[tool %s]\n", d.Name)
		}
	case events.TypeToolEnd:
		var d events.ToolEnd
		if json.Unmarshal(f.Data, &d) == nil && d.Detail != "" {
			fmt.Fprintf(w, "[%s: %s]\n", d.Name, d.Detail)
		}
	case events.TypeStatus:
		var d events.Status
		if json.Unmarshal(f.Data, &d) == nil && len(d.Question) > 0 {
			fmt.Fprintf(w, "\n[question] %s\n", d.Question)
		}
	case events.TypeSegment:
		var s orchestrator.Segment
		if json.Unmarshal(f.Data, &s) == nil && s.Kind == orchestrator.KindQuestion {
			fmt.Fprintf(w, "\n[question %s] %s\n", s.QuestionID, s.Question)
		}
	case events.TypeResult, events.TypeError:
		var end struct {
			Status string  `json:"status"`
			Error  *string `json:"error"`
			Cost   float64 `json:"cost_usd"`
		}
		_ = json.Unmarshal(f.Data, &end)
		fmt.Fprintf(w, "\n-- %s", end.Status)
		if end.Error != nil && *end.Error != "" {
			fmt.Fprintf(w, ": %s", *end.Error)
		}
		if end.Cost > 0 {
			fmt.Fprintf(w, " ($%.4f)", end.Cost)
		}
		fmt.Fprintln(w)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
