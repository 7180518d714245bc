package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/relay/agent"
	"github.com/GoCodeAlone/relay/task"
)

var (
	// ErrForbidden is returned when a worker pushes a task it does not own.
	ErrForbidden = errors.New("worker does not own task")
	// ErrInvalidCompletion is returned for a malformed push.
	ErrInvalidCompletion = errors.New("invalid completion")
)

// Claim refusal reasons.
const (
	ReasonRunning        = "running"
	ReasonAlreadyClaimed = "already_claimed"
)

// ClaimResult is the outcome of a claim attempt.
type ClaimResult struct {
	Claimed bool       `json:"claimed"`
	Reason  string     `json:"reason,omitempty"`
	Task    *task.Task `json:"task"`
}

// Reactor acts on a claimed completion. It runs once per task.
type Reactor interface {
	TaskClaimed(ctx context.Context, t *task.Task) error
}

// Delivery mirrors worker task records and gates the reaction to a
// completion behind an atomic claim.
type Delivery struct {
	store   task.Store
	workers *Workers
	reactor Reactor
	logger  *slog.Logger
}

// NewDelivery creates a Delivery. reactor may be nil.
func NewDelivery(store task.Store, workers *Workers, reactor Reactor, logger *slog.Logger) *Delivery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Delivery{store: store, workers: workers, reactor: reactor, logger: logger}
}

// SetReactor installs the claim reaction.
func (d *Delivery) SetReactor(r Reactor) { d.reactor = r }

// Delegate submits a job to a worker and mirrors the new running record.
func (d *Delivery) Delegate(ctx context.Context, workerID string, req agent.Request) (*task.Task, error) {
	c, err := d.workers.Get(workerID)
	if err != nil {
		return nil, err
	}
	id, err := c.CreateTask(ctx, req)
	if err != nil {
		return nil, err
	}
	t := &task.Task{
		ID:            id,
		WorkerID:      workerID,
		CorrelationID: req.CorrelationID,
		Prompt:        req.Prompt,
		Status:        task.StatusRunning,
	}
	if err := d.store.Mirror(ctx, t); err != nil {
		return nil, err
	}
	d.logger.Info("task delegated", slog.String("task_id", id), slog.String("worker_id", workerID))
	return d.store.Get(ctx, id)
}

// HandlePush records a completion pushed by sender. It never reacts.
func (d *Delivery) HandlePush(ctx context.Context, sender string, c agent.Completion) error {
	if c.TaskID == "" || !c.Status.Terminal() {
		return fmt.Errorf("%w: task %q with status %q", ErrInvalidCompletion, c.TaskID, c.Status)
	}
	if sender != c.WorkerID {
		return fmt.Errorf("%w: %s pushed for %s", ErrForbidden, sender, c.WorkerID)
	}
	if _, err := d.workers.Get(sender); err != nil {
		return fmt.Errorf("%w: %w", ErrForbidden, err)
	}
	existing, err := d.store.Get(ctx, c.TaskID)
	switch {
	case errors.Is(err, task.ErrNotFound):
	case err != nil:
		return err
	case existing.WorkerID != sender:
		return fmt.Errorf("%w: %s", ErrForbidden, c.TaskID)
	}

	t := c.Task()
	if existing != nil {
		t.Prompt = existing.Prompt
		t.CreatedAt = existing.CreatedAt
		if t.CorrelationID == "" {
			t.CorrelationID = existing.CorrelationID
		}
	}
	if err := d.store.Mirror(ctx, t); err != nil {
		return err
	}
	d.logger.Info("completion received", slog.String("task_id", c.TaskID), slog.String("status", string(c.Status)))
	return nil
}

// Tasks lists mirrored records.
func (d *Delivery) Tasks(ctx context.Context, filter task.Filter) ([]*task.Task, error) {
	return d.store.List(ctx, filter)
}

// Claim designates the caller as the single consumer of a completion.
func (d *Delivery) Claim(ctx context.Context, id string) (ClaimResult, error) {
	t, won, err := d.store.Claim(ctx, id)
	if err != nil {
		return ClaimResult{}, err
	}
	if !won {
		reason := ReasonAlreadyClaimed
		if !t.Status.Terminal() {
			reason = ReasonRunning
		}
		return ClaimResult{Reason: reason, Task: t}, nil
	}
	if d.reactor != nil {
		if err := d.reactor.TaskClaimed(ctx, t); err != nil {
			d.logger.Error("react to completion", slog.String("task_id", id), slog.Any("err", err))
		}
	}
	return ClaimResult{Claimed: true, Task: t}, nil
}

// Progress returns the freshest available snapshot. A running record is
// refreshed from its worker; any failure degrades to the stored copy. The
// boolean reports whether the snapshot is stale.
func (d *Delivery) Progress(ctx context.Context, id string) (*task.Task, bool, error) {
	t, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if t.Status.Terminal() {
		return t, false, nil
	}
	c, err := d.workers.Get(t.WorkerID)
	if err != nil {
		return t, true, nil
	}
	fresh, err := d.refresh(ctx, c, t)
	if err != nil {
		d.logger.Warn("progress proxy failed", slog.String("task_id", id), slog.Any("err", err))
		return t, true, nil
	}
	return fresh, false, nil
}

// refresh reads the worker's copy of t, mirrors it and returns the stored
// result.
func (d *Delivery) refresh(ctx context.Context, c *WorkerClient, t *task.Task) (*task.Task, error) {
	live, err := c.GetTask(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	live.WorkerID = t.WorkerID
	if live.CorrelationID == "" {
		live.CorrelationID = t.CorrelationID
	}
	live.Notified = t.Notified
	if err := d.store.Mirror(ctx, live); err != nil {
		return nil, err
	}
	return d.store.Get(ctx, t.ID)
}

// Cancel forwards a cancellation to the worker. The mirrored record is
// marked cancelled when the worker accepted it or cannot be reached. A
// worker that no longer runs the task has already ended it; its record is
// mirrored instead and Cancel reports false.
func (d *Delivery) Cancel(ctx context.Context, id string) (bool, error) {
	t, err := d.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if t.Status.Terminal() {
		return false, nil
	}
	forwarded := false
	if c, err := d.workers.Get(t.WorkerID); err == nil {
		forwarded, err = c.CancelTask(ctx, id)
		switch {
		case err != nil:
			d.logger.Warn("forward cancel", slog.String("task_id", id), slog.Any("err", err))
		case !forwarded:
			done, err := d.settle(ctx, c, t)
			if err != nil {
				return false, err
			}
			if done {
				return false, nil
			}
		}
	}
	ok, err := d.store.Finish(ctx, id, task.StatusCancelled, task.Outcome{})
	if err != nil {
		return false, err
	}
	// When the finish lost, the worker's push got there first; it still
	// carries this cancellation if the worker accepted it.
	return ok || forwarded, nil
}

// settle handles a cancel the worker declined. It reports true when the
// record now holds the worker's outcome, or the worker could not be read and
// the record is left for a later refresh. It reports false when the worker
// does not know the task or still lists it as running without a handle, so
// nothing will ever finish it there.
func (d *Delivery) settle(ctx context.Context, c *WorkerClient, t *task.Task) (bool, error) {
	fresh, err := d.refresh(ctx, c, t)
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound:
		return false, nil
	case err != nil:
		d.logger.Warn("refresh after declined cancel", slog.String("task_id", t.ID), slog.Any("err", err))
		return true, nil
	}
	return fresh.Status.Terminal(), nil
}

// OpenStream opens the worker's event stream of a task. When no live stream
// is available the body is nil and the caller serves the returned record.
func (d *Delivery) OpenStream(ctx context.Context, id string, lastEventID int64) (io.ReadCloser, *task.Task, error) {
	t, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if t.Status.Terminal() {
		return nil, t, nil
	}
	c, err := d.workers.Get(t.WorkerID)
	if err != nil {
		return nil, t, nil
	}
	body, err := c.OpenStream(ctx, id, lastEventID)
	if err != nil {
		d.logger.Warn("open worker stream", slog.String("task_id", id), slog.Any("err", err))
		// The task may have finished while the mirror was behind.
		if fresh, _, perr := d.Progress(ctx, id); perr == nil {
			t = fresh
		}
		return nil, t, nil
	}
	return body, t, nil
}

// AnswerQuestion forwards a human answer to the worker running taskID.
func (d *Delivery) AnswerQuestion(ctx context.Context, taskID, questionID string, answer json.RawMessage) error {
	t, err := d.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%w: %s", task.ErrTerminal, taskID)
	}
	c, err := d.workers.Get(t.WorkerID)
	if err != nil {
		return err
	}
	return c.AnswerQuestion(ctx, taskID, questionID, answer)
}

// WorkerStatus is one entry of the health fan-out.
type WorkerStatus struct {
	ID     string      `json:"id"`
	URL    string      `json:"url"`
	Online bool        `json:"online"`
	Error  string      `json:"error,omitempty"`
	Info   *agent.Info `json:"info,omitempty"`
}

// Health queries every worker concurrently. Unreachable workers are
// reported offline, never as an error.
func (d *Delivery) Health(ctx context.Context) []WorkerStatus {
	clients := d.workers.All()
	out := make([]WorkerStatus, len(clients))
	var g errgroup.Group
	for i, c := range clients {
		g.Go(func() error {
			st := WorkerStatus{ID: c.ID, URL: c.URL}
			info, err := c.Health(ctx)
			if err != nil {
				st.Error = err.Error()
			} else {
				st.Online = true
				st.Info = &info
			}
			out[i] = st
			return nil
		})
	}
	_ = g.Wait()
	return out
}
