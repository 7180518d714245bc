package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/relay/events"
	"github.com/GoCodeAlone/relay/task"
)

// DefaultPushTimeout bounds one completion push.
const DefaultPushTimeout = 10 * time.Second

// ErrCancelledByUser is the cancellation cause of a user-requested cancel.
var ErrCancelledByUser = errors.New("task cancelled")

// errWorkerStopped is the cancellation cause used on shutdown.
var errWorkerStopped = errors.New("worker stopped")

// Registry tracks the task running on this worker and owns every terminal
// transition. At most one task runs at a time.
type Registry struct {
	workerID    string
	store       task.Store
	notifier    Notifier
	logger      *slog.Logger
	pushTimeout time.Duration

	base context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	tasks  map[string]*ManagedTask
	pushes sync.WaitGroup
}

// NewRegistry creates a Registry for workerID. A nil notifier disables
// completion pushes.
func NewRegistry(workerID string, store task.Store, notifier Notifier, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	return &Registry{
		workerID:    workerID,
		store:       store,
		notifier:    notifier,
		logger:      logger,
		pushTimeout: DefaultPushTimeout,
		base:        base,
		stop:        stop,
		tasks:       make(map[string]*ManagedTask),
	}
}

// SetPushTimeout overrides DefaultPushTimeout.
func (r *Registry) SetPushTimeout(d time.Duration) {
	if d > 0 {
		r.pushTimeout = d
	}
}

// WorkerID returns the id of the worker owning this registry.
func (r *Registry) WorkerID() string { return r.workerID }

// Store returns the task store.
func (r *Registry) Store() task.Store { return r.store }

// Create persists a running task and returns its handle. It fails with
// *BusyError while another task runs. The caller starts the job.
func (r *Registry) Create(ctx context.Context, req Request) (*ManagedTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.base.Err() != nil {
		return nil, errWorkerStopped
	}
	for id, mt := range r.tasks {
		if !mt.Cancelled() {
			return nil, &BusyError{TaskID: id}
		}
	}

	t := &task.Task{
		WorkerID:      r.workerID,
		CorrelationID: req.CorrelationID,
		Prompt:        req.Prompt,
		Status:        task.StatusRunning,
	}
	id, err := r.store.Create(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	mt := newManagedTask(r.base, id, req.CorrelationID)
	r.tasks[id] = mt
	r.logger.Info("task created", slog.String("task_id", id), slog.String("correlation_id", req.CorrelationID))
	return mt, nil
}

// Lookup returns the handle of a running task.
func (r *Registry) Lookup(id string) (*ManagedTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mt, ok := r.tasks[id]
	return mt, ok
}

// Active returns the running task, if any.
func (r *Registry) Active() (*ManagedTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, mt := range r.tasks {
		return mt, true
	}
	return nil, false
}

// Get returns the persisted record, also after the task ended.
func (r *Registry) Get(ctx context.Context, id string) (*task.Task, error) {
	return r.store.Get(ctx, id)
}

// Complete moves a running task to a terminal status. Losing the race
// against Cancel or a previous Complete changes nothing.
func (r *Registry) Complete(ctx context.Context, id string, status task.Status, out task.Outcome) error {
	if !status.Terminal() {
		return fmt.Errorf("complete task %s: %q is not a terminal status", id, status)
	}
	ok, err := r.store.Finish(ctx, id, status, out)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	if !ok {
		r.logger.Debug("task already finished", slog.String("task_id", id), slog.String("status", string(status)))
		return nil
	}
	r.finalize(ctx, id)
	return nil
}

// Fail moves a running task to failed with reason.
func (r *Registry) Fail(ctx context.Context, id, reason string) error {
	return r.Complete(ctx, id, task.StatusFailed, task.Outcome{Error: &reason})
}

// Cancel aborts a running task and records it cancelled. It reports false
// when this worker holds no handle for id or the task finished first.
func (r *Registry) Cancel(ctx context.Context, id string) (bool, error) {
	mt, ok := r.Lookup(id)
	if !ok {
		return false, nil
	}
	mt.signalCancel(ErrCancelledByUser)

	ok, err := r.store.Finish(ctx, id, task.StatusCancelled, task.Outcome{})
	if err != nil {
		return false, fmt.Errorf("cancel task %s: %w", id, err)
	}
	if !ok {
		return false, nil
	}
	r.finalize(ctx, id)
	return true, nil
}

// finalize runs after a won terminal transition: it publishes the terminal
// event, closes the bus, drops the handle and fires the push.
func (r *Registry) finalize(ctx context.Context, id string) {
	t, err := r.store.Get(ctx, id)
	if err != nil {
		r.logger.Error("reload finished task", slog.String("task_id", id), slog.Any("err", err))
		t = &task.Task{ID: id, WorkerID: r.workerID, Status: task.StatusFailed}
	}

	r.mu.Lock()
	mt := r.tasks[id]
	delete(r.tasks, id)
	r.mu.Unlock()

	if mt != nil {
		mt.finish(events.TerminalFor(t))
	}
	r.logger.Info("task finished", slog.String("task_id", id), slog.String("status", string(t.Status)))
	r.push(t)
}

// push delivers the completion in the background. Failures are logged and
// never retried.
func (r *Registry) push(t *task.Task) {
	if r.notifier == nil {
		return
	}
	c := CompletionFor(t)
	r.pushes.Add(1)
	go func() {
		defer r.pushes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.pushTimeout)
		defer cancel()
		if err := r.notifier.Notify(ctx, c); err != nil {
			r.logger.Warn("completion push failed", slog.String("task_id", c.TaskID), slog.Any("err", err))
			return
		}
		if err := r.store.MarkNotified(ctx, c.TaskID); err != nil {
			r.logger.Warn("mark notified", slog.String("task_id", c.TaskID), slog.Any("err", err))
		}
	}()
}

// RecordActivity appends a human-readable activity line to a running task.
func (r *Registry) RecordActivity(ctx context.Context, id, entry string) {
	if err := r.store.AppendActivity(ctx, id, entry, task.ActivityLimit); err != nil {
		r.logger.Warn("record activity", slog.String("task_id", id), slog.Any("err", err))
	}
}

// RecordProgress stores turn and cost counters of a running task.
func (r *Registry) RecordProgress(ctx context.Context, id string, turns int, costUSD float64) {
	if err := r.store.UpdateProgress(ctx, id, turns, costUSD); err != nil {
		r.logger.Warn("record progress", slog.String("task_id", id), slog.Any("err", err))
	}
}

// Recover fails tasks persisted as running by an earlier process of this
// worker. Their engines died with that process.
func (r *Registry) Recover(ctx context.Context) (int, error) {
	running := task.StatusRunning
	stale, err := r.store.List(ctx, task.Filter{Status: &running, WorkerID: r.workerID})
	if err != nil {
		return 0, fmt.Errorf("list running tasks: %w", err)
	}
	n := 0
	for _, t := range stale {
		if _, ok := r.Lookup(t.ID); ok {
			continue
		}
		if err := r.Fail(ctx, t.ID, "worker restarted while the task was running"); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Stop cancels the running task and waits for in-flight pushes until ctx
// is done.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if _, err := r.Cancel(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	r.stop()

	done := make(chan struct{})
	go func() {
		r.pushes.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for pushes: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}
