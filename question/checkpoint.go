package question

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultPollInterval is how often a waiting job re-reads its question.
const DefaultPollInterval = 500 * time.Millisecond

// cancelTimeout bounds the store write that records an abandoned wait.
const cancelTimeout = 5 * time.Second

type waiter struct {
	questionID string
	ch         chan json.RawMessage
}

// Checkpoint suspends jobs on persisted questions. The persisted record is
// authoritative; the waiter map only short-circuits the poll when the answer
// arrives in the same process.
type Checkpoint struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	waiters map[string]*waiter // correlation id -> waiting job
}

// NewCheckpoint creates a Checkpoint polling store every interval.
func NewCheckpoint(store Store, interval time.Duration, logger *slog.Logger) *Checkpoint {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checkpoint{
		store:    store,
		interval: interval,
		logger:   logger,
		waiters:  make(map[string]*waiter),
	}
}

// Store returns the backing question store.
func (c *Checkpoint) Store() Store { return c.store }

// Ask persists a question and blocks until it is answered or ctx is done.
func (c *Checkpoint) Ask(ctx context.Context, correlationID string, payload json.RawMessage) (json.RawMessage, error) {
	q, err := c.Open(ctx, correlationID, payload)
	if err != nil {
		return nil, err
	}
	return c.Wait(ctx, q)
}

// Open persists an unanswered question without waiting on it, so the caller
// can announce the question id before blocking in Wait.
func (c *Checkpoint) Open(ctx context.Context, correlationID string, payload json.RawMessage) (*Question, error) {
	q := &Question{CorrelationID: correlationID, Payload: payload}
	if _, err := c.store.Create(ctx, q); err != nil {
		return nil, fmt.Errorf("open question: %w", err)
	}
	return q, nil
}

// Wait blocks until q is answered. When ctx is done the question is marked
// cancelled and ErrCancelled is returned.
func (c *Checkpoint) Wait(ctx context.Context, q *Question) (json.RawMessage, error) {
	w := &waiter{questionID: q.ID, ch: make(chan json.RawMessage, 1)}
	c.mu.Lock()
	c.waiters[q.CorrelationID] = w
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.waiters[q.CorrelationID] == w {
			delete(c.waiters, q.CorrelationID)
		}
		c.mu.Unlock()
	}()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.abandon(ctx, q.ID)
			return nil, fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
		case answer := <-w.ch:
			return answer, nil
		case <-ticker.C:
		}

		cur, err := c.store.Get(ctx, q.ID)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return nil, fmt.Errorf("poll question %s: %w", q.ID, err)
		}
		switch {
		case cur.Answered:
			return cur.Answer, nil
		case cur.Cancelled:
			return nil, ErrCancelled
		}
	}
}

func (c *Checkpoint) abandon(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if _, err := c.store.Cancel(ctx, id); err != nil {
		c.logger.Warn("cancel abandoned question", slog.String("question_id", id), slog.Any("err", err))
	}
}

// Submit persists an answer and wakes the local waiter when the asking job
// runs in this process.
func (c *Checkpoint) Submit(ctx context.Context, questionID string, answer json.RawMessage) error {
	q, err := c.store.Get(ctx, questionID)
	if err != nil {
		return err
	}
	ok, err := c.store.Answer(ctx, questionID, answer)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrResolved, questionID)
	}
	if len(answer) == 0 {
		answer = json.RawMessage(`null`)
	}

	c.mu.Lock()
	w := c.waiters[q.CorrelationID]
	if w != nil && w.questionID == questionID {
		delete(c.waiters, q.CorrelationID)
		w.ch <- answer
	}
	c.mu.Unlock()

	c.logger.Info("question answered",
		slog.String("question_id", questionID),
		slog.String("correlation_id", q.CorrelationID),
		slog.Bool("local", w != nil))
	return nil
}

// CancelPending cancels every unresolved question for correlationID. Jobs
// waiting on them observe ErrCancelled at their next poll.
func (c *Checkpoint) CancelPending(ctx context.Context, correlationID string) error {
	pending, err := c.store.Pending(ctx, correlationID)
	if err != nil {
		return err
	}
	var errs []error
	for _, q := range pending {
		if _, err := c.store.Cancel(ctx, q.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Waiting reports whether a job in this process is blocked on correlationID.
func (c *Checkpoint) Waiting(correlationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.waiters[correlationID]
	return ok
}
