package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/GoCodeAlone/relay/question"
	"github.com/GoCodeAlone/relay/task"
)

// Service is the worker facade used by the HTTP layer.
type Service struct {
	Registry  *Registry
	Adapter   *Adapter
	Questions *question.Checkpoint
	Engine    string
	Version   string
	logger    *slog.Logger
}

// NewService wires a registry and an adapter into a worker service.
func NewService(reg *Registry, adapter *Adapter, questions *question.Checkpoint, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{Registry: reg, Adapter: adapter, Questions: questions, logger: logger}
	if adapter != nil && adapter.engine != nil {
		s.Engine = adapter.engine.Name()
	}
	return s
}

// Submit creates the task and starts its job in the background.
func (s *Service) Submit(ctx context.Context, req Request) (*ManagedTask, error) {
	if req.Prompt == "" {
		return nil, errors.New("prompt is required")
	}
	mt, err := s.Registry.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	go s.Adapter.Run(mt, req)
	return mt, nil
}

// Cancel aborts a running task.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	if _, err := s.Registry.Get(ctx, id); err != nil {
		return false, err
	}
	return s.Registry.Cancel(ctx, id)
}

// Answer resolves a pending question of a running task.
func (s *Service) Answer(ctx context.Context, taskID, questionID string, answer json.RawMessage) error {
	if s.Questions == nil {
		return fmt.Errorf("%w: %s", question.ErrNotFound, questionID)
	}
	q, err := s.Questions.Store().Get(ctx, questionID)
	if err != nil {
		return err
	}
	if q.CorrelationID != taskID {
		return fmt.Errorf("%w: %s", question.ErrNotFound, questionID)
	}
	return s.Questions.Submit(ctx, questionID, answer)
}

// PendingQuestions lists unanswered questions of a task.
func (s *Service) PendingQuestions(ctx context.Context, taskID string) ([]*question.Question, error) {
	if s.Questions == nil {
		return nil, nil
	}
	return s.Questions.Store().Pending(ctx, taskID)
}

// Health reports the worker's state.
func (s *Service) Health() Info {
	info := Info{
		Status:   "ok",
		WorkerID: s.Registry.WorkerID(),
		Engine:   s.Engine,
		Version:  s.Version,
	}
	if mt, ok := s.Registry.Active(); ok {
		info.Busy = true
		info.TaskID = mt.ID
	}
	return info
}

// Get returns a task record.
func (s *Service) Get(ctx context.Context, id string) (*task.Task, error) {
	return s.Registry.Get(ctx, id)
}
