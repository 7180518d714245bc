package agent

import (
	"context"
	"sync"

	"github.com/GoCodeAlone/relay/events"
)

type openTool struct {
	id     string
	name   string
	detail string
}

// ManagedTask is the in-memory handle of a running task. It exists only
// while the task runs and is owned by the Registry.
type ManagedTask struct {
	ID            string
	CorrelationID string
	Bus           *events.Bus

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu        sync.Mutex
	open      []openTool
	cancelled bool
	finished  bool
}

func newManagedTask(parent context.Context, id, correlationID string) *ManagedTask {
	ctx, cancel := context.WithCancelCause(parent)
	return &ManagedTask{
		ID:            id,
		CorrelationID: correlationID,
		Bus:           events.NewBus(),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Context is cancelled when the task is cancelled or the worker stops.
func (m *ManagedTask) Context() context.Context { return m.ctx }

// Cancelled reports whether the task's cancellation signal fired.
func (m *ManagedTask) Cancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

func (m *ManagedTask) signalCancel(cause error) {
	m.mu.Lock()
	m.cancelled = true
	m.mu.Unlock()
	m.cancel(cause)
}

// publish appends an event unless the task already ended.
func (m *ManagedTask) publish(typ events.Type, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished {
		return
	}
	_, _ = m.Bus.Publish(typ, payload)
}

// startTool publishes tool_start and tracks the tool until endTools.
func (m *ManagedTask) startTool(id, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished {
		return
	}
	m.open = append(m.open, openTool{id: id, name: name})
	_, _ = m.Bus.Publish(events.TypeToolStart, events.ToolStart{ToolID: id, Name: name})
}

func (m *ManagedTask) setToolDetail(id, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.open {
		if m.open[i].id == id {
			m.open[i].detail = detail
		}
	}
}

// endTools publishes tool_end for every open tool, oldest first.
func (m *ManagedTask) endTools() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endToolsLocked()
}

func (m *ManagedTask) endToolsLocked() {
	for _, t := range m.open {
		_, _ = m.Bus.Publish(events.TypeToolEnd, events.ToolEnd{ToolID: t.id, Name: t.name, Detail: t.detail})
	}
	m.open = nil
}

func (m *ManagedTask) openTools() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// finish flushes open tools, publishes the terminal event and closes the
// bus. Only the first call has an effect.
func (m *ManagedTask) finish(typ events.Type, payload any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished {
		return false
	}
	m.finished = true
	m.endToolsLocked()
	_, _ = m.Bus.Publish(typ, payload)
	m.Bus.Close()
	m.cancel(context.Canceled)
	return true
}
