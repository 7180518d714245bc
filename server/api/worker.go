package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/GoCodeAlone/relay/agent"
	"github.com/GoCodeAlone/relay/events"
	"github.com/GoCodeAlone/relay/question"
	"github.com/GoCodeAlone/relay/server/sse"
	"github.com/GoCodeAlone/relay/task"
)

// Worker serves the worker API on top of an agent.Service.
type Worker struct {
	Service *agent.Service
	Streams *sse.Handler
	Logger  *slog.Logger
}

// NewWorker creates the worker handlers.
func NewWorker(svc *agent.Service, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		Service: svc,
		Streams: &sse.Handler{Source: registrySource{svc.Registry}, Logger: logger},
		Logger:  logger,
	}
}

// RegisterRoutes registers the worker routes on mux.
func (h *Worker) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("GET /api/tasks/{id}/events", h.taskEvents)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", h.cancelTask)
	mux.HandleFunc("GET /api/tasks/{id}/questions", h.pendingQuestions)
	mux.HandleFunc("POST /api/tasks/{id}/answer", h.answer)
	mux.HandleFunc("GET /api/health", h.health)
}

func (h *Worker) createTask(w http.ResponseWriter, r *http.Request) {
	var req agent.Request
	if !decode(w, r, &req) {
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	mt, err := h.Service.Submit(r.Context(), req)
	if err != nil {
		fail(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": mt.ID})
}

func (h *Worker) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		fail(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Worker) taskEvents(w http.ResponseWriter, r *http.Request) {
	h.Streams.ServeTask(w, r, r.PathValue("id"))
}

func (h *Worker) cancelTask(w http.ResponseWriter, r *http.Request) {
	ok, err := h.Service.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		fail(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
}

func (h *Worker) pendingQuestions(w http.ResponseWriter, r *http.Request) {
	qs, err := h.Service.PendingQuestions(r.Context(), r.PathValue("id"))
	if err != nil {
		fail(w, h.Logger, err)
		return
	}
	if qs == nil {
		qs = []*question.Question{}
	}
	writeJSON(w, http.StatusOK, qs)
}

func (h *Worker) answer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if !decode(w, r, &req) {
		return
	}
	if req.QuestionID == "" {
		writeError(w, http.StatusBadRequest, "question_id is required")
		return
	}
	if err := h.Service.Answer(r.Context(), r.PathValue("id"), req.QuestionID, req.Answer); err != nil {
		fail(w, h.Logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Worker) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Service.Health())
}

// registrySource exposes live task buses to the stream handler.
type registrySource struct {
	reg *agent.Registry
}

func (s registrySource) Bus(id string) (*events.Bus, bool) {
	mt, ok := s.reg.Lookup(id)
	if !ok {
		return nil, false
	}
	return mt.Bus, true
}

func (s registrySource) Get(ctx context.Context, id string) (*task.Task, error) {
	return s.reg.Get(ctx, id)
}
