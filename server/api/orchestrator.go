package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/GoCodeAlone/relay/agent"
	"github.com/GoCodeAlone/relay/orchestrator"
	"github.com/GoCodeAlone/relay/question"
	"github.com/GoCodeAlone/relay/server/auth"
	"github.com/GoCodeAlone/relay/server/sse"
	"github.com/GoCodeAlone/relay/task"
)

// Orchestrator serves the orchestrator API: task delegation, completion
// delivery and conversational turns.
type Orchestrator struct {
	Delivery *orchestrator.Delivery
	Turns    *orchestrator.TurnRunner
	Streams  *sse.Handler
	Logger   *slog.Logger
	Version  string
}

// NewOrchestrator creates the orchestrator handlers.
func NewOrchestrator(d *orchestrator.Delivery, turns *orchestrator.TurnRunner, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Delivery: d,
		Turns:    turns,
		Streams:  &sse.Handler{Logger: logger},
		Logger:   logger,
	}
}

// RegisterRoutes registers the orchestrator routes on mux.
func (h *Orchestrator) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/agents", h.listAgents)
	mux.HandleFunc("POST /api/agents/{worker}/tasks", h.delegate)

	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("GET /api/tasks/{id}/progress", h.progress)
	mux.HandleFunc("POST /api/tasks/{id}/claim", h.claim)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", h.cancelTask)
	mux.HandleFunc("GET /api/tasks/{id}/events", h.taskEvents)
	mux.HandleFunc("POST /api/tasks/{id}/answer", h.answerTask)

	mux.HandleFunc("POST /api/hooks/task-complete", h.taskComplete)

	mux.HandleFunc("GET /api/conversations/{id}/messages", h.listMessages)
	mux.HandleFunc("POST /api/conversations/{id}/messages", h.sendMessage)
	mux.HandleFunc("GET /api/conversations/{id}/events", h.turnEvents)
	mux.HandleFunc("POST /api/conversations/{id}/retry", h.retry)
	mux.HandleFunc("POST /api/conversations/{id}/abort", h.abort)
	mux.HandleFunc("GET /api/conversations/{id}/questions", h.pendingQuestions)
	mux.HandleFunc("POST /api/questions/{id}/answer", h.answerQuestion)

	mux.HandleFunc("GET /api/version", h.version)
}

// --- Agent handlers ---

func (h *Orchestrator) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Delivery.Health(r.Context()))
}

func (h *Orchestrator) delegate(w http.ResponseWriter, r *http.Request) {
	var req agent.Request
	if !decode(w, r, &req) {
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	t, err := h.Delivery.Delegate(r.Context(), r.PathValue("worker"), req)
	if err != nil {
		fail(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

// --- Task handlers ---

func (h *Orchestrator) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.Filter{
		WorkerID:      q.Get("worker_id"),
		CorrelationID: q.Get("correlation_id"),
	}
	if s := q.Get("status"); s != "" {
		st := task.Status(s)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+s)
			return
		}
		filter.Status = &st
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			filter.Offset = n
		}
	}
	tasks, err := h.Delivery.Tasks(r.Context(), filter)
	if err != nil {
		fail(w, h.Logger, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Orchestrator) progress(w http.ResponseWriter, r *http.Request) {
	t, stale, err := h.Delivery.Progress(r.Context(), r.PathValue("id"))
	if err != nil {
		fail(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*task.Task
		Stale bool `json:"stale"`
	}{t, stale})
}

func (h *Orchestrator) claim(w http.ResponseWriter, r *http.Request) {
	res, err := h.Delivery.Claim(r.Context(), r.PathValue("id"))
	if err != nil {
		fail(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Orchestrator) cancelTask(w http.ResponseWriter, r *http.Request) {
	ok, err := h.Delivery.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		fail(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
}

func (h *Orchestrator) taskEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body, t, err := h.Delivery.OpenStream(r.Context(), id, sse.LastEventID(r))
	if err != nil {
		fail(w, h.Logger, err)
		return
	}
	if body == nil {
		sse.ServeRecord(w, t)
		return
	}
	defer body.Close()
	if err := h.Streams.Relay(w, r, body); err != nil {
		h.Logger.Debug("relay ended", slog.String("task_id", id), slog.Any("err", err))
	}
}

func (h *Orchestrator) answerTask(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if !decode(w, r, &req) {
		return
	}
	if req.QuestionID == "" {
		writeError(w, http.StatusBadRequest, "question_id is required")
		return
	}
	if err := h.Delivery.AnswerQuestion(r.Context(), r.PathValue("id"), req.QuestionID, req.Answer); err != nil {
		fail(w, h.Logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// taskComplete receives worker pushes. It records the completion and never
// reacts; reactions go through claim.
func (h *Orchestrator) taskComplete(w http.ResponseWriter, r *http.Request) {
	var c agent.Completion
	if !decode(w, r, &c) {
		return
	}
	if err := h.Delivery.HandlePush(r.Context(), auth.Subject(r.Context()), c); err != nil {
		h.Logger.Warn("rejected completion", slog.String("task_id", c.TaskID), slog.Any("err", err))
		fail(w, h.Logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Conversation handlers ---

func (h *Orchestrator) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.Turns.Conversations().List(r.Context(), r.PathValue("id"))
	if err != nil {
		fail(w, h.Logger, err)
		return
	}
	if msgs == nil {
		msgs = []*orchestrator.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// sendMessage starts a turn and streams it. The turn keeps running when the
// client disconnects; it can reattach through the events route.
func (h *Orchestrator) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	turn, err := h.Turns.Run(r.Context(), r.PathValue("id"), req.Text)
	if err != nil {
		fail(w, h.Logger, err)
		return
	}
	h.Streams.ServeBus(w, r, turn.Bus)
}

func (h *Orchestrator) turnEvents(w http.ResponseWriter, r *http.Request) {
	turn, ok := h.Turns.Active(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "no running turn")
		return
	}
	h.Streams.ServeBus(w, r, turn.Bus)
}

func (h *Orchestrator) retry(w http.ResponseWriter, r *http.Request) {
	turn, err := h.Turns.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		fail(w, h.Logger, err)
		return
	}
	h.Streams.ServeBus(w, r, turn.Bus)
}

func (h *Orchestrator) abort(w http.ResponseWriter, r *http.Request) {
	ok := h.Turns.Abort(r.Context(), r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": ok})
}

func (h *Orchestrator) pendingQuestions(w http.ResponseWriter, r *http.Request) {
	qs, err := h.Turns.Questions().Store().Pending(r.Context(), r.PathValue("id"))
	if err != nil {
		fail(w, h.Logger, err)
		return
	}
	if qs == nil {
		qs = []*question.Question{}
	}
	writeJSON(w, http.StatusOK, qs)
}

func (h *Orchestrator) answerQuestion(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.Turns.Questions().Submit(r.Context(), r.PathValue("id"), req.Answer); err != nil {
		fail(w, h.Logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Orchestrator) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": h.Version})
}
