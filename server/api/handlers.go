// Package api implements the worker and orchestrator REST handlers.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/GoCodeAlone/relay/agent"
	"github.com/GoCodeAlone/relay/orchestrator"
	"github.com/GoCodeAlone/relay/question"
	"github.com/GoCodeAlone/relay/task"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decode reads a JSON request body into v, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		busy   *agent.BusyError
		apiErr *orchestrator.APIError
		urlErr *url.Error
	)
	switch {
	case errors.As(err, &busy):
		return http.StatusConflict
	case errors.Is(err, task.ErrNotFound),
		errors.Is(err, question.ErrNotFound),
		errors.Is(err, orchestrator.ErrUnknownWorker),
		errors.Is(err, orchestrator.ErrNoUserMessage):
		return http.StatusNotFound
	case errors.Is(err, task.ErrTerminal),
		errors.Is(err, question.ErrResolved),
		errors.Is(err, orchestrator.ErrTurnActive):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, orchestrator.ErrInvalidCompletion):
		return http.StatusBadRequest
	case errors.As(err, &apiErr), errors.As(err, &urlErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// fail writes the response for err. Busy errors carry the running task id.
func fail(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := statusFor(err)
	var busy *agent.BusyError
	if errors.As(err, &busy) {
		writeJSON(w, status, map[string]string{"error": busy.Error(), "task_id": busy.TaskID})
		return
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", slog.Int("status", status), slog.Any("err", err))
	}
	writeError(w, status, err.Error())
}

// answerRequest is the body of the answer endpoints.
type answerRequest struct {
	QuestionID string          `json:"question_id"`
	Answer     json.RawMessage `json:"answer"`
}
