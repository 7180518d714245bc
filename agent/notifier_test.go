package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/GoCodeAlone/relay/server/auth"
	"github.com/GoCodeAlone/relay/task"
)

func TestHTTPNotifier_Notify(t *testing.T) {
	secret := []byte("cluster-secret")
	key, err := auth.DeriveKey(secret, "worker-1")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}

	var got Completion
	var subject string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/hooks/task-complete" {
			http.NotFound(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		sub, err := auth.Verify(auth.WorkerKeys(secret), token, auth.Orchestrator)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		subject = sub
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL+"/", "worker-1", key)
	result := "done"
	c := Completion{TaskID: "t1", WorkerID: "worker-1", Status: task.StatusCompleted, Outcome: task.Outcome{Result: &result, Turns: 2}}
	if err := n.Notify(context.Background(), c); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if subject != "worker-1" {
		t.Errorf("token subject = %q", subject)
	}
	if got.TaskID != "t1" || got.Status != task.StatusCompleted || got.Result == nil || *got.Result != "done" || got.Turns != 2 {
		t.Errorf("received %+v", got)
	}
}

func TestHTTPNotifier_RejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL, "worker-1", []byte("k"))
	err := n.Notify(context.Background(), Completion{TaskID: "t1"})
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("err = %v, want HTTP 403", err)
	}
}

func TestCompletion_RoundTripsTask(t *testing.T) {
	result := "ok"
	rec := &task.Task{ID: "t1", WorkerID: "w", CorrelationID: "c", Status: task.StatusLimitTurns, Result: &result, Turns: 7, ModifiedFiles: []string{"a.go"}}
	back := CompletionFor(rec).Task()
	if back.ID != "t1" || back.Status != task.StatusLimitTurns || *back.Result != "ok" || back.Turns != 7 || !back.Notified {
		t.Errorf("task = %+v", back)
	}
}
