package auth

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-key-1234567890")

func mustKey(t *testing.T, worker string) []byte {
	t.Helper()
	key, err := DeriveKey(testSecret, worker)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	return key
}

func TestDeriveKey(t *testing.T) {
	a1 := mustKey(t, "alpha")
	a2 := mustKey(t, "alpha")
	b := mustKey(t, "beta")
	if !bytes.Equal(a1, a2) {
		t.Error("derivation is not deterministic")
	}
	if bytes.Equal(a1, b) {
		t.Error("different workers share a key")
	}
	if _, err := DeriveKey(nil, "alpha"); err != ErrNoSecret {
		t.Errorf("empty secret: err = %v", err)
	}
}

func TestIssueAndVerify(t *testing.T) {
	key := mustKey(t, "alpha")
	token, err := Issue(key, Orchestrator, "alpha", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	sub, err := Verify(StaticKey(key), token, "alpha")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if sub != Orchestrator {
		t.Errorf("subject = %q", sub)
	}
}

func TestVerify_Rejects(t *testing.T) {
	key := mustKey(t, "alpha")
	good, _ := Issue(key, Orchestrator, "alpha", time.Minute)

	past := time.Now().Add(-time.Hour)
	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   Orchestrator,
		Audience:  jwt.ClaimStrings{"alpha"},
		IssuedAt:  jwt.NewNumericDate(past),
		ExpiresAt: jwt.NewNumericDate(past.Add(time.Minute)),
	}).SignedString(key)

	cases := []struct {
		name     string
		keys     KeyFunc
		token    string
		audience string
	}{
		{"expired", StaticKey(key), expired, "alpha"},
		{"wrong audience", StaticKey(key), good, "beta"},
		{"wrong key", StaticKey(mustKey(t, "beta")), good, "alpha"},
		{"garbage", StaticKey(key), "not.a.token", "alpha"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Verify(tc.keys, tc.token, tc.audience); err == nil {
				t.Fatal("expected verification failure")
			}
		})
	}
}

func TestWorkerKeys_PushFromWorker(t *testing.T) {
	token, err := Issue(mustKey(t, "alpha"), "alpha", Orchestrator, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	sub, err := Verify(WorkerKeys(testSecret), token, Orchestrator)
	if err != nil || sub != "alpha" {
		t.Fatalf("Verify = %q, %v", sub, err)
	}

	// A worker cannot impersonate another by lying about its subject.
	forged, _ := Issue(mustKey(t, "alpha"), "beta", Orchestrator, time.Minute)
	if _, err := Verify(WorkerKeys(testSecret), forged, Orchestrator); err == nil {
		t.Fatal("forged subject accepted")
	}
}

func TestMiddleware(t *testing.T) {
	key := mustKey(t, "alpha")
	var seen string
	h := Middleware(StaticKey(key), "alpha", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = Subject(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/tasks/x", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", rec.Code)
	}

	req := httptest.NewRequest("GET", "/api/tasks/x", nil)
	if err := SetBearer(req, key, Orchestrator, "alpha"); err != nil {
		t.Fatalf("SetBearer: %v", err)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || seen != Orchestrator {
		t.Errorf("bearer: status = %d, subject = %q", rec.Code, seen)
	}

	token, _ := Issue(key, Orchestrator, "alpha", time.Minute)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/tasks/x/events?token="+token, nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("query token: status = %d", rec.Code)
	}
}
