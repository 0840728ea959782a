package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/coderelay/coderelay/pkg/dispatchauth"
	"github.com/coderelay/coderelay/pkg/dispatcher"
	"github.com/coderelay/coderelay/pkg/state"
)

const testSecret = "test-dispatch-secret"

type fakeDispatcher struct {
	submitErr error
	cancelErr error
	submitted []dispatcher.SubmitRequest
	cancelled []string
	task      *state.Task
}

func (f *fakeDispatcher) Submit(ctx context.Context, req dispatcher.SubmitRequest) error {
	f.submitted = append(f.submitted, req)
	return f.submitErr
}

func (f *fakeDispatcher) Cancel(ctx context.Context, taskID string) error {
	f.cancelled = append(f.cancelled, taskID)
	return f.cancelErr
}

func (f *fakeDispatcher) Get(taskID string) *state.Task {
	if f.task != nil && f.task.TaskID == taskID {
		return f.task
	}
	return nil
}

func (f *fakeDispatcher) RunningCount() int { return 1 }
func (f *fakeDispatcher) Capacity() int     { return 5 }

func signedRequest(t *testing.T, method, path string, body []byte) *http.Request {
	t.Helper()
	ts := time.Now().UnixMilli()
	sig, err := dispatchauth.Sign(body, ts, testSecret)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set(dispatchauth.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(dispatchauth.HeaderSignature, sig.Value)
	req.Header.Set(dispatchauth.HeaderNonce, dispatchauth.GenerateNonce())
	return req
}

func submitBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(dispatcher.SubmitRequest{
		TaskID:     "t1",
		WorkerType: state.WorkerOpus,
		Prompt:     "fix the bug",
		Repository: "ex/repo",
		WebhookURL: "http://receiver",
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestSubmitAccepted(t *testing.T) {
	fd := &fakeDispatcher{}
	handler := New(testSecret, fd, nil).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(t, http.MethodPost, "/tasks", submitBody(t)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp := decodeStatus(t, rec); resp["status"] != "accepted" {
		t.Fatalf("response = %v", resp)
	}
	if len(fd.submitted) != 1 || fd.submitted[0].TaskID != "t1" {
		t.Fatalf("submitted = %+v", fd.submitted)
	}
}

func TestSubmitAtCapacityRejected(t *testing.T) {
	fd := &fakeDispatcher{submitErr: dispatcher.ErrAtCapacity}
	handler := New(testSecret, fd, nil).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(t, http.MethodPost, "/tasks", submitBody(t)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeStatus(t, rec)
	if resp["status"] != "rejected" || resp["reason"] != "at_capacity" {
		t.Fatalf("response = %v", resp)
	}
}

func TestSubmitServiceErrorRejectedWithReason(t *testing.T) {
	fd := &fakeDispatcher{submitErr: errors.New("tmux unavailable")}
	handler := New(testSecret, fd, nil).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(t, http.MethodPost, "/tasks", submitBody(t)))

	resp := decodeStatus(t, rec)
	if rec.Code != http.StatusOK || resp["status"] != "rejected" || resp["reason"] == "" {
		t.Fatalf("code = %d response = %v", rec.Code, resp)
	}
}

func TestSubmitInvalidSignature(t *testing.T) {
	handler := New(testSecret, &fakeDispatcher{}, nil).Handler()

	req := signedRequest(t, http.MethodPost, "/tasks", submitBody(t))
	req.Header.Set(dispatchauth.HeaderSignature, "deadbeef")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestSubmitMissingHeaders(t *testing.T) {
	handler := New(testSecret, &fakeDispatcher{}, nil).Handler()

	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(submitBody(t)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestSubmitStaleTimestamp(t *testing.T) {
	handler := New(testSecret, &fakeDispatcher{}, nil).Handler()

	body := submitBody(t)
	ts := time.Now().Add(-maxSkew - time.Minute).UnixMilli()
	sig, err := dispatchauth.Sign(body, ts, testSecret)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	req.Header.Set(dispatchauth.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(dispatchauth.HeaderSignature, sig.Value)
	req.Header.Set(dispatchauth.HeaderNonce, dispatchauth.GenerateNonce())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("stale timestamp accepted: status = %d", rec.Code)
	}
}

func TestSubmitReplayedNonceRejected(t *testing.T) {
	handler := New(testSecret, &fakeDispatcher{}, nil).Handler()

	body := submitBody(t)
	req := signedRequest(t, http.MethodPost, "/tasks", body)
	nonce := req.Header.Get(dispatchauth.HeaderNonce)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	replay := signedRequest(t, http.MethodPost, "/tasks", body)
	replay.Header.Set(dispatchauth.HeaderNonce, nonce)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, replay)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replayed nonce status = %d, want 401", rec.Code)
	}
}

func TestSubmitWhileDraining(t *testing.T) {
	s := New(testSecret, &fakeDispatcher{}, nil)
	s.SetDraining(true)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, signedRequest(t, http.MethodPost, "/tasks", submitBody(t)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestGetTask(t *testing.T) {
	fd := &fakeDispatcher{task: &state.Task{TaskID: "t1", Status: state.StatusRunning}}
	handler := New(testSecret, fd, nil).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(t, http.MethodGet, "/tasks/t1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var task state.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatal(err)
	}
	if task.TaskID != "t1" || task.Status != state.StatusRunning {
		t.Fatalf("task = %+v", task)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(t, http.MethodGet, "/tasks/ghost", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown task status = %d, want 404", rec.Code)
	}
}

func TestCancelTask(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "ok", err: nil, wantCode: http.StatusOK},
		{name: "not found", err: dispatcher.ErrNotFound, wantCode: http.StatusNotFound},
		{name: "already completed", err: dispatcher.ErrAlreadyCompleted, wantCode: http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fd := &fakeDispatcher{cancelErr: tt.err}
			handler := New(testSecret, fd, nil).Handler()

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, signedRequest(t, http.MethodPost, "/tasks/t1/cancel", nil))
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if len(fd.cancelled) != 1 || fd.cancelled[0] != "t1" {
				t.Fatalf("cancelled = %v", fd.cancelled)
			}
		})
	}
}

type degradedHealth bool

func (d degradedHealth) IsAuthDegraded() bool { return bool(d) }

func TestHealthUnauthenticated(t *testing.T) {
	handler := New(testSecret, &fakeDispatcher{}, degradedHealth(true)).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" || resp["authDegraded"] != true {
		t.Fatalf("health = %v", resp)
	}
	if resp["running"] != float64(1) || resp["capacity"] != float64(5) {
		t.Fatalf("health counters = %v", resp)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	handler := New(testSecret, &fakeDispatcher{}, nil).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("coderelay_running_tasks")) {
		t.Fatalf("metrics output missing gauges: %s", rec.Body.String())
	}
}
