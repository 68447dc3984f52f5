package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ostrand/backupd/internal/model"
)

// newRequest creates a new HTTP request with an optional JSON body.
func newRequest(method, target string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	r := httptest.NewRequest(method, target, &buf)
	r.Header.Set("Content-Type", "application/json")
	return r
}

// newRequestRaw creates a new HTTP request with a raw string body.
func newRequestRaw(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

// withChiURLParam adds a chi URL parameter to the request context.
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// decodeErrorResponse parses the JSON error response body into a map.
func decodeErrorResponse(rec *httptest.ResponseRecorder) map[string]string {
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	return body
}

// fakeRunner implements Runner for handler tests.
type fakeRunner struct {
	mu             sync.Mutex
	runErr         error
	cancelExecErr  error
	scheduled      []string
	cancelled      []string
	cancelledExecs []string
	lastRun        *model.BackupExecution
}

func (f *fakeRunner) Run(_ context.Context, cfg *model.BackupConfiguration, execType, triggeredBy string) (*model.BackupExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return nil, f.runErr
	}
	exec := &model.BackupExecution{
		ID:                "exec-new",
		ConfigurationID:   cfg.ID,
		ConfigurationName: cfg.Name,
		ExecutionType:     execType,
		TriggeredBy:       triggeredBy,
		Status:            model.StatusPending,
		StartedAt:         time.Now(),
		CreatedAt:         time.Now(),
	}
	f.lastRun = exec
	return exec, nil
}

func (f *fakeRunner) Schedule(cfg *model.BackupConfiguration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, cfg.ID)
}

func (f *fakeRunner) Cancel(configID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, configID)
}

func (f *fakeRunner) CancelExecution(executionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelExecErr != nil {
		return f.cancelExecErr
	}
	f.cancelledExecs = append(f.cancelledExecs, executionID)
	return nil
}

func (f *fakeRunner) RunningExecution(string) (string, bool) {
	return "", false
}

const validID = "test-id-1"
