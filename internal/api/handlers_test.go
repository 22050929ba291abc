package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/VedantPanchal23/Studio-sub001/internal/engine"
	"github.com/VedantPanchal23/Studio-sub001/internal/monitor"
)

// mockEngine implements Engine for handler tests.
type mockEngine struct {
	envs       map[string]engine.EnvironmentInfo
	execs      map[string]engine.ExecutionRecord
	violations map[string][]monitor.Violation

	createErr error
	runErr    error
	stopErr   error

	// runScript writes output through the sink when RunCode is called.
	runScript func(sink engine.Sink) engine.ExecutionRecord

	stoppedEnvs  []string
	stoppedExecs []string
}

func newMockEngine() *mockEngine {
	return &mockEngine{
		envs:       make(map[string]engine.EnvironmentInfo),
		execs:      make(map[string]engine.ExecutionRecord),
		violations: make(map[string][]monitor.Violation),
	}
}

func (m *mockEngine) CreateEnvironment(_ context.Context, ownerID, workspaceID, lang string) (engine.EnvironmentInfo, error) {
	if m.createErr != nil {
		return engine.EnvironmentInfo{}, m.createErr
	}
	if ownerID == "" {
		return engine.EnvironmentInfo{}, &engine.EnvError{EnvID: "", Op: "create", Err: engine.ErrValidation}
	}
	info := engine.EnvironmentInfo{
		ID:          "env-1",
		OwnerID:     ownerID,
		WorkspaceID: workspaceID,
		Language:    lang,
		State:       engine.StateRunning,
		CreatedAt:   time.Unix(1000, 0),
	}
	m.envs[info.ID] = info
	return info, nil
}

func (m *mockEngine) RunCode(_ context.Context, envID, _, _ string, sink engine.Sink) (engine.ExecutionRecord, error) {
	if m.runErr != nil {
		return engine.ExecutionRecord{}, m.runErr
	}
	if _, ok := m.envs[envID]; !ok {
		return engine.ExecutionRecord{}, &engine.EnvError{EnvID: envID, Op: "run", Err: engine.ErrNotFound}
	}
	if m.runScript != nil {
		rec := m.runScript(sink)
		m.execs[rec.ID] = rec
		return rec, nil
	}
	rec := engine.ExecutionRecord{ID: "exec-1", EnvID: envID, Status: engine.ExecStarted}
	m.execs[rec.ID] = rec
	return rec, nil
}

func (m *mockEngine) StopExecution(_ context.Context, execID string) error {
	if _, ok := m.execs[execID]; !ok {
		return &engine.EnvError{EnvID: execID, Op: "stop execution", Err: engine.ErrNotFound}
	}
	m.stoppedExecs = append(m.stoppedExecs, execID)
	return nil
}

func (m *mockEngine) StopEnvironment(_ context.Context, envID, _ string) error {
	if m.stopErr != nil {
		return m.stopErr
	}
	if _, ok := m.envs[envID]; !ok {
		return &engine.EnvError{EnvID: envID, Op: "stop", Err: engine.ErrNotFound}
	}
	delete(m.envs, envID)
	m.stoppedEnvs = append(m.stoppedEnvs, envID)
	return nil
}

func (m *mockEngine) Status(envID string) (engine.EnvironmentInfo, error) {
	info, ok := m.envs[envID]
	if !ok {
		return engine.EnvironmentInfo{}, &engine.EnvError{EnvID: envID, Op: "status", Err: engine.ErrNotFound}
	}
	return info, nil
}

func (m *mockEngine) List() []engine.EnvironmentInfo {
	out := make([]engine.EnvironmentInfo, 0, len(m.envs))
	for _, info := range m.envs {
		out = append(out, info)
	}
	return out
}

func (m *mockEngine) Execution(execID string) (engine.ExecutionRecord, error) {
	rec, ok := m.execs[execID]
	if !ok {
		return engine.ExecutionRecord{}, &engine.EnvError{EnvID: execID, Op: "execution", Err: engine.ErrNotFound}
	}
	return rec, nil
}

func (m *mockEngine) SecurityReport(envID string) ([]monitor.Violation, error) {
	if _, ok := m.envs[envID]; !ok {
		return nil, &engine.EnvError{EnvID: envID, Op: "security report", Err: engine.ErrNotFound}
	}
	return m.violations[envID], nil
}

type mockCleaner struct {
	stats engine.CleanupStats
}

func (m *mockCleaner) Stats() engine.CleanupStats { return m.stats }

func newTestHandlers(eng Engine) *Handlers {
	return NewHandlers(eng, &mockCleaner{}, nil, monitor.NewMetrics())
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any, pathValues map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range pathValues {
		req.SetPathValue(k, v)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHandleCreateEnvironment(t *testing.T) {
	h := newTestHandlers(newMockEngine())

	rec := postJSON(t, h.HandleCreateEnvironment, "/environments", CreateEnvironmentRequest{
		OwnerID:  "user-1",
		Language: "python",
	}, nil)

	if rec.Code != http.StatusCreated {
		t.Fatalf("got status %d, want 201", rec.Code)
	}
	var resp EnvironmentResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != "env-1" {
		t.Errorf("ID = %q, want env-1", resp.ID)
	}
	if resp.State != string(engine.StateRunning) {
		t.Errorf("State = %q, want running", resp.State)
	}
}

func TestHandleCreateEnvironment_ValidationError(t *testing.T) {
	h := newTestHandlers(newMockEngine())

	rec := postJSON(t, h.HandleCreateEnvironment, "/environments", CreateEnvironmentRequest{
		Language: "python",
	}, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
	var resp ErrorResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Code != "VALIDATION_ERROR" {
		t.Errorf("got code %q, want VALIDATION_ERROR", resp.Code)
	}
}

func TestHandleCreateEnvironment_RuntimeUnavailable(t *testing.T) {
	eng := newMockEngine()
	eng.createErr = engine.ErrRuntimeUnavailable
	h := newTestHandlers(eng)

	rec := postJSON(t, h.HandleCreateEnvironment, "/environments", CreateEnvironmentRequest{
		OwnerID:  "user-1",
		Language: "python",
	}, nil)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("got status %d, want 503", rec.Code)
	}
}

func TestHandleGetEnvironment_NotFound(t *testing.T) {
	h := newTestHandlers(newMockEngine())

	req := httptest.NewRequest(http.MethodGet, "/environments/env-missing", nil)
	req.SetPathValue("id", "env-missing")
	rec := httptest.NewRecorder()
	h.HandleGetEnvironment(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("got status %d, want 404", rec.Code)
	}
}

func TestHandleStopEnvironment(t *testing.T) {
	eng := newMockEngine()
	eng.envs["env-1"] = engine.EnvironmentInfo{ID: "env-1", State: engine.StateRunning}
	h := newTestHandlers(eng)

	req := httptest.NewRequest(http.MethodDelete, "/environments/env-1", nil)
	req.SetPathValue("id", "env-1")
	rec := httptest.NewRecorder()
	h.HandleStopEnvironment(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if len(eng.stoppedEnvs) != 1 || eng.stoppedEnvs[0] != "env-1" {
		t.Errorf("stopped envs = %v, want [env-1]", eng.stoppedEnvs)
	}
}

func TestHandleStopEnvironment_TeardownFailureStillOK(t *testing.T) {
	eng := newMockEngine()
	eng.envs["env-1"] = engine.EnvironmentInfo{ID: "env-1"}
	eng.stopErr = &engine.TeardownError{EnvID: "env-1", Attempts: 3, Err: errors.New("task stuck")}
	h := newTestHandlers(eng)

	req := httptest.NewRequest(http.MethodDelete, "/environments/env-1", nil)
	req.SetPathValue("id", "env-1")
	rec := httptest.NewRecorder()
	h.HandleStopEnvironment(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("got status %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "teardown incomplete") {
		t.Errorf("body %q should note the incomplete teardown", rec.Body.String())
	}
}

func TestHandleExecute_StreamsOutputAndStatus(t *testing.T) {
	eng := newMockEngine()
	eng.envs["env-1"] = engine.EnvironmentInfo{ID: "env-1", State: engine.StateRunning}
	eng.runScript = func(sink engine.Sink) engine.ExecutionRecord {
		rec := engine.ExecutionRecord{ID: "exec-1", EnvID: "env-1", Status: engine.ExecStarted}
		go func() {
			sink.WriteChunk("stdout", []byte("hello\n"))
			sink.WriteChunk("stderr", []byte("warn\n"))
			rec.Status = engine.ExecCompleted
			sink.WriteStatus(rec)
		}()
		return rec
	}
	h := newTestHandlers(eng)

	rec := postJSON(t, h.HandleExecute, "/environments/env-1/execute", ExecuteRequest{
		Code: "print('hello')",
	}, map[string]string{"id": "env-1"})

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	body := rec.Body.String()
	for _, want := range []string{"event: stdout", "event: stderr", "event: status", `"status":"completed"`} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
}

func TestHandleExecute_BusyRidesTheStream(t *testing.T) {
	eng := newMockEngine()
	eng.envs["env-1"] = engine.EnvironmentInfo{ID: "env-1"}
	eng.runErr = &engine.EnvError{EnvID: "env-1", Op: "run", Err: engine.ErrBusy}
	h := newTestHandlers(eng)

	rec := postJSON(t, h.HandleExecute, "/environments/env-1/execute", ExecuteRequest{
		Code: "print(1)",
	}, map[string]string{"id": "env-1"})

	// Headers went out before the engine rejected the run, so the
	// error arrives as an event rather than an HTTP status.
	body := rec.Body.String()
	if !strings.Contains(body, "event: error") {
		t.Errorf("stream missing error event:\n%s", body)
	}
	if !strings.Contains(body, "ENVIRONMENT_BUSY") {
		t.Errorf("stream missing busy code:\n%s", body)
	}
}

func TestHandleExecute_EmptyCodeRejected(t *testing.T) {
	h := newTestHandlers(newMockEngine())

	rec := postJSON(t, h.HandleExecute, "/environments/env-1/execute", ExecuteRequest{}, map[string]string{"id": "env-1"})

	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", rec.Code)
	}
}

func TestHandleGetExecution_FromEngine(t *testing.T) {
	eng := newMockEngine()
	eng.execs["exec-1"] = engine.ExecutionRecord{ID: "exec-1", EnvID: "env-1", Status: engine.ExecCompleted}
	h := newTestHandlers(eng)

	req := httptest.NewRequest(http.MethodGet, "/executions/exec-1", nil)
	req.SetPathValue("id", "exec-1")
	rec := httptest.NewRecorder()
	h.HandleGetExecution(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var resp ExecutionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != string(engine.ExecCompleted) {
		t.Errorf("Status = %q, want completed", resp.Status)
	}
}

func TestHandleGetExecution_UnknownWithoutDB(t *testing.T) {
	h := newTestHandlers(newMockEngine())

	req := httptest.NewRequest(http.MethodGet, "/executions/exec-missing", nil)
	req.SetPathValue("id", "exec-missing")
	rec := httptest.NewRecorder()
	h.HandleGetExecution(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("got status %d, want 404", rec.Code)
	}
}

func TestHandleStopExecution(t *testing.T) {
	eng := newMockEngine()
	eng.execs["exec-1"] = engine.ExecutionRecord{ID: "exec-1"}
	h := newTestHandlers(eng)

	req := httptest.NewRequest(http.MethodDelete, "/executions/exec-1", nil)
	req.SetPathValue("id", "exec-1")
	rec := httptest.NewRecorder()
	h.HandleStopExecution(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if len(eng.stoppedExecs) != 1 {
		t.Errorf("stopped execs = %v, want one entry", eng.stoppedExecs)
	}
}

func TestHandleSecurityReport(t *testing.T) {
	eng := newMockEngine()
	eng.envs["env-1"] = engine.EnvironmentInfo{ID: "env-1"}
	eng.violations["env-1"] = []monitor.Violation{
		{EnvID: "env-1", Kind: monitor.KindMemoryLimit, Severity: monitor.SeverityHigh, At: time.Unix(2000, 0)},
		{EnvID: "env-1", Kind: monitor.KindEscapePattern, Severity: monitor.SeverityMedium, At: time.Unix(1000, 0)},
	}
	h := newTestHandlers(eng)

	req := httptest.NewRequest(http.MethodGet, "/environments/env-1/security", nil)
	req.SetPathValue("id", "env-1")
	rec := httptest.NewRecorder()
	h.HandleSecurityReport(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var resp SecurityReportResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Violations) != 2 {
		t.Fatalf("got %d violations, want 2", len(resp.Violations))
	}
	if !resp.Violations[0].At.Before(resp.Violations[1].At) {
		t.Error("violations should be sorted oldest first")
	}
}

func TestHandleCleanupStats(t *testing.T) {
	h := NewHandlers(newMockEngine(), &mockCleaner{stats: engine.CleanupStats{
		RetiredByReason: map[string]uint64{"idle": 3},
	}}, nil, monitor.NewMetrics())

	req := httptest.NewRequest(http.MethodGet, "/cleanup/stats", nil)
	rec := httptest.NewRecorder()
	h.HandleCleanupStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"idle":3`) {
		t.Errorf("body missing idle count: %s", rec.Body.String())
	}
}
