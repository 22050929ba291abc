package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/VedantPanchal23/Studio-sub001/internal/engine"
	"github.com/VedantPanchal23/Studio-sub001/internal/monitor"
	"github.com/VedantPanchal23/Studio-sub001/internal/storage"
)

// Engine is the environment lifecycle surface the handlers depend on.
type Engine interface {
	CreateEnvironment(ctx context.Context, ownerID, workspaceID, lang string) (engine.EnvironmentInfo, error)
	RunCode(ctx context.Context, envID, source, entryName string, sink engine.Sink) (engine.ExecutionRecord, error)
	StopExecution(ctx context.Context, execID string) error
	StopEnvironment(ctx context.Context, envID, reason string) error
	Status(envID string) (engine.EnvironmentInfo, error)
	List() []engine.EnvironmentInfo
	Execution(execID string) (engine.ExecutionRecord, error)
	SecurityReport(envID string) ([]monitor.Violation, error)
}

// CleanupReporter exposes sweep statistics.
type CleanupReporter interface {
	Stats() engine.CleanupStats
}

type Handlers struct {
	eng     Engine
	cleaner CleanupReporter
	db      *storage.DB
	metrics *monitor.Metrics
}

func NewHandlers(eng Engine, cleaner CleanupReporter, db *storage.DB, metrics *monitor.Metrics) *Handlers {
	return &Handlers{
		eng:     eng,
		cleaner: cleaner,
		db:      db,
		metrics: metrics,
	}
}

func (h *Handlers) HandleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var req CreateEnvironmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	info, err := h.eng.CreateEnvironment(r.Context(), req.OwnerID, req.WorkspaceID, req.Language)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, environmentResponse(info))
}

func (h *Handlers) HandleListEnvironments(w http.ResponseWriter, r *http.Request) {
	infos := h.eng.List()
	resp := make([]EnvironmentResponse, 0, len(infos))
	for _, info := range infos {
		resp = append(resp, environmentResponse(info))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	info, err := h.eng.Status(r.PathValue("id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, environmentResponse(info))
}

func (h *Handlers) HandleStopEnvironment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.eng.StopEnvironment(r.Context(), id, engine.StopReasonRequested); err != nil {
		var terr *engine.TeardownError
		if errors.As(err, &terr) {
			// The registry entry is gone either way, the orphan sweep
			// will reap whatever the runtime failed to release.
			log.Warn().Err(err).Str("env_id", id).Msg("teardown incomplete")
			writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "detail": "teardown incomplete"})
			return
		}
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// HandleExecute runs code in an environment and streams stdout, stderr
// and the terminal status back over SSE.
func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	envID := r.PathValue("id")

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}
	sink := newSSESink(sse)

	rec, err := h.eng.RunCode(r.Context(), envID, req.Code, req.EntryFile, sink)
	if err != nil {
		// Headers are already out, so errors ride the stream.
		payload, _ := json.Marshal(ErrorResponse{
			Error:     err.Error(),
			Code:      engineErrorCode(err),
			RequestID: RequestIDFromContext(r.Context()),
		})
		_ = sse.SendEvent("error", string(payload))
		return
	}

	// Block until the terminal status frame is written or the client
	// goes away. A disconnect does not kill the run: the relay keeps
	// draining and records the result, clients can poll it afterwards.
	select {
	case <-sink.Done():
	case <-r.Context().Done():
		log.Debug().
			Str("env_id", envID).
			Str("exec_id", rec.ID).
			Msg("client disconnected before execution finished")
	}
}

func (h *Handlers) HandleStopExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.eng.StopExecution(r.Context(), id); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "id": id})
}

// HandleGetExecution serves in-memory records first and falls back to
// the audit database for executions that have aged out of the relay.
func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	rec, err := h.eng.Execution(id)
	if err == nil {
		writeJSON(w, http.StatusOK, executionResponse(rec))
		return
	}
	if !errors.Is(err, engine.ErrNotFound) {
		writeEngineError(w, r, err)
		return
	}

	if h.db == nil {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}

	row, dbErr := h.db.GetExecution(r.Context(), id)
	if dbErr != nil {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	filter := storage.ExecutionFilter{
		EnvID:    r.URL.Query().Get("env_id"),
		Language: r.URL.Query().Get("language"),
		Status:   r.URL.Query().Get("status"),
		Limit:    100,
	}

	rows, err := h.db.ListExecutions(r.Context(), filter)
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handlers) HandleSecurityReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	violations, err := h.eng.SecurityReport(id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	sort.Slice(violations, func(i, j int) bool { return violations[i].At.Before(violations[j].At) })
	writeJSON(w, http.StatusOK, SecurityReportResponse{EnvID: id, Violations: violations})
}

func (h *Handlers) HandleCleanupStats(w http.ResponseWriter, r *http.Request) {
	if h.cleaner == nil {
		writeError(w, "cleanup not configured", "CLEANUP_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	writeJSON(w, http.StatusOK, h.cleaner.Stats())
}

func engineErrorCode(err error) string {
	switch {
	case errors.Is(err, engine.ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, engine.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, engine.ErrBusy):
		return "ENVIRONMENT_BUSY"
	case errors.Is(err, engine.ErrRuntimeUnavailable):
		return "RUNTIME_UNAVAILABLE"
	case errors.Is(err, engine.ErrCreateFailed):
		return "CREATE_FAILED"
	case errors.Is(err, engine.ErrExecStartFailed):
		return "EXEC_START_FAILED"
	default:
		return "INTERNAL"
	}
}

func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	code := engineErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case "VALIDATION_ERROR":
		status = http.StatusBadRequest
	case "NOT_FOUND":
		status = http.StatusNotFound
	case "ENVIRONMENT_BUSY":
		status = http.StatusConflict
	case "RUNTIME_UNAVAILABLE":
		status = http.StatusServiceUnavailable
	case "CREATE_FAILED", "EXEC_START_FAILED":
		status = http.StatusBadGateway
	}
	if status >= 500 {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("request failed")
	}
	writeError(w, err.Error(), code, status, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
