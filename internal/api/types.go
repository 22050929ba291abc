package api

import (
	"time"

	"github.com/VedantPanchal23/Studio-sub001/internal/engine"
	"github.com/VedantPanchal23/Studio-sub001/internal/monitor"
)

// CreateEnvironmentRequest provisions a sandboxed environment.
type CreateEnvironmentRequest struct {
	OwnerID     string `json:"owner_id"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	Language    string `json:"language"` // python, javascript, bash, go, cpp, java
}

// EnvironmentResponse is the API view of one environment.
type EnvironmentResponse struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	WorkspaceID   string    `json:"workspace_id,omitempty"`
	Language      string    `json:"language"`
	State         string    `json:"state"`
	Busy          bool      `json:"busy"`
	CurrentExecID string    `json:"current_exec_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
}

func environmentResponse(info engine.EnvironmentInfo) EnvironmentResponse {
	return EnvironmentResponse{
		ID:            info.ID,
		OwnerID:       info.OwnerID,
		WorkspaceID:   info.WorkspaceID,
		Language:      info.Language,
		State:         string(info.State),
		Busy:          info.Busy,
		CurrentExecID: info.CurrentExecID,
		CreatedAt:     info.CreatedAt,
		LastActivity:  info.LastActivity,
	}
}

// ExecuteRequest runs code inside an existing environment.
type ExecuteRequest struct {
	Code      string `json:"code"`
	EntryFile string `json:"entry_file,omitempty"` // defaults per language
}

// ExecutionResponse is the API view of one execution record.
type ExecutionResponse struct {
	ID          string     `json:"id"`
	EnvID       string     `json:"env_id"`
	Language    string     `json:"language"`
	Status      string     `json:"status"`
	ExitCode    int        `json:"exit_code"`
	StdoutBytes int64      `json:"stdout_bytes"`
	StderrBytes int64      `json:"stderr_bytes"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

func executionResponse(rec engine.ExecutionRecord) ExecutionResponse {
	resp := ExecutionResponse{
		ID:          rec.ID,
		EnvID:       rec.EnvID,
		Language:    rec.Language,
		Status:      string(rec.Status),
		ExitCode:    rec.ExitCode,
		StdoutBytes: rec.StdoutBytes,
		StderrBytes: rec.StderrBytes,
		Error:       rec.Error,
		StartedAt:   rec.StartedAt,
	}
	if !rec.EndedAt.IsZero() {
		ended := rec.EndedAt
		resp.EndedAt = &ended
	}
	return resp
}

// SecurityReportResponse lists an environment's recorded violations.
type SecurityReportResponse struct {
	EnvID      string              `json:"env_id"`
	Violations []monitor.Violation `json:"violations"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Runtime  bool   `json:"runtime"`
	Database bool   `json:"database"`
	Uptime   string `json:"uptime"`
}
