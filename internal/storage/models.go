package storage

import "time"

// ExecutionRow is a stored execution audit record.
type ExecutionRow struct {
	ID          string     `json:"id" db:"id"`
	EnvID       string     `json:"env_id" db:"env_id"`
	OwnerID     string     `json:"owner_id" db:"owner_id"`
	Language    string     `json:"language" db:"language"`
	Status      string     `json:"status" db:"status"` // completed, failed, timeout, stopped
	ExitCode    int        `json:"exit_code" db:"exit_code"`
	StdoutBytes int64      `json:"stdout_bytes" db:"stdout_bytes"`
	StderrBytes int64      `json:"stderr_bytes" db:"stderr_bytes"`
	Error       string     `json:"error,omitempty" db:"error"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty" db:"ended_at"`
}

// CleanupRow is a stored cleanup decision.
type CleanupRow struct {
	ID     string    `json:"id" db:"id"`
	EnvID  string    `json:"env_id" db:"env_id"`
	Reason string    `json:"reason" db:"reason"`
	Error  string    `json:"error,omitempty" db:"error"`
	At     time.Time `json:"at" db:"at"`
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	EnvID    string
	Language string
	Status   string
	Limit    int
	Offset   int
}
