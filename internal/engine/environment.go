package engine

import (
	"time"

	"github.com/VedantPanchal23/Studio-sub001/internal/driver"
)

// EnvState is an environment's position in its lifecycle. Transitions are
// monotonic except for the Running and Executing pair, which alternate as
// executions start and finish.
type EnvState string

const (
	StatePending   EnvState = "pending"
	StateStarting  EnvState = "starting"
	StateRunning   EnvState = "running"
	StateExecuting EnvState = "executing"
	StateStopping  EnvState = "stopping"
	StateStopped   EnvState = "stopped"
	StateFailed    EnvState = "failed"
)

// stateRank orders states for the monotonicity check. Running and
// Executing share a rank so they can alternate; everything else only moves
// forward.
var stateRank = map[EnvState]int{
	StatePending:   0,
	StateStarting:  1,
	StateRunning:   2,
	StateExecuting: 2,
	StateStopping:  3,
	StateStopped:   4,
	StateFailed:    4,
}

// Terminal reports whether no further transitions are possible from s.
func (s EnvState) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// canTransition reports whether from may move to to.
func canTransition(from, to EnvState) bool {
	fr, ok := stateRank[from]
	if !ok {
		return false
	}
	tr, ok := stateRank[to]
	if !ok {
		return false
	}
	if from.Terminal() {
		return false
	}
	if fr == tr {
		// Only the Running/Executing pair may move sideways.
		return (from == StateRunning && to == StateExecuting) ||
			(from == StateExecuting && to == StateRunning)
	}
	return tr > fr
}

// Environment is the registry's record of one live sandbox. All mutable
// fields are guarded by the Registry lock; callers outside the registry
// only ever see EnvironmentInfo snapshots.
type Environment struct {
	ID          string
	OwnerID     string
	WorkspaceID string
	Language    string
	Handle      string
	Limits      driver.ResourceLimits
	CreatedAt   time.Time

	state         EnvState
	lastActivity  time.Time
	busy          bool
	currentExecID string
}

// EnvironmentInfo is an immutable snapshot of an Environment, safe to hold
// outside the registry lock.
type EnvironmentInfo struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	WorkspaceID   string    `json:"workspace_id"`
	Language      string    `json:"language"`
	Handle        string    `json:"-"`
	State         EnvState  `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
	Busy          bool      `json:"busy"`
	CurrentExecID string    `json:"current_exec_id,omitempty"`
}

func (e *Environment) snapshot() EnvironmentInfo {
	return EnvironmentInfo{
		ID:            e.ID,
		OwnerID:       e.OwnerID,
		WorkspaceID:   e.WorkspaceID,
		Language:      e.Language,
		Handle:        e.Handle,
		State:         e.state,
		CreatedAt:     e.CreatedAt,
		LastActivity:  e.lastActivity,
		Busy:          e.busy,
		CurrentExecID: e.currentExecID,
	}
}

// ExecStatus is the lifecycle state of one execution. Exactly one of the
// four terminal statuses is ever emitted per execution.
type ExecStatus string

const (
	ExecStarted   ExecStatus = "started"
	ExecStreaming ExecStatus = "streaming"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
	ExecTimeout   ExecStatus = "timeout"
	ExecStopped   ExecStatus = "stopped"
)

// TerminalStatus reports whether s ends an execution.
func (s ExecStatus) TerminalStatus() bool {
	switch s {
	case ExecCompleted, ExecFailed, ExecTimeout, ExecStopped:
		return true
	}
	return false
}

// ExecutionRecord describes one code run inside an environment.
type ExecutionRecord struct {
	ID          string     `json:"id"`
	EnvID       string     `json:"env_id"`
	OwnerID     string     `json:"owner_id"`
	Language    string     `json:"language"`
	Status      ExecStatus `json:"status"`
	ExitCode    int        `json:"exit_code"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     time.Time  `json:"ended_at,omitempty"`
	StdoutBytes int64      `json:"stdout_bytes"`
	StderrBytes int64      `json:"stderr_bytes"`
	Error       string     `json:"error,omitempty"`
}
