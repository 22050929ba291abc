package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure classes callers branch on. Handlers map
// these to HTTP status codes; everything else is a 500.
var (
	// ErrValidation indicates a rejected request payload: unknown
	// language, empty or oversized source, bad entry file name.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates the referenced environment or execution does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrBusy indicates the environment already has an execution in
	// flight. Requests are rejected, never queued.
	ErrBusy = errors.New("environment busy")

	// ErrRuntimeUnavailable indicates the container runtime could not be
	// reached.
	ErrRuntimeUnavailable = errors.New("runtime unavailable")

	// ErrCreateFailed indicates environment provisioning failed after
	// validation passed. Partial resources are released before return.
	ErrCreateFailed = errors.New("environment create failed")

	// ErrExecStartFailed indicates the runtime rejected the exec request.
	// The environment itself stays usable.
	ErrExecStartFailed = errors.New("execution start failed")

	// ErrTimeout indicates an execution exceeded its wall-clock limit and
	// was killed.
	ErrTimeout = errors.New("execution timed out")
)

// EnvError wraps a failure with the environment and operation it occurred
// in, preserving the underlying sentinel for errors.Is.
type EnvError struct {
	EnvID string
	Op    string
	Err   error
}

func (e *EnvError) Error() string {
	return fmt.Sprintf("%s: environment %s: %v", e.Op, e.EnvID, e.Err)
}

func (e *EnvError) Unwrap() error { return e.Err }

// TeardownError reports a stop that could not fully release runtime
// resources. The registry entry is removed regardless, so the orphan sweep
// can finish the job.
type TeardownError struct {
	EnvID    string
	Attempts int
	Err      error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown of environment %s incomplete after %d attempts: %v", e.EnvID, e.Attempts, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }
