package engine

import (
	"fmt"
	"sync"

	"github.com/VedantPanchal23/Studio-sub001/internal/schedule"
)

// Registry is the single access point to live environment records. Every
// read and write of environment state goes through it under one lock;
// callers receive snapshots, never live pointers.
type Registry struct {
	clock schedule.Clock

	mu   sync.RWMutex
	envs map[string]*Environment
}

// NewRegistry creates an empty Registry on the given clock.
func NewRegistry(clock schedule.Clock) *Registry {
	return &Registry{
		clock: clock,
		envs:  make(map[string]*Environment),
	}
}

// Put registers a new environment in StatePending. The ID must be unused.
func (r *Registry) Put(env *Environment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.envs[env.ID]; ok {
		return fmt.Errorf("environment %s already registered", env.ID)
	}
	env.state = StatePending
	env.lastActivity = r.clock.Now()
	r.envs[env.ID] = env
	return nil
}

// Get returns a snapshot of the environment, or false if it is not
// registered.
func (r *Registry) Get(id string) (EnvironmentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	env, ok := r.envs[id]
	if !ok {
		return EnvironmentInfo{}, false
	}
	return env.snapshot(), true
}

// Contains reports whether the environment is registered.
func (r *Registry) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.envs[id]
	return ok
}

// Delete removes the environment record. Callers must have already
// cancelled its monitor loop and in-flight execution.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	delete(r.envs, id)
	r.mu.Unlock()
}

// Len returns the number of registered environments.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.envs)
}

// Snapshot returns snapshots of every registered environment. Sweeps
// iterate over this copy so no lock is held while talking to the runtime.
func (r *Registry) Snapshot() []EnvironmentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EnvironmentInfo, 0, len(r.envs))
	for _, env := range r.envs {
		out = append(out, env.snapshot())
	}
	return out
}

// Transition moves the environment to the given state, enforcing the
// lifecycle ordering. Sideways moves are only allowed between Running and
// Executing.
func (r *Registry) Transition(id string, to EnvState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.envs[id]
	if !ok {
		return &EnvError{EnvID: id, Op: "transition", Err: ErrNotFound}
	}
	if !canTransition(env.state, to) {
		return fmt.Errorf("environment %s: invalid transition %s -> %s", id, env.state, to)
	}
	env.state = to
	return nil
}

// Touch updates the environment's last-activity timestamp.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	if env, ok := r.envs[id]; ok {
		env.lastActivity = r.clock.Now()
	}
	r.mu.Unlock()
}

// TryBeginExecution atomically claims the environment for one execution.
// It fails with ErrBusy if a run is already in flight and with ErrNotFound
// if the environment is missing or not in a runnable state. On success the
// environment is in StateExecuting and the returned snapshot reflects that.
func (r *Registry) TryBeginExecution(id, execID string) (EnvironmentInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.envs[id]
	if !ok {
		return EnvironmentInfo{}, &EnvError{EnvID: id, Op: "execute", Err: ErrNotFound}
	}
	if env.busy {
		return EnvironmentInfo{}, &EnvError{EnvID: id, Op: "execute", Err: ErrBusy}
	}
	if env.state != StateRunning {
		return EnvironmentInfo{}, &EnvError{EnvID: id, Op: "execute",
			Err: fmt.Errorf("%w: environment is %s, not running", ErrValidation, env.state)}
	}
	env.busy = true
	env.currentExecID = execID
	env.state = StateExecuting
	env.lastActivity = r.clock.Now()
	return env.snapshot(), nil
}

// EndExecution releases the busy claim taken by TryBeginExecution. It is a
// no-op if the environment is gone or a different execution holds the
// claim, so a late release from a killed run cannot clobber a newer one.
func (r *Registry) EndExecution(id, execID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.envs[id]
	if !ok || env.currentExecID != execID {
		return
	}
	env.busy = false
	env.currentExecID = ""
	env.lastActivity = r.clock.Now()
	if env.state == StateExecuting {
		env.state = StateRunning
	}
}

// TryBeginStop claims the environment for teardown. The first caller wins;
// later callers (racing sweeps, duplicate requests) get ok=false and treat
// the stop as already done.
func (r *Registry) TryBeginStop(id string) (EnvironmentInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.envs[id]
	if !ok {
		return EnvironmentInfo{}, false
	}
	if env.state == StateStopping || env.state.Terminal() {
		return EnvironmentInfo{}, false
	}
	env.state = StateStopping
	return env.snapshot(), true
}
