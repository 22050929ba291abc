package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/VedantPanchal23/Studio-sub001/internal/schedule"
)

func newTestRegistry() (*Registry, *schedule.FakeClock) {
	clock := schedule.NewFakeClock(time.Unix(50000, 0))
	return NewRegistry(clock), clock
}

func addRunning(t *testing.T, reg *Registry, id string) {
	t.Helper()
	if err := reg.Put(&Environment{ID: id, Handle: id, OwnerID: "owner"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Transition(id, StateStarting); err != nil {
		t.Fatal(err)
	}
	if err := reg.Transition(id, StateRunning); err != nil {
		t.Fatal(err)
	}
}

func TestPutRejectsDuplicateID(t *testing.T) {
	reg, _ := newTestRegistry()
	if err := reg.Put(&Environment{ID: "env-1"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Put(&Environment{ID: "env-1"}); err == nil {
		t.Fatal("duplicate Put succeeded")
	}
}

func TestLifecycleTransitions(t *testing.T) {
	reg, _ := newTestRegistry()
	addRunning(t, reg, "env-1")

	info, ok := reg.Get("env-1")
	if !ok || info.State != StateRunning {
		t.Fatalf("state = %v, ok = %v", info.State, ok)
	}

	// Running cannot jump backwards.
	if err := reg.Transition("env-1", StateStarting); err == nil {
		t.Fatal("backwards transition allowed")
	}
	// Running cannot reach Executing except through TryBeginExecution,
	// but the transition itself is legal.
	if err := reg.Transition("env-1", StateExecuting); err != nil {
		t.Fatal(err)
	}
	if err := reg.Transition("env-1", StateRunning); err != nil {
		t.Fatal(err)
	}
	if err := reg.Transition("env-1", StateStopping); err != nil {
		t.Fatal(err)
	}
	if err := reg.Transition("env-1", StateStopped); err != nil {
		t.Fatal(err)
	}
	// Terminal states are final.
	if err := reg.Transition("env-1", StateRunning); err == nil {
		t.Fatal("transition out of terminal state allowed")
	}
}

func TestTransitionUnknownEnvironment(t *testing.T) {
	reg, _ := newTestRegistry()
	err := reg.Transition("env-missing", StateRunning)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTryBeginExecutionClaimsEnvironment(t *testing.T) {
	reg, _ := newTestRegistry()
	addRunning(t, reg, "env-1")

	info, err := reg.TryBeginExecution("env-1", "exec-1")
	if err != nil {
		t.Fatal(err)
	}
	if info.State != StateExecuting || !info.Busy || info.CurrentExecID != "exec-1" {
		t.Fatalf("snapshot = %+v", info)
	}

	// Second claim is rejected, not queued.
	if _, err := reg.TryBeginExecution("env-1", "exec-2"); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}

	reg.EndExecution("env-1", "exec-1")
	info, _ = reg.Get("env-1")
	if info.State != StateRunning || info.Busy {
		t.Fatalf("after release: %+v", info)
	}

	// And the slot is reusable.
	if _, err := reg.TryBeginExecution("env-1", "exec-2"); err != nil {
		t.Fatal(err)
	}
}

func TestEndExecutionIgnoresStaleRelease(t *testing.T) {
	reg, _ := newTestRegistry()
	addRunning(t, reg, "env-1")

	if _, err := reg.TryBeginExecution("env-1", "exec-1"); err != nil {
		t.Fatal(err)
	}
	reg.EndExecution("env-1", "exec-0")

	info, _ := reg.Get("env-1")
	if !info.Busy || info.CurrentExecID != "exec-1" {
		t.Fatalf("stale release clobbered claim: %+v", info)
	}
}

func TestTryBeginExecutionRequiresRunningState(t *testing.T) {
	reg, _ := newTestRegistry()
	if err := reg.Put(&Environment{ID: "env-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.TryBeginExecution("env-1", "exec-1"); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if _, err := reg.TryBeginExecution("env-missing", "exec-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTryBeginStopFirstCallerWins(t *testing.T) {
	reg, _ := newTestRegistry()
	addRunning(t, reg, "env-1")

	if _, ok := reg.TryBeginStop("env-1"); !ok {
		t.Fatal("first stop claim failed")
	}
	if _, ok := reg.TryBeginStop("env-1"); ok {
		t.Fatal("second stop claim succeeded")
	}
	if _, ok := reg.TryBeginStop("env-missing"); ok {
		t.Fatal("stop claim on unknown environment succeeded")
	}
}

func TestTouchUpdatesLastActivity(t *testing.T) {
	reg, clock := newTestRegistry()
	addRunning(t, reg, "env-1")

	before, _ := reg.Get("env-1")
	clock.Advance(time.Minute)
	reg.Touch("env-1")
	after, _ := reg.Get("env-1")

	if !after.LastActivity.After(before.LastActivity) {
		t.Fatal("Touch did not advance last activity")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	reg, _ := newTestRegistry()
	addRunning(t, reg, "env-1")
	addRunning(t, reg, "env-2")

	snap := reg.Snapshot()
	if len(snap) != 2 || reg.Len() != 2 {
		t.Fatalf("snapshot len = %d, registry len = %d", len(snap), reg.Len())
	}

	reg.Delete("env-1")
	if len(snap) != 2 {
		t.Fatal("snapshot mutated by Delete")
	}
	if reg.Len() != 1 || reg.Contains("env-1") {
		t.Fatal("Delete did not remove the entry")
	}
}
