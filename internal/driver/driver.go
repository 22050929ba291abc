package driver

import (
	"context"
	"errors"
	"time"
)

// ErrSandboxNotFound is returned when a handle does not resolve to a live sandbox.
var ErrSandboxNotFound = errors.New("sandbox not found")

// SandboxSpec describes one isolated sandbox to create.
type SandboxSpec struct {
	ID             string
	Image          string
	Limits         ResourceLimits
	Labels         map[string]string
	NetworkEnabled bool
}

// Sample is one resource observation for a running sandbox. CPU counters are
// cumulative so callers can compute usage from deltas between samples.
type Sample struct {
	ReadAt           time.Time
	MemoryUsageBytes uint64
	MemoryLimitBytes uint64
	CPUTotalNS       uint64 // cumulative sandbox CPU time
	SystemCPUNS      uint64 // cumulative host CPU time across all cores
	OnlineCPUs       int
	ThrottledPeriods uint64
	PIDs             uint64
	NetRxBytes       uint64
	NetTxBytes       uint64
}

// Status is a point-in-time view of a sandbox's init process.
type Status struct {
	Running  bool
	ExitCode int
	ExitedAt time.Time
}

// Driver is the isolated-execution backend the engine delegates to. All
// low-level isolation (namespaces, cgroups, seccomp) lives behind this
// boundary; the engine only ever sees opaque handles.
type Driver interface {
	// CreateSandbox provisions a sandbox and returns its handle. The sandbox
	// is created with its resource ceilings, a read-only root, a writable
	// scratch mount and no network unless the spec enables it.
	CreateSandbox(ctx context.Context, spec SandboxSpec) (string, error)

	// StartSandbox starts the sandbox's long-lived init task.
	StartSandbox(ctx context.Context, handle string) error

	// Exec starts argv inside the sandbox and returns its output stream.
	Exec(ctx context.Context, handle string, argv []string) (*ExecStream, error)

	// CopyIn places a file into the sandbox's writable scratch area.
	CopyIn(ctx context.Context, handle, name string, content []byte) error

	// Stats reads one resource sample for the sandbox.
	Stats(ctx context.Context, handle string) (Sample, error)

	// Inspect reports whether the sandbox's init task is still running.
	Inspect(ctx context.Context, handle string) (Status, error)

	// Stop terminates the sandbox gracefully, escalating to SIGKILL after
	// the grace period. Stopping an already-stopped sandbox is not an error.
	Stop(ctx context.Context, handle string, grace time.Duration) error

	// Remove deletes the sandbox and its scratch/snapshot storage.
	Remove(ctx context.Context, handle string) error

	// ListTagged returns handles of all sandboxes carrying the given label,
	// including ones created by previous processes.
	ListTagged(ctx context.Context, label string) ([]string, error)

	// Prune* release dangling resources no live sandbox references.
	PruneImages(ctx context.Context) error
	PruneVolumes(ctx context.Context) error
	PruneNetworks(ctx context.Context) error

	// HostMemoryRatio reports host memory utilization in [0,1].
	HostMemoryRatio() (float64, error)

	Close() error
}
