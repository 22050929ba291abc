package driver

import (
	"context"
	"io"
	"time"
)

// ExitInfo carries the terminal state of one exec'd process.
type ExitInfo struct {
	Code int
	At   time.Time
	Err  error
}

// ExecStream is a live view of one process running inside a sandbox.
// Stdout/Stderr deliver output in arrival order; Exited fires exactly once.
type ExecStream struct {
	ID     string
	Stdout io.ReadCloser
	Stderr io.ReadCloser
	Exited <-chan ExitInfo

	kill func(ctx context.Context) error
}

// NewExecStream assembles a stream from its parts. kill may be nil when the
// process cannot be signalled (tests).
func NewExecStream(id string, stdout, stderr io.ReadCloser, exited <-chan ExitInfo, kill func(ctx context.Context) error) *ExecStream {
	return &ExecStream{
		ID:     id,
		Stdout: stdout,
		Stderr: stderr,
		Exited: exited,
		kill:   kill,
	}
}

// Kill force-terminates the process. It affects only this exec, never the
// sandbox itself.
func (s *ExecStream) Kill(ctx context.Context) error {
	if s.kill == nil {
		return nil
	}
	return s.kill(ctx)
}

// Close releases the output pipes.
func (s *ExecStream) Close() {
	if s.Stdout != nil {
		_ = s.Stdout.Close()
	}
	if s.Stderr != nil {
		_ = s.Stderr.Close()
	}
}
