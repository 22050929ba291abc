package engine

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/VedantPanchal23/Studio-sub001/internal/driver"
	"github.com/VedantPanchal23/Studio-sub001/internal/schedule"
)

// Sink receives execution output. Chunks arrive in the order the program
// produced them within each stream, and the terminal status frame is always
// the last write.
type Sink interface {
	WriteChunk(stream string, data []byte) error
	WriteStatus(rec ExecutionRecord) error
}

const (
	maxStdoutBytes = 1 << 20 // 1 MiB, anything past it is dropped
	maxStderrBytes = 256 << 10

	chunkSize = 4096
)

// Relay forwards execution output from the runtime to sinks and enforces
// the per-run wall-clock timeout. Each execution gets exactly one terminal
// status, no matter how it ends; killing a run never touches its
// environment.
type Relay struct {
	clock   schedule.Clock
	logger  zerolog.Logger
	timeout time.Duration

	mu           sync.Mutex
	active       map[string]*activeRun
	byEnv        map[string]string
	history      map[string]ExecutionRecord
	ownerOrder   map[string][]string // terminal exec IDs per owner, oldest first
	historyLimit int                 // retained records per owner
}

type activeRun struct {
	rec    ExecutionRecord
	stream *driver.ExecStream

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	mu          sync.Mutex // guards sink writes and byte counters
	stdoutBytes int64
	stderrBytes int64
	streaming   bool
}

// NewRelay creates a Relay with the given run timeout.
func NewRelay(clock schedule.Clock, timeout time.Duration, logger zerolog.Logger) *Relay {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Relay{
		clock:        clock,
		logger:       logger.With().Str("component", "relay").Logger(),
		timeout:      timeout,
		active:       make(map[string]*activeRun),
		byEnv:        make(map[string]string),
		history:      make(map[string]ExecutionRecord),
		ownerOrder:   make(map[string][]string),
		historyLimit: 100,
	}
}

// Start begins relaying the execution's output to sink. It returns
// immediately; onDone is invoked exactly once with the final record after
// the terminal status has been written to the sink.
func (r *Relay) Start(rec ExecutionRecord, stream *driver.ExecStream, sink Sink, onDone func(ExecutionRecord)) {
	rec.Status = ExecStarted
	run := &activeRun{
		rec:    rec,
		stream: stream,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	r.active[rec.ID] = run
	r.byEnv[rec.EnvID] = rec.ID
	r.mu.Unlock()

	var copiers sync.WaitGroup
	copiers.Add(2)
	go r.copyStream(run, "stdout", stream.Stdout, sink, &run.stdoutBytes, maxStdoutBytes, &copiers)
	go r.copyStream(run, "stderr", stream.Stderr, sink, &run.stderrBytes, maxStderrBytes, &copiers)

	timer := r.clock.NewTimer(r.timeout)
	go r.supervise(run, timer, sink, &copiers, onDone)
}

// copyStream forwards one pipe to the sink in chunks until EOF. Output
// beyond the stream's byte ceiling is read and discarded so the pipe
// drains, but not forwarded.
func (r *Relay) copyStream(run *activeRun, name string, src io.ReadCloser, sink Sink, counter *int64, ceiling int64, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			run.mu.Lock()
			run.streaming = true
			kept := int64(n)
			if *counter+kept > ceiling {
				kept = ceiling - *counter
			}
			*counter += int64(n)
			if kept > 0 {
				if werr := sink.WriteChunk(name, buf[:kept]); werr != nil {
					r.logger.Debug().Err(werr).Str("exec_id", run.rec.ID).Msg("sink write failed, draining")
					sink = discardSink{}
				}
			}
			run.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// supervise owns the terminal decision for one run. It is the single place
// a terminal status is produced.
func (r *Relay) supervise(run *activeRun, timer schedule.Timer, sink Sink, copiers *sync.WaitGroup, onDone func(ExecutionRecord)) {
	defer timer.Stop()

	var (
		status ExecStatus
		exit   driver.ExitInfo
	)

	select {
	case exit = <-run.stream.Exited:
		if exit.Err != nil {
			status = ExecFailed
		} else if exit.Code == 0 {
			status = ExecCompleted
		} else {
			status = ExecFailed
		}
	case <-timer.C():
		_ = run.stream.Kill(context.Background())
		exit = <-run.stream.Exited
		status = ExecTimeout
	case <-run.stopCh:
		_ = run.stream.Kill(context.Background())
		exit = <-run.stream.Exited
		status = ExecStopped
	}

	// All output chunks reach the sink before the terminal frame.
	copiers.Wait()

	run.mu.Lock()
	rec := run.rec
	rec.Status = status
	rec.ExitCode = exit.Code
	rec.EndedAt = r.clock.Now()
	rec.StdoutBytes = run.stdoutBytes
	rec.StderrBytes = run.stderrBytes
	if status == ExecTimeout {
		rec.Error = ErrTimeout.Error()
	} else if exit.Err != nil {
		rec.Error = exit.Err.Error()
	}
	run.mu.Unlock()

	if err := sink.WriteStatus(rec); err != nil {
		r.logger.Debug().Err(err).Str("exec_id", rec.ID).Msg("status frame write failed")
	}
	run.stream.Close()

	r.mu.Lock()
	delete(r.active, rec.ID)
	if r.byEnv[rec.EnvID] == rec.ID {
		delete(r.byEnv, rec.EnvID)
	}
	r.remember(rec)
	r.mu.Unlock()

	close(run.done)

	r.logger.Info().
		Str("exec_id", rec.ID).
		Str("env_id", rec.EnvID).
		Str("status", string(status)).
		Int("exit_code", rec.ExitCode).
		Dur("duration", rec.EndedAt.Sub(rec.StartedAt)).
		Msg("execution finished")

	onDone(rec)
}

// remember stores a terminal record. The bound is per owner, so one tenant's
// churn cannot evict another tenant's records. Caller holds r.mu.
func (r *Relay) remember(rec ExecutionRecord) {
	r.history[rec.ID] = rec
	ids := append(r.ownerOrder[rec.OwnerID], rec.ID)
	for len(ids) > r.historyLimit {
		delete(r.history, ids[0])
		ids = ids[1:]
	}
	r.ownerOrder[rec.OwnerID] = ids
}

// Stop kills the identified execution and blocks until its terminal status
// has been emitted. Stopping an execution that already finished is a no-op;
// an unknown ID is ErrNotFound.
func (r *Relay) Stop(execID string) error {
	r.mu.Lock()
	run, ok := r.active[execID]
	if !ok {
		_, finished := r.history[execID]
		r.mu.Unlock()
		if finished {
			return nil
		}
		return &EnvError{EnvID: "", Op: "stop execution", Err: ErrNotFound}
	}
	r.mu.Unlock()

	run.stopOnce.Do(func() { close(run.stopCh) })
	<-run.done
	return nil
}

// StopForEnv kills the environment's in-flight execution, if any, and
// waits for its terminal status. Used during environment teardown.
func (r *Relay) StopForEnv(envID string) {
	r.mu.Lock()
	execID, ok := r.byEnv[envID]
	r.mu.Unlock()
	if !ok {
		return
	}
	_ = r.Stop(execID)
}

// Record returns the current view of an execution: a live snapshot while it
// runs, the terminal record afterwards.
func (r *Relay) Record(execID string) (ExecutionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.active[execID]; ok {
		run.mu.Lock()
		rec := run.rec
		if run.streaming {
			rec.Status = ExecStreaming
		} else {
			rec.Status = ExecStarted
		}
		rec.StdoutBytes = run.stdoutBytes
		rec.StderrBytes = run.stderrBytes
		run.mu.Unlock()
		return rec, true
	}
	rec, ok := r.history[execID]
	return rec, ok
}

type discardSink struct{}

func (discardSink) WriteChunk(string, []byte) error   { return nil }
func (discardSink) WriteStatus(ExecutionRecord) error { return nil }
