package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/VedantPanchal23/Studio-sub001/internal/driver"
	"github.com/VedantPanchal23/Studio-sub001/internal/language"
	"github.com/VedantPanchal23/Studio-sub001/internal/monitor"
	"github.com/VedantPanchal23/Studio-sub001/internal/schedule"
)

// fakeExec is one controllable in-sandbox process.
type fakeExec struct {
	id      string
	stdoutW *io.PipeWriter
	stderrW *io.PipeWriter
	exited  chan driver.ExitInfo

	mu     sync.Mutex
	killed bool
	done   bool
}

func (f *fakeExec) writeStdout(s string) { _, _ = f.stdoutW.Write([]byte(s)) }
func (f *fakeExec) writeStderr(s string) { _, _ = f.stderrW.Write([]byte(s)) }

// finish ends the process with the given exit code, closing the output
// pipes first the way a real runtime does.
func (f *fakeExec) finish(code int, err error) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}
	f.done = true
	f.mu.Unlock()
	_ = f.stdoutW.Close()
	_ = f.stderrW.Close()
	f.exited <- driver.ExitInfo{Code: code, At: time.Now(), Err: err}
}

func (f *fakeExec) wasKilled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

// fakeDriver implements driver.Driver in memory.
type fakeDriver struct {
	mu        sync.Mutex
	created   map[string]driver.SandboxSpec
	running   map[string]bool
	files     map[string]map[string][]byte
	stopped   []string
	removed   []string
	extra     []string // handles ListTagged reports beyond created ones
	statuses  map[string]driver.Status
	execs     []*fakeExec
	pruned    []string
	memRatio  float64
	createErr error
	startErr  error
	execErr   error
	stopErr   error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		created:  make(map[string]driver.SandboxSpec),
		running:  make(map[string]bool),
		files:    make(map[string]map[string][]byte),
		statuses: make(map[string]driver.Status),
	}
}

func (f *fakeDriver) CreateSandbox(ctx context.Context, spec driver.SandboxSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created[spec.ID] = spec
	f.files[spec.ID] = make(map[string][]byte)
	return spec.ID, nil
}

func (f *fakeDriver) StartSandbox(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if _, ok := f.created[handle]; !ok {
		return driver.ErrSandboxNotFound
	}
	f.running[handle] = true
	return nil
}

func (f *fakeDriver) Exec(ctx context.Context, handle string, argv []string) (*driver.ExecStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return nil, f.execErr
	}
	if !f.running[handle] {
		return nil, driver.ErrSandboxNotFound
	}
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	fe := &fakeExec{
		id:      fmt.Sprintf("run-%d", len(f.execs)+1),
		stdoutW: stdoutW,
		stderrW: stderrW,
		exited:  make(chan driver.ExitInfo, 1),
	}
	f.execs = append(f.execs, fe)
	kill := func(ctx context.Context) error {
		fe.mu.Lock()
		fe.killed = true
		fe.mu.Unlock()
		fe.finish(137, nil)
		return nil
	}
	return driver.NewExecStream(fe.id, stdoutR, stderrR, fe.exited, kill), nil
}

func (f *fakeDriver) CopyIn(ctx context.Context, handle, name string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	files, ok := f.files[handle]
	if !ok {
		return driver.ErrSandboxNotFound
	}
	files[name] = content
	return nil
}

func (f *fakeDriver) Stats(ctx context.Context, handle string) (driver.Sample, error) {
	return driver.Sample{}, nil
}

func (f *fakeDriver) Inspect(ctx context.Context, handle string) (driver.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.statuses[handle]; ok {
		return st, nil
	}
	if _, ok := f.created[handle]; !ok {
		return driver.Status{}, driver.ErrSandboxNotFound
	}
	return driver.Status{Running: f.running[handle]}, nil
}

func (f *fakeDriver) Stop(ctx context.Context, handle string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, handle)
	f.running[handle] = false
	return nil
}

func (f *fakeDriver) Remove(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, handle)
	delete(f.created, handle)
	delete(f.running, handle)
	for i, h := range f.extra {
		if h == handle {
			f.extra = append(f.extra[:i], f.extra[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeDriver) ListTagged(ctx context.Context, label string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.created)+len(f.extra))
	for id := range f.created {
		out = append(out, id)
	}
	out = append(out, f.extra...)
	return out, nil
}

func (f *fakeDriver) PruneImages(ctx context.Context) error   { return f.prune("images") }
func (f *fakeDriver) PruneVolumes(ctx context.Context) error  { return f.prune("volumes") }
func (f *fakeDriver) PruneNetworks(ctx context.Context) error { return f.prune("networks") }

func (f *fakeDriver) prune(what string) error {
	f.mu.Lock()
	f.pruned = append(f.pruned, what)
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) HostMemoryRatio() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.memRatio, nil
}

func (f *fakeDriver) Close() error { return nil }

func (f *fakeDriver) removedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func (f *fakeDriver) lastExec() *fakeExec {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.execs) == 0 {
		return nil
	}
	return f.execs[len(f.execs)-1]
}

// fakeWatcher records watch calls without sampling anything.
type fakeWatcher struct {
	mu       sync.Mutex
	watching map[string]bool
	reports  map[string][]monitor.Violation
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{watching: make(map[string]bool), reports: make(map[string][]monitor.Violation)}
}

func (f *fakeWatcher) Watch(ctx context.Context, envID, handle string, pidCeiling int64) {
	f.mu.Lock()
	f.watching[envID] = true
	f.mu.Unlock()
}

func (f *fakeWatcher) Unwatch(envID string) {
	f.mu.Lock()
	delete(f.watching, envID)
	f.mu.Unlock()
}

func (f *fakeWatcher) Report(envID string) ([]monitor.Violation, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.watching[envID] {
		return nil, false
	}
	return f.reports[envID], true
}

func (f *fakeWatcher) RecordDetections(envID string, dets []monitor.Detection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range dets {
		f.reports[envID] = append(f.reports[envID], monitor.Violation{
			EnvID: envID, Kind: monitor.KindEscapePattern, Severity: d.Severity, Detail: d.Pattern,
		})
	}
}

func (f *fakeWatcher) isWatching(envID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watching[envID]
}

// captureSink collects everything the relay writes.
type captureSink struct {
	mu       sync.Mutex
	chunks   []string // "stream:data"
	statuses []ExecutionRecord
}

func (s *captureSink) WriteChunk(stream string, data []byte) error {
	s.mu.Lock()
	s.chunks = append(s.chunks, stream+":"+string(data))
	s.mu.Unlock()
	return nil
}

func (s *captureSink) WriteStatus(rec ExecutionRecord) error {
	s.mu.Lock()
	s.statuses = append(s.statuses, rec)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) terminalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.statuses)
}

func (s *captureSink) lastStatus() (ExecutionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return ExecutionRecord{}, false
	}
	return s.statuses[len(s.statuses)-1], true
}

func (s *captureSink) allChunks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.chunks...)
}

// testEngine bundles a fully wired manager over fakes.
type testEngine struct {
	mgr     *Manager
	drv     *fakeDriver
	clock   *schedule.FakeClock
	sched   *schedule.Scheduler
	reg     *Registry
	relay   *Relay
	watcher *fakeWatcher
	bus     *Bus
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	clock := schedule.NewFakeClock(time.Unix(50000, 0))
	sched := schedule.NewScheduler(clock, zerolog.Nop())
	t.Cleanup(sched.Shutdown)

	drv := newFakeDriver()
	reg := NewRegistry(clock)
	relay := NewRelay(clock, 30*time.Second, zerolog.Nop())
	watcher := newFakeWatcher()
	bus := NewBus()

	deps := Deps{
		Driver:    drv,
		Languages: language.NewRegistry(),
		Registry:  reg,
		Relay:     relay,
		Watcher:   watcher,
		Detector:  monitor.NewEscapeDetector(zerolog.Nop()),
		Bus:       bus,
		Clock:     clock,
		Logger:    zerolog.Nop(),
	}
	mgr := NewManager(DefaultConfig(), deps)
	return &testEngine{
		mgr: mgr, drv: drv, clock: clock, sched: sched,
		reg: reg, relay: relay, watcher: watcher, bus: bus,
	}
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}
