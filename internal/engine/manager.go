// Package engine owns environment lifecycle: creation, execution, stop and
// the registry of live environments. Everything that touches environment
// state goes through the Manager or the Cleaner; the runtime is reached
// only via the driver interface.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/VedantPanchal23/Studio-sub001/internal/driver"
	"github.com/VedantPanchal23/Studio-sub001/internal/language"
	"github.com/VedantPanchal23/Studio-sub001/internal/monitor"
	"github.com/VedantPanchal23/Studio-sub001/internal/schedule"
)

// RuntimeLabel tags every sandbox this service creates, so the orphan
// sweep can tell our containers apart from anything else on the runtime.
const RuntimeLabel = "studio.environment"

// StopReasonRequested is the reason recorded for caller-initiated stops.
const StopReasonRequested = "requested"

// securityWatcher is the slice of the security monitor the manager drives.
type securityWatcher interface {
	Watch(ctx context.Context, envID, handle string, pidCeiling int64)
	Unwatch(envID string)
	Report(envID string) ([]monitor.Violation, bool)
	RecordDetections(envID string, dets []monitor.Detection)
}

// ExecutionAuditor persists finished execution records. Implementations
// must not block; the engine calls this on the relay's completion path.
type ExecutionAuditor interface {
	RecordExecution(rec ExecutionRecord)
}

// Config tunes the manager.
type Config struct {
	Limits         driver.ResourceLimits
	ExecTimeout    time.Duration
	MaxSourceBytes int64
	StopGrace      time.Duration
	StopAttempts   int
}

// DefaultConfig returns the standard manager settings.
func DefaultConfig() Config {
	return Config{
		Limits:         driver.DefaultLimits(),
		ExecTimeout:    30 * time.Second,
		MaxSourceBytes: 1 << 20,
		StopGrace:      10 * time.Second,
		StopAttempts:   3,
	}
}

// Deps collects the manager's collaborators.
type Deps struct {
	Driver    driver.Driver
	Languages *language.Registry
	Registry  *Registry
	Relay     *Relay
	Watcher   securityWatcher
	Detector  *monitor.EscapeDetector
	Metrics   *monitor.Metrics
	Auditor   ExecutionAuditor
	Bus       *Bus
	Clock     schedule.Clock
	Logger    zerolog.Logger
}

// Manager implements the environment lifecycle operations.
type Manager struct {
	cfg      Config
	drv      driver.Driver
	langs    *language.Registry
	reg      *Registry
	relay    *Relay
	watcher  securityWatcher
	detector *monitor.EscapeDetector
	metrics  *monitor.Metrics
	audit    ExecutionAuditor
	bus      *Bus
	clock    schedule.Clock
	tracer   *monitor.Tracer
	logger   zerolog.Logger
}

// NewManager wires a Manager from its dependencies.
func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.StopAttempts <= 0 {
		cfg.StopAttempts = 3
	}
	if cfg.MaxSourceBytes <= 0 {
		cfg.MaxSourceBytes = 1 << 20
	}
	return &Manager{
		cfg:      cfg,
		drv:      deps.Driver,
		langs:    deps.Languages,
		reg:      deps.Registry,
		relay:    deps.Relay,
		watcher:  deps.Watcher,
		detector: deps.Detector,
		metrics:  deps.Metrics,
		audit:    deps.Auditor,
		bus:      deps.Bus,
		clock:    deps.Clock,
		tracer:   monitor.NewTracer(),
		logger:   deps.Logger.With().Str("component", "manager").Logger(),
	}
}

// SetWatcher installs the security watcher. The watcher stops
// environments through the manager, so the two are wired in two steps.
// Must be called before any environment is created.
func (m *Manager) SetWatcher(w securityWatcher) {
	m.watcher = w
}

// CreateEnvironment provisions a sandbox for the owner and language and
// registers it. On any provisioning failure the partial sandbox is removed
// before the error is returned, so a failed create leaves nothing behind.
func (m *Manager) CreateEnvironment(ctx context.Context, ownerID, workspaceID, lang string) (EnvironmentInfo, error) {
	if ownerID == "" {
		return EnvironmentInfo{}, fmt.Errorf("%w: owner_id is required", ErrValidation)
	}
	l, err := m.langs.Get(lang)
	if err != nil {
		return EnvironmentInfo{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	id := "env-" + uuid.New().String()
	ctx, span := m.tracer.StartSpan(ctx, "environment.create", monitor.AttrEnvID.String(id), monitor.AttrLanguage.String(l.Name()))
	defer span.End()
	env := &Environment{
		ID:          id,
		OwnerID:     ownerID,
		WorkspaceID: workspaceID,
		Language:    l.Name(),
		Handle:      id,
		Limits:      m.cfg.Limits,
		CreatedAt:   m.clock.Now(),
	}
	if err := m.reg.Put(env); err != nil {
		return EnvironmentInfo{}, &EnvError{EnvID: id, Op: "create", Err: err}
	}

	spec := driver.SandboxSpec{
		ID:     id,
		Image:  l.Image(),
		Limits: m.cfg.Limits,
		Labels: map[string]string{
			RuntimeLabel:            id,
			RuntimeLabel + ".owner": ownerID,
		},
	}

	fail := func(op string, cause error) (EnvironmentInfo, error) {
		// Release whatever provisioning managed to allocate.
		rmCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if rerr := m.drv.Remove(rmCtx, id); rerr != nil && !errors.Is(rerr, driver.ErrSandboxNotFound) {
			m.logger.Warn().Err(rerr).Str("env_id", id).Msg("partial environment removal failed")
		}
		m.reg.Delete(id)
		m.gaugeLive()
		if m.metrics != nil {
			m.metrics.RecordError("create_failed")
		}
		return EnvironmentInfo{}, &EnvError{EnvID: id, Op: op, Err: fmt.Errorf("%w: %v", ErrCreateFailed, cause)}
	}

	_ = m.reg.Transition(id, StateStarting)
	provisionStart := m.clock.Now()
	if _, err := m.drv.CreateSandbox(ctx, spec); err != nil {
		return fail("create", err)
	}
	if err := m.drv.StartSandbox(ctx, id); err != nil {
		return fail("start", err)
	}
	m.observeRuntime("provision", provisionStart)
	if err := m.reg.Transition(id, StateRunning); err != nil {
		return fail("start", err)
	}

	// The watch outlives this request.
	m.watcher.Watch(context.Background(), id, id, m.cfg.Limits.PidsLimit)

	if m.metrics != nil {
		m.metrics.EnvironmentsTotal.WithLabelValues(l.Name()).Inc()
	}
	m.gaugeLive()
	m.publish(Event{Kind: EventEnvironmentCreated, EnvID: id})

	m.logger.Info().
		Str("env_id", id).
		Str("owner_id", ownerID).
		Str("language", l.Name()).
		Msg("environment created")

	info, _ := m.reg.Get(id)
	return info, nil
}

// RunCode starts one execution in the environment and relays its output to
// sink. The returned record is the initial one; the terminal record reaches
// the sink as the final status frame. Environments run at most one
// execution at a time; a second request fails with ErrBusy.
func (m *Manager) RunCode(ctx context.Context, envID, source, entryName string, sink Sink) (ExecutionRecord, error) {
	if source == "" {
		return ExecutionRecord{}, fmt.Errorf("%w: source is empty", ErrValidation)
	}
	if int64(len(source)) > m.cfg.MaxSourceBytes {
		return ExecutionRecord{}, fmt.Errorf("%w: source exceeds %d bytes", ErrValidation, m.cfg.MaxSourceBytes)
	}
	info, ok := m.reg.Get(envID)
	if !ok {
		return ExecutionRecord{}, &EnvError{EnvID: envID, Op: "execute", Err: ErrNotFound}
	}
	l, err := m.langs.Get(info.Language)
	if err != nil {
		return ExecutionRecord{}, &EnvError{EnvID: envID, Op: "execute", Err: err}
	}
	entry, err := language.EntryName(l, entryName)
	if err != nil {
		return ExecutionRecord{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	execID := "exec-" + uuid.New().String()
	ctx, span := m.tracer.StartSpan(ctx, "execution.run", monitor.AttrEnvID.String(envID), monitor.AttrExecID.String(execID))
	defer span.End()

	if _, err := m.reg.TryBeginExecution(envID, execID); err != nil {
		return ExecutionRecord{}, err
	}

	release := func() { m.reg.EndExecution(envID, execID) }

	if dets := m.detector.AnalyzeCode(envID, source); len(dets) > 0 {
		m.watcher.RecordDetections(envID, dets)
	}
	if m.metrics != nil {
		m.metrics.CodeSizeBytes.Observe(float64(len(source)))
	}

	if err := m.drv.CopyIn(ctx, info.Handle, entry, []byte(source)); err != nil {
		release()
		return ExecutionRecord{}, &EnvError{EnvID: envID, Op: "execute",
			Err: fmt.Errorf("%w: %v", ErrExecStartFailed, err)}
	}

	argv := language.ExecArgv(l, "/workspace/"+entry)
	execStart := m.clock.Now()
	stream, err := m.drv.Exec(ctx, info.Handle, argv)
	m.observeRuntime("exec", execStart)
	if err != nil {
		release()
		if m.metrics != nil {
			m.metrics.RecordError("exec_start_failed")
		}
		return ExecutionRecord{}, &EnvError{EnvID: envID, Op: "execute",
			Err: fmt.Errorf("%w: %v", ErrExecStartFailed, err)}
	}

	rec := ExecutionRecord{
		ID:        execID,
		EnvID:     envID,
		OwnerID:   info.OwnerID,
		Language:  info.Language,
		Status:    ExecStarted,
		StartedAt: m.clock.Now(),
	}

	if m.metrics != nil {
		m.metrics.ActiveExecutions.Inc()
	}
	m.publish(Event{Kind: EventExecutionStarted, EnvID: envID, ExecID: execID})

	m.relay.Start(rec, stream, sink, func(final ExecutionRecord) {
		release()
		if m.metrics != nil {
			m.metrics.ActiveExecutions.Dec()
			m.metrics.RecordExecution(final.Language, string(final.Status), final.EndedAt.Sub(final.StartedAt).Seconds())
			m.metrics.OutputSizeBytes.Observe(float64(final.StdoutBytes + final.StderrBytes))
		}
		if m.audit != nil {
			m.audit.RecordExecution(final)
		}
		m.publish(Event{Kind: EventExecutionFinished, EnvID: envID, ExecID: execID, Status: final.Status})
	})

	m.logger.Info().
		Str("env_id", envID).
		Str("exec_id", execID).
		Str("language", info.Language).
		Str("entry", entry).
		Msg("execution started")

	return rec, nil
}

// StopExecution kills one in-flight execution without touching its
// environment. It blocks until the terminal status has been emitted.
func (m *Manager) StopExecution(ctx context.Context, execID string) error {
	return m.relay.Stop(execID)
}

// StopEnvironment tears the environment down: kill any in-flight run,
// cancel monitoring, release runtime resources, drop the registry entry.
// It is idempotent; concurrent callers race for the Stopping transition and
// the losers return nil. The registry entry is removed even if the runtime
// releases fail, leaving the orphan sweep to finish the job.
func (m *Manager) StopEnvironment(ctx context.Context, envID, reason string) error {
	info, ok := m.reg.TryBeginStop(envID)
	if !ok {
		return nil
	}

	m.logger.Info().Str("env_id", envID).Str("reason", reason).Msg("stopping environment")

	m.relay.StopForEnv(envID)
	m.watcher.Unwatch(envID)

	var terr error
	for attempt := 1; attempt <= m.cfg.StopAttempts; attempt++ {
		terr = m.release(ctx, info.Handle)
		if terr == nil {
			break
		}
		m.logger.Warn().Err(terr).Str("env_id", envID).Int("attempt", attempt).Msg("teardown attempt failed")
	}

	_ = m.reg.Transition(envID, StateStopped)
	m.reg.Delete(envID)
	m.gaugeLive()
	m.publish(Event{Kind: EventEnvironmentStopped, EnvID: envID, Reason: reason})

	if terr != nil {
		if m.metrics != nil {
			m.metrics.RecordError("teardown_failed")
		}
		return &TeardownError{EnvID: envID, Attempts: m.cfg.StopAttempts, Err: terr}
	}
	return nil
}

// release stops and removes one sandbox, tolerating its prior absence.
func (m *Manager) release(ctx context.Context, handle string) error {
	defer m.observeRuntime("release", m.clock.Now())
	if err := m.drv.Stop(ctx, handle, m.cfg.StopGrace); err != nil && !errors.Is(err, driver.ErrSandboxNotFound) {
		return fmt.Errorf("stop sandbox: %w", err)
	}
	if err := m.drv.Remove(ctx, handle); err != nil && !errors.Is(err, driver.ErrSandboxNotFound) {
		return fmt.Errorf("remove sandbox: %w", err)
	}
	return nil
}

// Status returns the environment's current snapshot.
func (m *Manager) Status(envID string) (EnvironmentInfo, error) {
	info, ok := m.reg.Get(envID)
	if !ok {
		return EnvironmentInfo{}, &EnvError{EnvID: envID, Op: "status", Err: ErrNotFound}
	}
	return info, nil
}

// List returns all environments, oldest first.
func (m *Manager) List() []EnvironmentInfo {
	envs := m.reg.Snapshot()
	sort.Slice(envs, func(i, j int) bool { return envs[i].CreatedAt.Before(envs[j].CreatedAt) })
	return envs
}

// Execution returns the current record for one execution.
func (m *Manager) Execution(execID string) (ExecutionRecord, error) {
	rec, ok := m.relay.Record(execID)
	if !ok {
		return ExecutionRecord{}, &EnvError{EnvID: "", Op: "execution status", Err: ErrNotFound}
	}
	return rec, nil
}

// SecurityReport returns the environment's unexpired violations.
func (m *Manager) SecurityReport(envID string) ([]monitor.Violation, error) {
	vs, ok := m.watcher.Report(envID)
	if !ok {
		return nil, &EnvError{EnvID: envID, Op: "security report", Err: ErrNotFound}
	}
	return vs, nil
}

// Shutdown stops every environment. Used on process exit.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, env := range m.reg.Snapshot() {
		if err := m.StopEnvironment(ctx, env.ID, "shutdown"); err != nil {
			m.logger.Warn().Err(err).Str("env_id", env.ID).Msg("shutdown stop failed")
		}
	}
}

func (m *Manager) publish(ev Event) {
	if m.bus == nil {
		return
	}
	ev.At = m.clock.Now()
	m.bus.Publish(ev)
}

func (m *Manager) gaugeLive() {
	if m.metrics != nil {
		m.metrics.EnvironmentsLive.Set(float64(m.reg.Len()))
	}
}

func (m *Manager) observeRuntime(op string, start time.Time) {
	if m.metrics != nil {
		m.metrics.RuntimeLatency.WithLabelValues(op).Observe(m.clock.Now().Sub(start).Seconds())
	}
}
