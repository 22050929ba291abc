// Package monitor watches live environments for resource abuse and scans
// submitted code for escape patterns. It observes through the runtime's
// stats interface only; enforcement happens by asking the lifecycle layer
// to stop the offending environment.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/VedantPanchal23/Studio-sub001/internal/driver"
	"github.com/VedantPanchal23/Studio-sub001/internal/schedule"
)

// Violation kinds reported by the sampler.
const (
	KindMemoryLimit   = "memory_limit"
	KindCPUThrottling = "cpu_throttling"
	KindProcessLimit  = "process_limit"
	KindEscapePattern = "escape_pattern"
)

// StopReasonViolation is the reason passed to the stopper when a high
// severity violation forces a teardown.
const StopReasonViolation = "security_violation"

// Violation is one recorded offense against an environment.
type Violation struct {
	EnvID    string    `json:"env_id"`
	Kind     string    `json:"kind"`
	Severity Severity  `json:"severity"`
	Detail   string    `json:"detail"`
	Observed float64   `json:"observed"`
	Limit    float64   `json:"limit"`
	At       time.Time `json:"at"`
}

// Stopper tears environments down on the monitor's behalf.
type Stopper interface {
	StopEnvironment(ctx context.Context, envID, reason string) error
}

// Tracker answers whether an environment is still registered, so a
// sampling loop can notice its environment is gone and end itself.
type Tracker interface {
	Contains(envID string) bool
}

// StatsSource is the slice of the runtime driver the monitor needs.
type StatsSource interface {
	Stats(ctx context.Context, handle string) (driver.Sample, error)
}

// Config tunes the sampler.
type Config struct {
	Interval        time.Duration // sampling period per environment
	MemoryHighPct   float64       // memory violation threshold, percent of limit
	ThrottlePeriods uint64        // throttled-period delta per tick that counts as sustained
	Retention       time.Duration // how long violations stay queryable
}

// DefaultConfig returns the standard monitor settings.
func DefaultConfig() Config {
	return Config{
		Interval:        10 * time.Second,
		MemoryHighPct:   95,
		ThrottlePeriods: 25,
		Retention:       10 * time.Minute,
	}
}

// SecurityMonitor runs one sampling loop per watched environment.
type SecurityMonitor struct {
	stats   StatsSource
	tracker Tracker
	stopper Stopper
	sched   *schedule.Scheduler
	metrics *Metrics
	cfg     Config
	logger  zerolog.Logger

	mu      sync.Mutex
	watches map[string]*watch
	retired map[string]retiredReport
}

// retiredReport keeps a stopped environment's violations queryable for the
// retention window, so the offense that forced a teardown survives it.
type retiredReport struct {
	violations []Violation
	endedAt    time.Time
}

type watch struct {
	envID      string
	handle     string
	pidCeiling int64
	task       *schedule.Task // guarded by the monitor's mu

	mu         sync.Mutex
	prev       driver.Sample
	hasPrev    bool
	cpuPct     float64
	hasCPU     bool
	violations []Violation
	stopping   bool
}

// NewSecurityMonitor creates a monitor. Watches are added per environment
// as they come up.
func NewSecurityMonitor(stats StatsSource, tracker Tracker, stopper Stopper, sched *schedule.Scheduler, metrics *Metrics, cfg Config, logger zerolog.Logger) *SecurityMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.MemoryHighPct <= 0 {
		cfg.MemoryHighPct = 95
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 10 * time.Minute
	}
	return &SecurityMonitor{
		stats:   stats,
		tracker: tracker,
		stopper: stopper,
		sched:   sched,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger.With().Str("component", "monitor").Logger(),
		watches: make(map[string]*watch),
		retired: make(map[string]retiredReport),
	}
}

// Watch starts a sampling loop for the environment. pidCeiling is the
// environment's pids limit; reaching it is a high severity violation.
func (m *SecurityMonitor) Watch(ctx context.Context, envID, handle string, pidCeiling int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watches[envID]; ok {
		return
	}

	w := &watch{envID: envID, handle: handle, pidCeiling: pidCeiling}
	// The task is assigned while m.mu is held. Every tick takes m.mu
	// before touching w.task, so no tick can observe it nil.
	w.task = m.sched.Every(ctx, "monitor-"+envID, m.cfg.Interval, func(ctx context.Context) {
		m.tick(ctx, w)
	})
	m.watches[envID] = w
	delete(m.retired, envID)
}

// Unwatch cancels the environment's sampling loop and waits for any
// in-flight tick to finish. Must be called before the registry entry is
// removed during a normal stop. Recorded violations stay queryable through
// Report for the retention window.
func (m *SecurityMonitor) Unwatch(envID string) {
	m.mu.Lock()
	var task *schedule.Task
	if w, ok := m.watches[envID]; ok {
		delete(m.watches, envID)
		task = w.task
		m.retire(w)
	}
	m.mu.Unlock()
	if task != nil {
		task.Cancel()
	}
}

// Close cancels every sampling loop.
func (m *SecurityMonitor) Close() {
	m.mu.Lock()
	tasks := make([]*schedule.Task, 0, len(m.watches))
	for _, w := range m.watches {
		tasks = append(tasks, w.task)
	}
	m.watches = make(map[string]*watch)
	m.mu.Unlock()
	for _, t := range tasks {
		t.Cancel()
	}
}

// retire moves the watch's violations into the retired set and drops retired
// entries past the retention window. Caller holds m.mu.
func (m *SecurityMonitor) retire(w *watch) {
	now := m.sched.Clock().Now()
	cutoff := now.Add(-m.cfg.Retention)
	for id, r := range m.retired {
		if !r.endedAt.After(cutoff) {
			delete(m.retired, id)
		}
	}

	w.mu.Lock()
	vs := append([]Violation(nil), w.violations...)
	w.mu.Unlock()
	if len(vs) == 0 {
		return
	}
	m.retired[w.envID] = retiredReport{violations: vs, endedAt: now}
}

// tick performs one sample and classification pass.
func (m *SecurityMonitor) tick(ctx context.Context, w *watch) {
	if !m.tracker.Contains(w.envID) {
		// Environment left the registry; the loop ends itself. Cancel
		// waits for this callback, so it runs on its own goroutine.
		m.mu.Lock()
		if m.watches[w.envID] == w {
			delete(m.watches, w.envID)
			m.retire(w)
		}
		task := w.task
		m.mu.Unlock()
		go task.Cancel()
		return
	}

	sample, err := m.stats.Stats(ctx, w.handle)
	if err != nil {
		m.logger.Debug().Err(err).Str("env_id", w.envID).Msg("stats sample failed")
		return
	}

	now := m.sched.Clock().Now()
	violations := m.classify(w, sample, now)

	w.mu.Lock()
	w.prev = sample
	w.hasPrev = true
	w.violations = append(w.violations, violations...)
	w.violations = pruneExpired(w.violations, now.Add(-m.cfg.Retention))
	alreadyStopping := w.stopping
	var terminal *Violation
	for i := range violations {
		if violations[i].Severity >= SeverityHigh {
			terminal = &violations[i]
			break
		}
	}
	if terminal != nil && !alreadyStopping {
		w.stopping = true
	}
	w.mu.Unlock()

	for _, v := range violations {
		if m.metrics != nil {
			m.metrics.RecordViolation(v.Kind, v.Severity.String())
		}
		m.logger.Warn().
			Str("env_id", v.EnvID).
			Str("kind", v.Kind).
			Str("severity", v.Severity.String()).
			Float64("observed", v.Observed).
			Float64("limit", v.Limit).
			Msg("security violation")
	}

	if terminal != nil && !alreadyStopping {
		m.logger.Warn().
			Str("env_id", w.envID).
			Str("kind", terminal.Kind).
			Msg("stopping environment for security violation")
		// The stop path cancels this loop and waits for the current tick,
		// so the stop request must not run on the tick goroutine.
		go func() {
			if err := m.stopper.StopEnvironment(context.Background(), w.envID, StopReasonViolation); err != nil {
				m.logger.Error().Err(err).Str("env_id", w.envID).Msg("violation stop failed")
			}
		}()
	}
}

// classify derives violations from one sample against the previous one.
func (m *SecurityMonitor) classify(w *watch, sample driver.Sample, now time.Time) []Violation {
	var out []Violation

	if sample.MemoryLimitBytes > 0 {
		memPct := float64(sample.MemoryUsageBytes) / float64(sample.MemoryLimitBytes) * 100
		if memPct > m.cfg.MemoryHighPct {
			out = append(out, Violation{
				EnvID:    w.envID,
				Kind:     KindMemoryLimit,
				Severity: SeverityHigh,
				Detail:   "memory usage above limit threshold",
				Observed: memPct,
				Limit:    m.cfg.MemoryHighPct,
				At:       now,
			})
		}
	}

	w.mu.Lock()
	prev, hasPrev := w.prev, w.hasPrev
	w.mu.Unlock()

	if hasPrev {
		if sysDelta := sample.SystemCPUNS - prev.SystemCPUNS; sysDelta > 0 {
			cpuDelta := sample.CPUTotalNS - prev.CPUTotalNS
			pct := float64(cpuDelta) / float64(sysDelta) * float64(sample.OnlineCPUs) * 100
			if pct < 0 {
				pct = 0
			}
			if pct > 100 {
				pct = 100
			}
			w.mu.Lock()
			w.cpuPct = pct
			w.hasCPU = true
			w.mu.Unlock()
		}

		if m.cfg.ThrottlePeriods > 0 && sample.ThrottledPeriods >= prev.ThrottledPeriods {
			if delta := sample.ThrottledPeriods - prev.ThrottledPeriods; delta >= m.cfg.ThrottlePeriods {
				out = append(out, Violation{
					EnvID:    w.envID,
					Kind:     KindCPUThrottling,
					Severity: SeverityMedium,
					Detail:   "sustained CPU throttling",
					Observed: float64(delta),
					Limit:    float64(m.cfg.ThrottlePeriods),
					At:       now,
				})
			}
		}
	}

	if w.pidCeiling > 0 && int64(sample.PIDs) >= w.pidCeiling {
		out = append(out, Violation{
			EnvID:    w.envID,
			Kind:     KindProcessLimit,
			Severity: SeverityHigh,
			Detail:   "process count at pids limit",
			Observed: float64(sample.PIDs),
			Limit:    float64(w.pidCeiling),
			At:       now,
		})
	}

	return out
}

// RecordDetections converts pre-execution code scan findings into
// violations against the environment.
func (m *SecurityMonitor) RecordDetections(envID string, dets []Detection) {
	if len(dets) == 0 {
		return
	}
	m.mu.Lock()
	w, ok := m.watches[envID]
	m.mu.Unlock()
	if !ok {
		return
	}
	now := m.sched.Clock().Now()
	w.mu.Lock()
	for _, d := range dets {
		w.violations = append(w.violations, Violation{
			EnvID:    envID,
			Kind:     KindEscapePattern,
			Severity: d.Severity,
			Detail:   d.Pattern + ": " + d.Detail,
			At:       now,
		})
	}
	w.mu.Unlock()
	if m.metrics != nil {
		for _, d := range dets {
			m.metrics.RecordViolation(KindEscapePattern, d.Severity.String())
		}
	}
}

// Report returns the environment's unexpired violations, oldest first. A
// stopped environment keeps answering for the retention window.
func (m *SecurityMonitor) Report(envID string) ([]Violation, bool) {
	cutoff := m.sched.Clock().Now().Add(-m.cfg.Retention)

	m.mu.Lock()
	w, ok := m.watches[envID]
	if !ok {
		r, found := m.retired[envID]
		if found && !r.endedAt.After(cutoff) {
			delete(m.retired, envID)
			found = false
		}
		m.mu.Unlock()
		if !found {
			return nil, false
		}
		out := make([]Violation, 0, len(r.violations))
		for _, v := range r.violations {
			if v.At.After(cutoff) {
				out = append(out, v)
			}
		}
		return out, true
	}
	m.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.violations = pruneExpired(w.violations, cutoff)
	out := make([]Violation, len(w.violations))
	copy(out, w.violations)
	return out, true
}

// LatestCPUPercent returns the most recent CPU utilization sample for the
// environment. The idle sweep uses this to spot near-zero usage.
func (m *SecurityMonitor) LatestCPUPercent(envID string) (float64, bool) {
	m.mu.Lock()
	w, ok := m.watches[envID]
	m.mu.Unlock()
	if !ok {
		return 0, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cpuPct, w.hasCPU
}

func pruneExpired(vs []Violation, cutoff time.Time) []Violation {
	keep := vs[:0]
	for _, v := range vs {
		if v.At.After(cutoff) {
			keep = append(keep, v)
		}
	}
	return keep
}
