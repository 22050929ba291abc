package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/VedantPanchal23/Studio-sub001/internal/driver"
	"github.com/VedantPanchal23/Studio-sub001/internal/monitor"
	"github.com/VedantPanchal23/Studio-sub001/internal/schedule"
)

// Cleanup reasons recorded in decisions and metrics.
const (
	ReasonMaxAge    = "max_age"
	ReasonIdle      = "idle"
	ReasonExited    = "exited"
	ReasonOrphan    = "orphan"
	ReasonEmergency = "emergency"
)

// CleanupDecision is one environment retired by a sweep.
type CleanupDecision struct {
	EnvID  string    `json:"env_id"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}

// CleanupAuditor persists cleanup decisions.
type CleanupAuditor interface {
	RecordCleanup(dec CleanupDecision)
}

// CPUReader reports the last sampled CPU utilization for an environment.
// The idle sweep uses it to confirm an environment is actually quiet.
type CPUReader interface {
	LatestCPUPercent(envID string) (float64, bool)
}

// envStopper is the slice of the Manager the sweeps retire through.
type envStopper interface {
	StopEnvironment(ctx context.Context, envID, reason string) error
}

// CleanupConfig tunes the sweeps.
type CleanupConfig struct {
	AgeInterval    time.Duration `yaml:"age_interval"`
	MaxAge         time.Duration `yaml:"max_age"`
	IdleInterval   time.Duration `yaml:"idle_interval"`
	IdleAfter      time.Duration `yaml:"idle_after"`
	IdleCPUPct     float64       `yaml:"idle_cpu_pct"`
	ExitedInterval time.Duration `yaml:"exited_interval"`
	OrphanInterval time.Duration `yaml:"orphan_interval"`

	MaxEnvironments int     `yaml:"max_environments"`
	HostMemoryLimit float64 `yaml:"host_memory_limit"`
}

// DefaultCleanupConfig returns the standard sweep cadence and ceilings.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		AgeInterval:     5 * time.Minute,
		MaxAge:          30 * time.Minute,
		IdleInterval:    5 * time.Minute,
		IdleAfter:       10 * time.Minute,
		IdleCPUPct:      1.0,
		ExitedInterval:  5 * time.Minute,
		OrphanInterval:  2 * time.Minute,
		MaxEnvironments: 50,
		HostMemoryLimit: 0.90,
	}
}

// CleanupStats is a snapshot of sweep activity.
type CleanupStats struct {
	RetiredByReason map[string]uint64    `json:"retired_by_reason"`
	Errors          uint64               `json:"errors"`
	EmergencyRuns   uint64               `json:"emergency_runs"`
	LastSweep       map[string]time.Time `json:"last_sweep"`
	Decisions       []CleanupDecision    `json:"decisions"`
}

// Cleaner owns the background sweeps that retire environments nobody
// stopped: too old, idle, init process gone, or present on the runtime but
// unknown to the registry. Every sweep works on a registry snapshot and
// talks to the runtime without holding any lock, and a failure on one
// environment never blocks the rest of the sweep.
type Cleaner struct {
	cfg     CleanupConfig
	reg     *Registry
	drv     driver.Driver
	stopper envStopper
	cpu     CPUReader
	sched   *schedule.Scheduler
	metrics *monitor.Metrics
	audit   CleanupAuditor
	logger  zerolog.Logger

	mu            sync.Mutex
	retired       map[string]uint64
	errors        uint64
	emergencyRuns uint64
	lastSweep     map[string]time.Time
	decisions     []CleanupDecision
	orphanBusy    map[string]bool
}

const decisionHistoryLimit = 200

// orphanStopGrace bounds the SIGTERM window for orphaned sandboxes, which
// have nothing useful to finish.
const orphanStopGrace = 5 * time.Second

// NewCleaner wires a Cleaner. Start must be called to begin sweeping.
func NewCleaner(cfg CleanupConfig, reg *Registry, drv driver.Driver, stopper envStopper, cpu CPUReader, sched *schedule.Scheduler, metrics *monitor.Metrics, audit CleanupAuditor, logger zerolog.Logger) *Cleaner {
	return &Cleaner{
		cfg:        cfg,
		reg:        reg,
		drv:        drv,
		stopper:    stopper,
		cpu:        cpu,
		sched:      sched,
		metrics:    metrics,
		audit:      audit,
		logger:     logger.With().Str("component", "cleanup").Logger(),
		retired:    make(map[string]uint64),
		lastSweep:  make(map[string]time.Time),
		orphanBusy: make(map[string]bool),
	}
}

// Start registers the periodic sweeps on the scheduler.
func (c *Cleaner) Start(ctx context.Context) {
	c.sched.Every(ctx, "cleanup-age", c.cfg.AgeInterval, func(ctx context.Context) {
		c.runSweep(ctx, "age", c.sweepAge)
	})
	c.sched.Every(ctx, "cleanup-idle", c.cfg.IdleInterval, func(ctx context.Context) {
		c.runSweep(ctx, "idle", c.sweepIdle)
	})
	c.sched.Every(ctx, "cleanup-exited", c.cfg.ExitedInterval, func(ctx context.Context) {
		c.runSweep(ctx, "exited", c.sweepExited)
	})
	c.sched.Every(ctx, "cleanup-orphan", c.cfg.OrphanInterval, func(ctx context.Context) {
		c.runSweep(ctx, "orphan", c.sweepOrphans)
	})
}

// runSweep performs the inline emergency check, then the sweep itself.
func (c *Cleaner) runSweep(ctx context.Context, name string, fn func(ctx context.Context)) {
	c.emergencyCheck(ctx)
	fn(ctx)
	c.mu.Lock()
	c.lastSweep[name] = c.sched.Clock().Now()
	c.mu.Unlock()
}

// sweepAge retires environments past the maximum lifetime, busy or not.
func (c *Cleaner) sweepAge(ctx context.Context) {
	now := c.sched.Clock().Now()
	for _, env := range c.reg.Snapshot() {
		if now.Sub(env.CreatedAt) >= c.cfg.MaxAge {
			c.retire(ctx, env.ID, ReasonMaxAge)
		}
	}
}

// sweepIdle retires environments with no recent activity and near-zero CPU.
// An environment with no CPU sample yet is judged on activity alone.
func (c *Cleaner) sweepIdle(ctx context.Context) {
	now := c.sched.Clock().Now()
	for _, env := range c.reg.Snapshot() {
		if env.Busy || now.Sub(env.LastActivity) < c.cfg.IdleAfter {
			continue
		}
		if pct, ok := c.cpu.LatestCPUPercent(env.ID); ok && pct > c.cfg.IdleCPUPct {
			continue
		}
		c.retire(ctx, env.ID, ReasonIdle)
	}
}

// sweepExited retires environments whose init process is gone, so the
// registry never advertises a sandbox that cannot run anything.
func (c *Cleaner) sweepExited(ctx context.Context) {
	for _, env := range c.reg.Snapshot() {
		status, err := c.drv.Inspect(ctx, env.Handle)
		if err != nil {
			if errors.Is(err, driver.ErrSandboxNotFound) {
				c.retire(ctx, env.ID, ReasonExited)
			} else {
				c.logger.Debug().Err(err).Str("env_id", env.ID).Msg("inspect failed, skipping")
			}
			continue
		}
		if !status.Running {
			c.retire(ctx, env.ID, ReasonExited)
		}
	}
}

// sweepOrphans removes sandboxes carrying our label that no registry entry
// claims. The snapshot is taken after listing so a sandbox created between
// the two reads is never misjudged as orphaned. In-flight teardowns are
// tracked so overlapping cycles remove each orphan exactly once.
func (c *Cleaner) sweepOrphans(ctx context.Context) {
	handles, err := c.drv.ListTagged(ctx, RuntimeLabel)
	if err != nil {
		c.logger.Warn().Err(err).Msg("orphan sweep list failed")
		return
	}

	known := make(map[string]bool)
	for _, env := range c.reg.Snapshot() {
		known[env.Handle] = true
	}

	for _, handle := range handles {
		if known[handle] {
			continue
		}

		c.mu.Lock()
		if c.orphanBusy[handle] {
			c.mu.Unlock()
			continue
		}
		c.orphanBusy[handle] = true
		c.mu.Unlock()

		err := c.removeOrphan(ctx, handle)

		c.mu.Lock()
		delete(c.orphanBusy, handle)
		c.mu.Unlock()

		c.record(CleanupDecision{EnvID: handle, Reason: ReasonOrphan, At: c.sched.Clock().Now(), Error: errString(err)})
		if err != nil {
			c.logger.Warn().Err(err).Str("handle", handle).Msg("orphan removal failed")
		} else {
			c.logger.Info().Str("handle", handle).Msg("orphaned sandbox removed")
		}
	}
}

func (c *Cleaner) removeOrphan(ctx context.Context, handle string) error {
	if err := c.drv.Stop(ctx, handle, orphanStopGrace); err != nil && !errors.Is(err, driver.ErrSandboxNotFound) {
		return err
	}
	if err := c.drv.Remove(ctx, handle); err != nil && !errors.Is(err, driver.ErrSandboxNotFound) {
		return err
	}
	return nil
}

// emergencyCheck evicts the oldest half of all environments when the live
// count or host memory pressure crosses its ceiling, then prunes unused
// runtime resources.
func (c *Cleaner) emergencyCheck(ctx context.Context) {
	live := c.reg.Len()

	memRatio, err := c.drv.HostMemoryRatio()
	if err != nil {
		c.logger.Debug().Err(err).Msg("host memory probe failed")
		memRatio = 0
	}
	if c.metrics != nil {
		c.metrics.HostMemoryRatio.Set(memRatio)
	}

	overCount := c.cfg.MaxEnvironments > 0 && live > c.cfg.MaxEnvironments
	overMemory := c.cfg.HostMemoryLimit > 0 && memRatio > c.cfg.HostMemoryLimit
	if !overCount && !overMemory {
		return
	}

	envs := c.reg.Snapshot()
	sort.Slice(envs, func(i, j int) bool { return envs[i].CreatedAt.Before(envs[j].CreatedAt) })
	target := (len(envs) + 1) / 2

	c.logger.Warn().
		Int("live", live).
		Float64("host_memory_ratio", memRatio).
		Int("evicting", target).
		Msg("emergency eviction")

	for i := 0; i < target && i < len(envs); i++ {
		c.retire(ctx, envs[i].ID, ReasonEmergency)
	}

	for name, prune := range map[string]func(context.Context) error{
		"images":   c.drv.PruneImages,
		"volumes":  c.drv.PruneVolumes,
		"networks": c.drv.PruneNetworks,
	} {
		if err := prune(ctx); err != nil {
			c.logger.Warn().Err(err).Str("resource", name).Msg("emergency prune failed")
		}
	}

	c.mu.Lock()
	c.emergencyRuns++
	c.mu.Unlock()
}

// retire stops one environment through the lifecycle layer and records the
// decision. Errors are counted and logged, never propagated, so one bad
// environment cannot stall a sweep.
func (c *Cleaner) retire(ctx context.Context, envID, reason string) {
	err := c.stopper.StopEnvironment(ctx, envID, reason)
	c.record(CleanupDecision{EnvID: envID, Reason: reason, At: c.sched.Clock().Now(), Error: errString(err)})
	if err != nil {
		c.logger.Warn().Err(err).Str("env_id", envID).Str("reason", reason).Msg("retire failed")
		return
	}
	c.logger.Info().Str("env_id", envID).Str("reason", reason).Msg("environment retired")
}

func (c *Cleaner) record(dec CleanupDecision) {
	c.mu.Lock()
	c.retired[dec.Reason]++
	if dec.Error != "" {
		c.errors++
	}
	c.decisions = append(c.decisions, dec)
	if len(c.decisions) > decisionHistoryLimit {
		c.decisions = c.decisions[len(c.decisions)-decisionHistoryLimit:]
	}
	c.mu.Unlock()

	if c.metrics != nil && dec.Error == "" {
		c.metrics.RecordCleanup(dec.Reason)
	}
	if c.audit != nil {
		c.audit.RecordCleanup(dec)
	}
}

// Stats returns a snapshot of sweep activity.
func (c *Cleaner) Stats() CleanupStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	retired := make(map[string]uint64, len(c.retired))
	for k, v := range c.retired {
		retired[k] = v
	}
	last := make(map[string]time.Time, len(c.lastSweep))
	for k, v := range c.lastSweep {
		last[k] = v
	}
	decisions := make([]CleanupDecision, len(c.decisions))
	copy(decisions, c.decisions)

	return CleanupStats{
		RetiredByReason: retired,
		Errors:          c.errors,
		EmergencyRuns:   c.emergencyRuns,
		LastSweep:       last,
		Decisions:       decisions,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
