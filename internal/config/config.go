package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/VedantPanchal23/Studio-sub001/internal/driver"
	"github.com/VedantPanchal23/Studio-sub001/internal/engine"
	"github.com/VedantPanchal23/Studio-sub001/internal/monitor"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig          `yaml:"server"`
	Runtime   RuntimeConfig         `yaml:"runtime"`
	Limits    driver.ResourceLimits `yaml:"limits"`
	Execution ExecutionConfig       `yaml:"execution"`
	Monitor   MonitorConfig         `yaml:"monitor"`
	Cleanup   engine.CleanupConfig  `yaml:"cleanup"`
	Database  DatabaseConfig        `yaml:"database"`
	Metrics   MetricsConfig         `yaml:"metrics"`
	Tracing   TracingConfig         `yaml:"tracing"`
	Security  SecurityConfig        `yaml:"security"`
	TLS       TLSConfig             `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type RuntimeConfig struct {
	ContainerdSocket string   `yaml:"containerd_socket"`
	Namespace        string   `yaml:"namespace"`
	ScratchRoot      string   `yaml:"scratch_root"`
	ImageMirror      string   `yaml:"image_mirror"`
	KeepImages       []string `yaml:"keep_images"` // never pruned
}

type ExecutionConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxSourceBytes int64         `yaml:"max_source_bytes"`
	StopGrace      time.Duration `yaml:"stop_grace"`
	StopAttempts   int           `yaml:"stop_attempts"`
}

type MonitorConfig struct {
	Interval        time.Duration `yaml:"interval"`
	MemoryHighPct   float64       `yaml:"memory_high_pct"`
	ThrottlePeriods uint64        `yaml:"throttle_periods"`
	Retention       time.Duration `yaml:"retention"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	AllowedKeys    []string `yaml:"allowed_keys"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	eng := engine.DefaultConfig()
	mon := monitor.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streamed executions keep responses open past any fixed deadline
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  2 << 20,
		},
		Runtime: RuntimeConfig{
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "studio",
		},
		Limits: eng.Limits,
		Execution: ExecutionConfig{
			Timeout:        eng.ExecTimeout,
			MaxSourceBytes: eng.MaxSourceBytes,
			StopGrace:      eng.StopGrace,
			StopAttempts:   eng.StopAttempts,
		},
		Monitor: MonitorConfig{
			Interval:        mon.Interval,
			MemoryHighPct:   mon.MemoryHighPct,
			ThrottlePeriods: mon.ThrottlePeriods,
			Retention:       mon.Retention,
		},
		Cleanup: engine.DefaultCleanupConfig(),
		Database: DatabaseConfig{
			DSN: "",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Limits.MemoryMB < 16 {
		return fmt.Errorf("limits.memory_mb must be >= 16")
	}
	if c.Limits.PidsLimit < 1 {
		return fmt.Errorf("limits.pids_limit must be >= 1")
	}
	if c.Execution.Timeout < time.Second {
		return fmt.Errorf("execution.timeout must be >= 1s, got %s", c.Execution.Timeout)
	}
	if c.Execution.StopAttempts < 1 {
		return fmt.Errorf("execution.stop_attempts must be >= 1")
	}
	if c.Monitor.Interval < time.Second {
		return fmt.Errorf("monitor.interval must be >= 1s, got %s", c.Monitor.Interval)
	}
	if c.Monitor.MemoryHighPct <= 0 || c.Monitor.MemoryHighPct > 100 {
		return fmt.Errorf("monitor.memory_high_pct must be in (0, 100], got %v", c.Monitor.MemoryHighPct)
	}
	if c.Cleanup.MaxEnvironments < 1 {
		return fmt.Errorf("cleanup.max_environments must be >= 1")
	}
	if c.Cleanup.HostMemoryLimit <= 0 || c.Cleanup.HostMemoryLimit > 1 {
		return fmt.Errorf("cleanup.host_memory_limit must be in (0, 1], got %v", c.Cleanup.HostMemoryLimit)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable — connections to Postgres are unencrypted")
	}
	return nil
}

// EngineConfig maps the file configuration onto the lifecycle manager settings.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Limits:         c.Limits,
		ExecTimeout:    c.Execution.Timeout,
		MaxSourceBytes: c.Execution.MaxSourceBytes,
		StopGrace:      c.Execution.StopGrace,
		StopAttempts:   c.Execution.StopAttempts,
	}
}

// MonitorConfig maps the file configuration onto the security monitor settings.
func (c *Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		Interval:        c.Monitor.Interval,
		MemoryHighPct:   c.Monitor.MemoryHighPct,
		ThrottlePeriods: c.Monitor.ThrottlePeriods,
		Retention:       c.Monitor.Retention,
	}
}

// RuntimeDriverConfig maps the file configuration onto the containerd driver settings.
func (c *Config) RuntimeDriverConfig() driver.ContainerdConfig {
	return driver.ContainerdConfig{
		Socket:      c.Runtime.ContainerdSocket,
		Namespace:   c.Runtime.Namespace,
		ScratchRoot: c.Runtime.ScratchRoot,
		ImageMirror: c.Runtime.ImageMirror,
		KeepImages:  c.Runtime.KeepImages,
	}
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
