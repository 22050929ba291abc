package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Execution.Timeout != 30*time.Second {
		t.Errorf("Execution.Timeout = %s, want 30s", cfg.Execution.Timeout)
	}
	if cfg.Limits.MemoryMB != 256 {
		t.Errorf("Limits.MemoryMB = %d, want 256", cfg.Limits.MemoryMB)
	}
	if cfg.Monitor.Interval != 10*time.Second {
		t.Errorf("Monitor.Interval = %s, want 10s", cfg.Monitor.Interval)
	}
	if cfg.Cleanup.MaxEnvironments != 50 {
		t.Errorf("Cleanup.MaxEnvironments = %d, want 50", cfg.Cleanup.MaxEnvironments)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"memory_mb < 16", func(c *Config) { c.Limits.MemoryMB = 8 }, true},
		{"pids_limit 0", func(c *Config) { c.Limits.PidsLimit = 0 }, true},
		{"execution timeout below 1s", func(c *Config) { c.Execution.Timeout = 500 * time.Millisecond }, true},
		{"stop_attempts 0", func(c *Config) { c.Execution.StopAttempts = 0 }, true},
		{"monitor interval below 1s", func(c *Config) { c.Monitor.Interval = 100 * time.Millisecond }, true},
		{"memory_high_pct over 100", func(c *Config) { c.Monitor.MemoryHighPct = 150 }, true},
		{"max_environments 0", func(c *Config) { c.Cleanup.MaxEnvironments = 0 }, true},
		{"host_memory_limit over 1", func(c *Config) { c.Cleanup.HostMemoryLimit = 1.5 }, true},
		{"TLS enabled without cert", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = ""
			c.TLS.KeyFile = ""
		}, true},
		{"TLS enabled with cert+key", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = "/etc/ssl/cert.pem"
			c.TLS.KeyFile = "/etc/ssl/key.pem"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
server:
  host: "127.0.0.1"
  port: 9090
runtime:
  namespace: "studio-test"
limits:
  memory_mb: 1024
execution:
  timeout: 45s
monitor:
  memory_high_pct: 90
cleanup:
  max_environments: 25
`
	tmpFile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.WriteString(yamlContent); err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Runtime.Namespace != "studio-test" {
		t.Errorf("Runtime.Namespace = %q, want studio-test", cfg.Runtime.Namespace)
	}
	if cfg.Limits.MemoryMB != 1024 {
		t.Errorf("Limits.MemoryMB = %d, want 1024", cfg.Limits.MemoryMB)
	}
	if cfg.Execution.Timeout != 45*time.Second {
		t.Errorf("Execution.Timeout = %s, want 45s", cfg.Execution.Timeout)
	}
	if cfg.Monitor.MemoryHighPct != 90 {
		t.Errorf("Monitor.MemoryHighPct = %v, want 90", cfg.Monitor.MemoryHighPct)
	}
	if cfg.Cleanup.MaxEnvironments != 25 {
		t.Errorf("Cleanup.MaxEnvironments = %d, want 25", cfg.Cleanup.MaxEnvironments)
	}

	// Sections absent from the file keep their defaults.
	if cfg.Execution.StopAttempts != 3 {
		t.Errorf("Execution.StopAttempts = %d, want default 3", cfg.Execution.StopAttempts)
	}
	if cfg.Monitor.Interval != 10*time.Second {
		t.Errorf("Monitor.Interval = %s, want default 10s", cfg.Monitor.Interval)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestEngineConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Execution.Timeout = time.Minute
	cfg.Limits.MemoryMB = 2048

	ec := cfg.EngineConfig()
	if ec.ExecTimeout != time.Minute {
		t.Errorf("ExecTimeout = %s, want 1m", ec.ExecTimeout)
	}
	if ec.Limits.MemoryMB != 2048 {
		t.Errorf("Limits.MemoryMB = %d, want 2048", ec.Limits.MemoryMB)
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "0.0.0.0:8080"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	want = "127.0.0.1:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}
