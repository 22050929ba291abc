package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// EscapeDetector scans submitted source for known escape and abuse patterns
// before it ever reaches a sandbox. Findings are advisory: they are recorded
// as violations against the environment but do not block the run, since
// seccomp and the namespace setup are the real enforcement layer.
type EscapeDetector struct {
	patterns []DetectionPattern
	logger   zerolog.Logger
}

// DetectionPattern defines a suspicious pattern to match.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Severity levels for detected threats.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection is one matched pattern in submitted source.
type Detection struct {
	Pattern  string   `json:"pattern"`
	Severity Severity `json:"-"`
	Detail   string   `json:"detail"`
	Line     int      `json:"line,omitempty"`
}

// NewEscapeDetector creates a detector with the default pattern set.
func NewEscapeDetector(logger zerolog.Logger) *EscapeDetector {
	return &EscapeDetector{
		patterns: defaultPatterns(),
		logger:   logger.With().Str("component", "detector").Logger(),
	}
}

// AnalyzeCode checks source line by line and returns every match.
func (d *EscapeDetector) AnalyzeCode(envID, code string) []Detection {
	var detections []Detection

	lines := strings.Split(code, "\n")
	for i, line := range lines {
		for _, p := range d.patterns {
			if p.Regex.MatchString(line) {
				detections = append(detections, Detection{
					Pattern:  p.Name,
					Severity: p.Severity,
					Detail:   p.Description,
					Line:     i + 1,
				})

				d.logger.Warn().
					Str("env_id", envID).
					Str("pattern", p.Name).
					Str("severity", p.Severity.String()).
					Int("line", i+1).
					Msg("suspicious pattern in submitted code")
			}
		}
	}

	return detections
}

func defaultPatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "proc_self_access",
			Description: "Accessing /proc/self for process info",
			Regex:       regexp.MustCompile(`/proc/self/(root|exe|fd|ns|maps|status)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "container_breakout",
			Description: "Attempting container breakout via cgroup",
			Regex:       regexp.MustCompile(`/sys/fs/cgroup|notify_on_release|release_agent`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "host_mount_access",
			Description: "Attempting to access host runtime sockets",
			Regex:       regexp.MustCompile(`/var/run/docker|/var/run/containerd|/run/containerd`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "kernel_exploit",
			Description: "Potential kernel exploitation attempt",
			Regex:       regexp.MustCompile(`(?i)(dirty.?cow|dirty.?pipe|over(lay|l)fs|userfaultfd)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "metadata_service",
			Description: "Attempting to reach cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "reverse_shell",
			Description: "Potential reverse shell command",
			Regex:       regexp.MustCompile(`(?i)(nc|ncat|netcat|socat)\s+.*-[elp]|/dev/tcp/|bash\s+-i\s+>&`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "capability_abuse",
			Description: "Attempting to manipulate capabilities",
			Regex:       regexp.MustCompile(`(?i)(cap_sys_admin|cap_net_raw|setcap|getcap|capsh)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "ptrace_attempt",
			Description: "Attempting to use ptrace for debugging/injection",
			Regex:       regexp.MustCompile(`(?i)(ptrace|process_vm_readv|process_vm_writev|PTRACE_ATTACH)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "symlink_race",
			Description: "Potential symlink race attack",
			Regex:       regexp.MustCompile(`ln\s+-sf?\s+/proc|ln\s+-sf?\s+/sys|ln\s+-sf?\s+/dev`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "crypto_miner",
			Description: "Potential cryptocurrency mining",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight|hashrate)`),
			Severity:    SeverityMedium,
		},
	}
}
