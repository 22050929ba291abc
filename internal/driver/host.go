package driver

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	procMeminfo = "/proc/meminfo"
	procStat    = "/proc/stat"

	// Kernel jiffies per second; fixed at 100 on the architectures we run on.
	userHz = 100
)

// hostMemoryRatio reads memory utilization in [0,1] from a meminfo file.
// MemAvailable is the kernel's own estimate of reclaimable memory, which is
// what matters for "can the host take more sandboxes".
func hostMemoryRatio(path string) (float64, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- fixed proc path, parameterized for tests
	if err != nil {
		return 0, fmt.Errorf("reading meminfo: %w", err)
	}

	var totalKB, availKB uint64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB, _ = strconv.ParseUint(fields[1], 10, 64)
		case "MemAvailable:":
			availKB, _ = strconv.ParseUint(fields[1], 10, 64)
		}
	}

	if totalKB == 0 {
		return 0, fmt.Errorf("meminfo missing MemTotal")
	}
	return 1.0 - float64(availKB)/float64(totalKB), nil
}

// hostCPUTotalNS reads cumulative CPU time across all cores from a stat file,
// converted from jiffies to nanoseconds.
func hostCPUTotalNS(path string) (uint64, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- fixed proc path, parameterized for tests
	if err != nil {
		return 0, fmt.Errorf("reading stat: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 8 || fields[0] != "cpu" {
			continue
		}
		var jiffies uint64
		for _, f := range fields[1:8] { // user nice system idle iowait irq softirq
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parsing stat field %q: %w", f, err)
			}
			jiffies += v
		}
		return jiffies * (1e9 / userHz), nil
	}

	return 0, fmt.Errorf("stat missing aggregate cpu line")
}
