package driver

import (
	"context"
	"fmt"
	"runtime"
	"time"

	v1 "github.com/containerd/cgroups/stats/v1"
	v2 "github.com/containerd/cgroups/v2/stats"
	typeurl "github.com/containerd/typeurl/v2"
)

func (d *Containerd) Stats(ctx context.Context, handle string) (Sample, error) {
	nsCtx := d.withNS(ctx)

	container, err := d.conn().LoadContainer(nsCtx, handle)
	if err != nil {
		return Sample{}, d.mapNotFound(err, "loading sandbox")
	}

	task, err := container.Task(nsCtx, nil)
	if err != nil {
		return Sample{}, d.mapNotFound(err, "loading init task")
	}

	metric, err := task.Metrics(nsCtx)
	if err != nil {
		return Sample{}, fmt.Errorf("reading task metrics: %w", err)
	}

	data, err := typeurl.UnmarshalAny(metric.Data)
	if err != nil {
		return Sample{}, fmt.Errorf("decoding task metrics: %w", err)
	}

	sample := Sample{
		ReadAt:     time.Now(),
		OnlineCPUs: runtime.NumCPU(),
	}

	switch m := data.(type) {
	case *v1.Metrics:
		if m.Memory != nil && m.Memory.Usage != nil {
			sample.MemoryUsageBytes = m.Memory.Usage.Usage
			sample.MemoryLimitBytes = m.Memory.Usage.Limit
		}
		if m.CPU != nil {
			if m.CPU.Usage != nil {
				sample.CPUTotalNS = m.CPU.Usage.Total
			}
			if m.CPU.Throttling != nil {
				sample.ThrottledPeriods = m.CPU.Throttling.ThrottledPeriods
			}
		}
		if m.Pids != nil {
			sample.PIDs = m.Pids.Current
		}
		for _, n := range m.Network {
			sample.NetRxBytes += n.RxBytes
			sample.NetTxBytes += n.TxBytes
		}
	case *v2.Metrics:
		if m.Memory != nil {
			sample.MemoryUsageBytes = m.Memory.Usage
			sample.MemoryLimitBytes = m.Memory.UsageLimit
		}
		if m.CPU != nil {
			sample.CPUTotalNS = m.CPU.UsageUsec * 1000
			sample.ThrottledPeriods = m.CPU.NrThrottled
		}
		if m.Pids != nil {
			sample.PIDs = m.Pids.Current
		}
		// cgroup v2 metrics carry no per-sandbox network counters.
	default:
		return Sample{}, fmt.Errorf("unexpected metrics type %T", data)
	}

	systemNS, err := hostCPUTotalNS(procStat)
	if err != nil {
		return Sample{}, fmt.Errorf("reading host cpu time: %w", err)
	}
	sample.SystemCPUNS = systemNS

	return sample, nil
}
