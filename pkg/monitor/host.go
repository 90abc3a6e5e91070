package monitor

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostMetrics reads memory and CPU usage of the local host.
type HostMetrics struct{}

// Usage implements MetricsSource. CPU usage is measured since the previous call.
func (HostMetrics) Usage(ctx context.Context) (float64, float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read memory stats: %w", err)
	}
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read cpu stats: %w", err)
	}
	var cpuUsage float64
	if len(percents) > 0 {
		cpuUsage = percents[0]
	}
	return vm.UsedPercent, cpuUsage, nil
}

// StaticMetrics is a fixed MetricsSource, used when host metrics are disabled.
type StaticMetrics struct {
	Memory float64
	CPU    float64
}

// Usage implements MetricsSource.
func (s StaticMetrics) Usage(context.Context) (float64, float64, error) {
	return s.Memory, s.CPU, nil
}
