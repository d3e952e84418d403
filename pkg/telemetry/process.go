package telemetry

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/process"
	"go.opentelemetry.io/otel/metric"
)

// registerProcessMetrics exposes CPU and resident memory of this process
func registerProcessMetrics(meter metric.Meter) error {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return fmt.Errorf("failed to open own process: %w", err)
	}

	cpu, err := meter.Float64ObservableGauge(
		"process.cpu.percent",
		metric.WithDescription("Process CPU usage normalized to the number of cores"),
		metric.WithUnit("%"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cpu gauge: %w", err)
	}
	rss, err := meter.Int64ObservableGauge(
		"process.memory.rss",
		metric.WithDescription("Process resident set size"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create rss gauge: %w", err)
	}

	numCPU := float64(runtime.NumCPU())
	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if pct, err := proc.PercentWithContext(ctx, 0); err == nil {
			if numCPU > 0 {
				pct /= numCPU
			}
			o.ObserveFloat64(cpu, pct)
		}
		if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
			o.ObserveInt64(rss, int64(mem.RSS))
		}
		return nil
	}, cpu, rss)
	if err != nil {
		return fmt.Errorf("failed to register process callback: %w", err)
	}
	return nil
}
