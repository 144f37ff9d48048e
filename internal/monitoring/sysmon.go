package monitoring

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemMonitor samples host CPU and memory on an interval and publishes
// them as gauges. The samples also feed the warn log when usage is high so
// capacity problems show up before clients do.
type SystemMonitor struct {
	interval time.Duration
	logger   zerolog.Logger
}

func NewSystemMonitor(interval time.Duration, logger zerolog.Logger) *SystemMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &SystemMonitor{
		interval: interval,
		logger:   logger.With().Str("component", "sysmon").Logger(),
	}
}

// Run blocks sampling until ctx is cancelled. Intended to be launched as
// its own goroutine.
func (m *SystemMonitor) Run(ctx context.Context) {
	defer RecoverPanic(m.logger, "sysmon", nil)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *SystemMonitor) sample() {
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		CPUUsagePercent.Set(percents[0])
		if percents[0] > 90 {
			m.logger.Warn().Float64("cpu_percent", percents[0]).Msg("high CPU usage")
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		MemoryUsedBytes.Set(float64(vm.Used))
		if vm.UsedPercent > 90 {
			m.logger.Warn().Float64("mem_percent", vm.UsedPercent).Msg("high memory usage")
		}
	}
}
