// Package telemetry wraps nvidia-smi for GPU stats and hardware detection.
// Machines without the tool report zero values rather than failing.
package telemetry

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// GPUStats is one nvidia-smi sample.
type GPUStats struct {
	UsagePercent  float32
	MemoryUsedMB  uint32
	MemoryTotalMB uint32
	TemperatureC  float32
	PowerDrawW    float32
}

// Monitor samples GPU utilization for heartbeats and status output.
type Monitor struct{}

func NewMonitor() *Monitor { return &Monitor{} }

// Stats returns the current GPU sample, or all zeros when no supported
// GPU tooling is present.
func (m *Monitor) Stats() GPUStats {
	stats, err := queryNvidiaStats()
	if err != nil {
		return GPUStats{}
	}
	return stats
}

func (m *Monitor) GPUUsage() float32 { return m.Stats().UsagePercent }

// CPUUsage always reports zero: a meaningful figure needs two /proc/stat
// samples spaced apart, which would stall the heartbeat path.
func (m *Monitor) CPUUsage() float32 { return 0 }

func (m *Monitor) Temperature() float32 { return m.Stats().TemperatureC }

func (m *Monitor) MemoryUsage() float32 {
	s := m.Stats()
	if s.MemoryTotalMB == 0 {
		return 0
	}
	return float32(s.MemoryUsedMB) / float32(s.MemoryTotalMB) * 100
}

func (m *Monitor) AvailableVRAMGb() float32 {
	s := m.Stats()
	if s.MemoryTotalMB < s.MemoryUsedMB {
		return 0
	}
	return float32(s.MemoryTotalMB-s.MemoryUsedMB) / 1024
}

func queryNvidiaStats() (GPUStats, error) {
	out, err := exec.Command("nvidia-smi",
		"--query-gpu=utilization.gpu,memory.used,memory.total,temperature.gpu,power.draw",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return GPUStats{}, fmt.Errorf("run nvidia-smi: %w", err)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	parts := splitCSV(line)
	if len(parts) < 5 {
		return GPUStats{}, fmt.Errorf("unexpected nvidia-smi output: %q", line)
	}
	return GPUStats{
		UsagePercent:  parseF32(parts[0]),
		MemoryUsedMB:  uint32(parseF32(parts[1])),
		MemoryTotalMB: uint32(parseF32(parts[2])),
		TemperatureC:  parseF32(parts[3]),
		PowerDrawW:    parseF32(parts[4]),
	}, nil
}

func splitCSV(line string) []string {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseF32(s string) float32 {
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0
	}
	return float32(v)
}
