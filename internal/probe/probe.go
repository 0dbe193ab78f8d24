// Package probe takes on-demand snapshots of host resources for the
// supervisor status broadcast and the system API. A snapshot never fails:
// capabilities the host lacks come back as zero values or nil.
package probe

import (
	"context"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// gpuQueryTimeout bounds the nvidia-smi call so a wedged driver cannot
// stall a supervisor tick.
const gpuQueryTimeout = 5 * time.Second

// Snapshot is a point-in-time view of host resources.
type Snapshot struct {
	CPUPercent float64 `json:"cpu_percent"`
	CPUCores   int     `json:"cpu_cores"`

	LoadAvg1m  float64 `json:"load_avg_1m"`
	LoadAvg5m  float64 `json:"load_avg_5m"`
	LoadAvg15m float64 `json:"load_avg_15m"`

	MemoryUsedBytes  uint64  `json:"memory_used_bytes"`
	MemoryTotalBytes uint64  `json:"memory_total_bytes"`
	MemoryPercent    float64 `json:"memory_percent"`

	// Disk figures are for the filesystem holding the data root.
	DiskUsedBytes  uint64  `json:"disk_used_bytes"`
	DiskTotalBytes uint64  `json:"disk_total_bytes"`
	DiskPercent    float64 `json:"disk_percent"`

	HostUptimeSeconds uint64 `json:"host_uptime_seconds"`

	// GPU is nil when no NVIDIA device (or nvidia-smi) is present.
	GPU *GPUInfo `json:"gpu,omitempty"`
}

// GPUInfo describes the first NVIDIA device reported by nvidia-smi.
type GPUInfo struct {
	Name               string  `json:"name"`
	MemoryUsedBytes    uint64  `json:"memory_used_bytes"`
	MemoryTotalBytes   uint64  `json:"memory_total_bytes"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

// Prober collects resource snapshots.
type Prober struct {
	dataRoot string
}

// New creates a prober whose disk figures cover the given data root.
func New(dataRoot string) *Prober {
	return &Prober{dataRoot: dataRoot}
}

// Snapshot collects the current resource view. Individual collectors that
// fail leave their fields at zero; the call itself always succeeds.
func (p *Prober) Snapshot(ctx context.Context) *Snapshot {
	snap := &Snapshot{
		CPUCores: runtime.NumCPU(),
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.LoadAvg1m = avg.Load1
		snap.LoadAvg5m = avg.Load5
		snap.LoadAvg15m = avg.Load15
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryUsedBytes = vm.Used
		snap.MemoryTotalBytes = vm.Total
		snap.MemoryPercent = vm.UsedPercent
	}

	if p.dataRoot != "" {
		if usage, err := disk.UsageWithContext(ctx, p.dataRoot); err == nil {
			snap.DiskUsedBytes = usage.Used
			snap.DiskTotalBytes = usage.Total
			snap.DiskPercent = usage.UsedPercent
		}
	}

	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		snap.HostUptimeSeconds = uptime
	}

	snap.GPU = queryGPU(ctx)

	return snap
}

// queryGPU reads the first device from nvidia-smi. Hosts without the tool
// or without a device return nil.
func queryGPU(ctx context.Context) *GPUInfo {
	ctx, cancel := context.WithTimeout(ctx, gpuQueryTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=name,memory.used,memory.total,utilization.gpu",
		"--format=csv,noheader,nounits")
	output, err := cmd.Output()
	if err != nil {
		return nil
	}

	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) == 0 {
		return nil
	}

	parts := strings.Split(lines[0], ", ")
	if len(parts) < 4 {
		return nil
	}

	memUsed, _ := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
	memTotal, _ := strconv.ParseUint(strings.TrimSpace(parts[2]), 10, 64)
	util, _ := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)

	return &GPUInfo{
		Name:               strings.TrimSpace(parts[0]),
		MemoryUsedBytes:    memUsed * 1024 * 1024,
		MemoryTotalBytes:   memTotal * 1024 * 1024,
		UtilizationPercent: util,
	}
}
