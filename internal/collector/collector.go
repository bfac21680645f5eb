// Package collector produces the system snapshot carried in the
// node's liveness state and heartbeats. Collection is best-effort: a
// probe that fails on some platform is left out of the snapshot
// instead of failing the whole report.
package collector

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/mem"

	"github.com/amaydixit11/meshd/internal/core"
)

// Collector gathers host metrics for the SelfState loop
type Collector struct {
	dataDir string
}

// New creates a collector; dataDir locates the filesystem whose usage
// is reported
func New(dataDir string) *Collector {
	return &Collector{dataDir: dataDir}
}

// Snapshot returns the current system view as the loose map the wire
// format carries. Peers running different meshd versions may report
// different keys; consumers must treat the map as opaque.
func (c *Collector) Snapshot() map[string]interface{} {
	info := map[string]interface{}{
		"os":        runtime.GOOS,
		"arch":      runtime.GOARCH,
		"cpu_count": runtime.NumCPU(),
		"timestamp": core.Now(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info["hostname"] = hostname
	}
	if hi, err := host.Info(); err == nil {
		info["platform"] = hi.Platform
		info["platform_version"] = hi.PlatformVersion
		info["kernel"] = hi.KernelVersion
		info["uptime"] = hi.Uptime
	}
	if percents, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(percents) > 0 {
		info["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info["memory_total"] = vm.Total
		info["memory_used"] = vm.Used
		info["memory_percent"] = vm.UsedPercent
	}
	if du, err := disk.Usage(c.dataDir); err == nil {
		info["disk_total"] = du.Total
		info["disk_used"] = du.Used
		info["disk_percent"] = du.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		info["load_1"] = avg.Load1
		info["load_5"] = avg.Load5
		info["load_15"] = avg.Load15
	}
	return info
}
