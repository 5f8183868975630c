// Package sysstat sbírá stav procesu ingestoru a hostitele pro /health
// a pro periodické hlášení do MQTT.
package sysstat

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const mb = 1024.0 * 1024.0

// Stats je jeden snímek. Chybějící údaje (chyba čtení) zůstávají nulové.
type Stats struct {
	At time.Time `json:"at"`

	ProcessRSSMB      float64 `json:"process_rss_mb"`
	ProcessCPUPercent float64 `json:"process_cpu_percent"`
	Goroutines        int     `json:"goroutines"`

	HostCPUPercent float64 `json:"host_cpu_percent"`
	RAMUsedMB      float64 `json:"ram_used_mb"`
	RAMTotalMB     float64 `json:"ram_total_mb"`
	DiskUsedGB     float64 `json:"disk_used_gb"`
	DiskTotalGB    float64 `json:"disk_total_gb"`
}

type Collector struct {
	proc   *process.Process
	logger *slog.Logger
}

func NewCollector(logger *slog.Logger) *Collector {
	c := &Collector{logger: logger}
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("Vlastní proces nejde sledovat", "error", err)
	} else {
		c.proc = p
	}
	return c
}

// Collect neblokuje: CPU se počítá od předchozího volání (interval 0).
func (c *Collector) Collect() Stats {
	s := Stats{At: time.Now(), Goroutines: runtime.NumGoroutine()}

	if c.proc != nil {
		if mi, err := c.proc.MemoryInfo(); err == nil {
			s.ProcessRSSMB = float64(mi.RSS) / mb
		}
		if pct, err := c.proc.CPUPercent(); err == nil {
			s.ProcessCPUPercent = pct
		}
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.HostCPUPercent = pct[0]
	} else if err != nil {
		c.logger.Debug("Chyba při čtení CPU statistik", "error", err)
	}

	// vm.Used by zahrnovalo i diskovou cache, proto Total - Available.
	if vm, err := mem.VirtualMemory(); err == nil {
		s.RAMUsedMB = float64(vm.Total-vm.Available) / mb
		s.RAMTotalMB = float64(vm.Total) / mb
	} else {
		c.logger.Debug("Chyba při čtení RAM statistik", "error", err)
	}

	if du, err := disk.Usage("/"); err == nil {
		s.DiskUsedGB = float64(du.Used) / mb / 1024.0
		s.DiskTotalGB = float64(du.Total) / mb / 1024.0
	} else {
		c.logger.Debug("Chyba při čtení statistik disku", "error", err)
	}
	return s
}

// Run volá sink hned po startu a pak každý interval, dokud se nezruší ctx.
func (c *Collector) Run(ctx context.Context, interval time.Duration, sink func(Stats)) {
	sink(c.Collect())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sink(c.Collect())
		}
	}
}
