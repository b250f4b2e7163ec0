// Package conditions checks host resources before a reconstruction is launched
package conditions

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	defaultMaxConcurrent = 4
	defaultCPUInterval   = 200 * time.Millisecond
	defaultCustomTimeout = 30 * time.Second
)

// Config defines launch conditions, nil and empty values are not checked
type Config struct {
	CPUBelow      *int     // cpu usage percent
	MemoryBelow   *int     // memory usage percent
	LoadAvgBelow  *float64 // 1 minute load average
	DiskFreeAbove *int     // free disk percent
	DiskFreePath  string   // defaults to the working directory of the job
	Custom        string   // shell command, condition met on exit code 0
}

// Empty reports whether no condition is set
func (c Config) Empty() bool {
	return c.CPUBelow == nil && c.MemoryBelow == nil && c.LoadAvgBelow == nil && c.DiskFreeAbove == nil && c.Custom == ""
}

// Checker verifies conditions, number of concurrent checks is limited
type Checker struct {
	Config        Config
	CPUInterval   time.Duration
	CustomTimeout time.Duration
	sem           chan struct{}
}

// NewChecker makes checker for conditions, maxConcurrent <= 0 uses default
func NewChecker(cfg Config, maxConcurrent int) *Checker {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &Checker{Config: cfg, CPUInterval: defaultCPUInterval, CustomTimeout: defaultCustomTimeout,
		sem: make(chan struct{}, maxConcurrent)}
}

// Check verifies all conditions for a job in workDir.
// Returns true if conditions are satisfied, false with reason otherwise.
func (c *Checker) Check(ctx context.Context, workDir string) (bool, string) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return false, ctx.Err().Error()
	}

	cfg := c.Config
	if cfg.CPUBelow != nil {
		if ok, reason := c.checkCPU(*cfg.CPUBelow); !ok {
			return false, reason
		}
	}
	if cfg.MemoryBelow != nil {
		if ok, reason := c.checkMemory(*cfg.MemoryBelow); !ok {
			return false, reason
		}
	}
	if cfg.LoadAvgBelow != nil {
		if ok, reason := c.checkLoadAvg(*cfg.LoadAvgBelow); !ok {
			return false, reason
		}
	}
	if cfg.DiskFreeAbove != nil {
		path := cfg.DiskFreePath
		if path == "" {
			path = workDir
		}
		if path == "" {
			path = "/"
		}
		if ok, reason := c.checkDiskFree(*cfg.DiskFreeAbove, path); !ok {
			return false, reason
		}
	}
	if cfg.Custom != "" {
		if ok, reason := c.checkCustom(ctx, cfg.Custom, workDir); !ok {
			return false, reason
		}
	}
	return true, ""
}

func (c *Checker) checkCPU(threshold int) (bool, string) {
	interval := c.CPUInterval
	if interval <= 0 {
		interval = defaultCPUInterval
	}
	cpuPercent, err := cpu.Percent(interval, false)
	if err != nil {
		return false, fmt.Sprintf("failed to get CPU: %v", err)
	}
	if len(cpuPercent) == 0 {
		return false, "no CPU data available"
	}
	if current := int(cpuPercent[0]); current >= threshold {
		return false, fmt.Sprintf("CPU at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

func (c *Checker) checkMemory(threshold int) (bool, string) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return false, fmt.Sprintf("failed to get memory: %v", err)
	}
	if current := int(v.UsedPercent); current >= threshold {
		return false, fmt.Sprintf("memory at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

func (c *Checker) checkLoadAvg(threshold float64) (bool, string) {
	loads, err := load.Avg()
	if err != nil {
		return false, fmt.Sprintf("failed to get load average: %v", err)
	}
	if loads.Load1 >= threshold {
		return false, fmt.Sprintf("load at %.2f, threshold %.2f", loads.Load1, threshold)
	}
	return true, ""
}

// checkDiskFree verifies free space on the volume results are written to
func (c *Checker) checkDiskFree(minFreePercent int, path string) (bool, string) {
	usage, err := disk.Usage(path)
	if err != nil {
		return false, fmt.Sprintf("failed to get disk usage for %s: %v", path, err)
	}
	if freePercent := 100 - int(usage.UsedPercent); freePercent < minFreePercent {
		return false, fmt.Sprintf("disk free at %d%%, need %d%% on %s", freePercent, minFreePercent, path)
	}
	return true, ""
}

// checkCustom runs the script in the working directory, i.e. a gpu availability probe
func (c *Checker) checkCustom(ctx context.Context, script, workDir string) (bool, string) {
	timeout := c.CustomTimeout
	if timeout <= 0 {
		timeout = defaultCustomTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", script) // nolint gosec
	cmd.Dir = workDir
	if out, err := cmd.CombinedOutput(); err != nil {
		log.Printf("[DEBUG] custom check %q failed, %v, output %q", script, err, string(out))
		return false, fmt.Sprintf("custom check failed: %v", err)
	}
	return true, ""
}
