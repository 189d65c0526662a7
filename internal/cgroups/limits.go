package cgroups

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// DefaultCPUPeriod is the CFS period used to express CPU quotas (100ms)
const DefaultCPUPeriod = 100000

// Limits defines what can be written to the child's cgroup
type Limits struct {
	CPUMax    string // "quota period" or "max"
	MemoryMax int64  // bytes, 0 = no limit
}

// LimitsFor converts MEMORY_LIMIT_MB and CPU_QUOTA_PERCENT into Limits.
// It returns nil when neither is set.
func LimitsFor(memoryMB int64, cpuPercent int) *Limits {
	if memoryMB <= 0 && cpuPercent <= 0 {
		return nil
	}
	l := &Limits{}
	if memoryMB > 0 {
		l.MemoryMax = memoryMB * 1024 * 1024
	}
	if cpuPercent > 0 {
		quota := cpuPercent * DefaultCPUPeriod / 100
		l.CPUMax = fmt.Sprintf("%d %d", quota, DefaultCPUPeriod)
	}
	return l
}

// Version returns detected cgroup version (1 or 2)
func Version() int {
	if _, err := os.Stat("/sys/fs/cgroup/cgroup.controllers"); err == nil {
		return 2
	}
	return 1
}

// WriteCPUMax writes cpu.max (v2) or cpu.cfs_quota_us + cpu.cfs_period_us (v1)
func (m *Manager) WriteCPUMax(cgroupPath string, value string) error {
	if value == "" {
		return nil
	}

	if m.version == 2 {
		return os.WriteFile(filepath.Join(cgroupPath, "cpu.max"), []byte(value), 0o644)
	}

	var quota, period int
	if value == "max" {
		quota, period = -1, DefaultCPUPeriod
	} else if _, err := fmt.Sscanf(value, "%d %d", &quota, &period); err != nil {
		return fmt.Errorf("invalid cpu.max value %q: %w", value, err)
	}
	if err := os.WriteFile(filepath.Join(cgroupPath, "cpu.cfs_period_us"), []byte(strconv.Itoa(period)), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cgroupPath, "cpu.cfs_quota_us"), []byte(strconv.Itoa(quota)), 0o644)
}

// WriteMemoryMax writes memory.max (v2) or memory.limit_in_bytes (v1)
func (m *Manager) WriteMemoryMax(cgroupPath string, bytes int64) error {
	if bytes < 0 {
		return fmt.Errorf("invalid memory limit: %d", bytes)
	}
	if bytes == 0 {
		return nil
	}

	value := []byte(strconv.FormatInt(bytes, 10))
	if m.version == 2 {
		return os.WriteFile(filepath.Join(cgroupPath, "memory.max"), value, 0o644)
	}
	return os.WriteFile(filepath.Join(m.memoryPath(cgroupPath), "memory.limit_in_bytes"), value, 0o644)
}
