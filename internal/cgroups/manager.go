package cgroups

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	cgroupRoot = "/sys/fs/cgroup"
	groupName  = "script-supervisor"
)

// Manager handles cgroup lifecycle for script runs.
// Every step is best effort: a run never fails because of cgroups.
type Manager struct {
	root    string
	version int
}

// New creates a cgroup manager for the host hierarchy
func New() *Manager {
	return &Manager{
		root:    cgroupRoot,
		version: Version(),
	}
}

// NewWithRoot creates a manager over an alternate hierarchy
func NewWithRoot(root string, version int) *Manager {
	return &Manager{root: root, version: version}
}

// Version returns the hierarchy version the manager writes for
func (m *Manager) Version() int {
	return m.version
}

// Create creates a cgroup directory for one run.
// Returns an empty path without error when the hierarchy is not writable.
func (m *Manager) Create(runID string) (string, error) {
	if runID == "" {
		runID = fmt.Sprintf("unnamed-%d", os.Getpid())
	}
	name := filepath.Join(groupName, runID)

	if m.version == 2 {
		return m.mkdir(filepath.Join(m.root, name))
	}

	cpuPath, err := m.mkdir(filepath.Join(m.root, "cpu", name))
	if err != nil || cpuPath == "" {
		return cpuPath, err
	}
	os.MkdirAll(filepath.Join(m.root, "memory", name), 0o755)
	return cpuPath, nil
}

func (m *Manager) mkdir(path string) (string, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		if os.IsPermission(err) || os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return path, nil
}

// Join moves a PID into the cgroup
func (m *Manager) Join(cgroupPath string, pid int) error {
	if cgroupPath == "" {
		return nil
	}
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}

	procs := []byte(fmt.Sprintf("%d", pid))
	if err := os.WriteFile(filepath.Join(cgroupPath, "cgroup.procs"), procs, 0o644); err != nil {
		return err
	}
	if m.version == 1 {
		os.WriteFile(filepath.Join(m.memoryPath(cgroupPath), "cgroup.procs"), procs, 0o644)
	}
	return nil
}

// Apply creates a cgroup for runID, moves pid into it and writes limits.
// It returns the path to pass to Delete, or "" if no cgroup was used.
func (m *Manager) Apply(runID string, pid int, limits *Limits) (string, error) {
	if limits == nil {
		return "", nil
	}
	path, err := m.Create(runID)
	if err != nil || path == "" {
		return "", err
	}
	if err := m.Join(path, pid); err != nil {
		m.Delete(path)
		return "", fmt.Errorf("join cgroup: %w", err)
	}

	var errs []string
	if err := m.WriteCPUMax(path, limits.CPUMax); err != nil {
		errs = append(errs, err.Error())
	}
	if err := m.WriteMemoryMax(path, limits.MemoryMax); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return path, fmt.Errorf("write limits: %s", strings.Join(errs, "; "))
	}
	return path, nil
}

// Delete removes the cgroup directory
func (m *Manager) Delete(cgroupPath string) error {
	if cgroupPath == "" {
		return nil
	}
	if m.version == 1 {
		os.Remove(m.memoryPath(cgroupPath))
	}
	return os.Remove(cgroupPath)
}

func (m *Manager) memoryPath(cpuPath string) string {
	cpuRoot := filepath.Join(m.root, "cpu") + string(filepath.Separator)
	if !strings.HasPrefix(cpuPath, cpuRoot) {
		return cpuPath
	}
	return filepath.Join(m.root, "memory", strings.TrimPrefix(cpuPath, cpuRoot))
}
