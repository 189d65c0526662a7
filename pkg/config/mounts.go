package config

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// MountMode is the permission applied to mount directories the supervisor creates
const MountMode os.FileMode = 0o775

// PersistentMounts are the four directories that outlive any single run.
// Their contents belong to the executed script.
type PersistentMounts struct {
	DB   string `json:"db"`
	Src  string `json:"src"`
	Tmp  string `json:"tmp"`
	Logs string `json:"logs"`
}

// Mount is a named mount path
type Mount struct {
	Key  string
	Path string
}

// List returns the mounts with their environment keys, in a stable order
func (m PersistentMounts) List() []Mount {
	return []Mount{
		{KeyDBDir, m.DB},
		{KeySrcDir, m.Src},
		{KeyTmpDir, m.Tmp},
		{KeyLogsDir, m.Logs},
	}
}

// RunsDir is where the supervisor keeps captured streams and run history
func (m PersistentMounts) RunsDir() string {
	return filepath.Join(m.Logs, "runs")
}

// Check verifies that every mount exists, is a directory and is writable.
// It never creates anything.
func (m PersistentMounts) Check() error {
	for _, mt := range m.List() {
		if err := checkDir(mt); err != nil {
			return err
		}
	}
	return nil
}

// Ensure creates missing mounts, restores owner rwx permissions and then
// verifies writability. It does not touch anything inside the mounts.
func (m PersistentMounts) Ensure() error {
	for _, mt := range m.List() {
		if err := os.MkdirAll(mt.Path, MountMode); err != nil {
			return &ConfigError{Kind: PathNotWritable, Key: mt.Key, Path: mt.Path, Err: err}
		}
		info, err := os.Stat(mt.Path)
		if err != nil {
			return &ConfigError{Kind: PathNotWritable, Key: mt.Key, Path: mt.Path, Err: err}
		}
		if info.Mode().Perm()&0o700 != 0o700 {
			if err := os.Chmod(mt.Path, info.Mode().Perm()|0o700); err != nil {
				return &ConfigError{Kind: PathNotWritable, Key: mt.Key, Path: mt.Path, Err: err}
			}
		}
		if err := checkDir(mt); err != nil {
			return err
		}
	}
	return nil
}

// Check verifies a single mount the way PersistentMounts.Check does
func (mt Mount) Check() error {
	return checkDir(mt)
}

func checkDir(mt Mount) error {
	info, err := os.Stat(mt.Path)
	if err != nil {
		return &ConfigError{Kind: PathNotWritable, Key: mt.Key, Path: mt.Path, Err: err}
	}
	if !info.IsDir() {
		return &ConfigError{Kind: PathNotWritable, Key: mt.Key, Path: mt.Path, Err: fmt.Errorf("not a directory")}
	}
	if err := unix.Access(mt.Path, unix.W_OK|unix.X_OK); err != nil {
		return &ConfigError{Kind: PathNotWritable, Key: mt.Key, Path: mt.Path, Err: err}
	}
	return nil
}

// DiskSpaceInfo contains disk space information for a mount
type DiskSpaceInfo struct {
	Path        string  `json:"path"`
	TotalMB     uint64  `json:"total_mb"`
	AvailableMB uint64  `json:"available_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// CheckDiskSpace checks available disk space for a path
func CheckDiskSpace(path string) (*DiskSpaceInfo, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return nil, fmt.Errorf("failed to check disk space: %w", err)
	}

	totalMB := (stat.Blocks * uint64(stat.Bsize)) / (1024 * 1024)
	availableMB := (stat.Bavail * uint64(stat.Bsize)) / (1024 * 1024)
	usedPercent := 0.0
	if totalMB > 0 {
		usedPercent = (float64(totalMB-availableMB) / float64(totalMB)) * 100
	}

	return &DiskSpaceInfo{
		Path:        path,
		TotalMB:     totalMB,
		AvailableMB: availableMB,
		UsedPercent: usedPercent,
	}, nil
}

// LowDiskSpace returns the mounts with less than minFreeMB available.
// A zero threshold disables the check.
func (m PersistentMounts) LowDiskSpace(minFreeMB uint64) ([]*DiskSpaceInfo, error) {
	if minFreeMB == 0 {
		return nil, nil
	}
	var low []*DiskSpaceInfo
	for _, mt := range m.List() {
		info, err := CheckDiskSpace(mt.Path)
		if err != nil {
			return nil, err
		}
		if info.AvailableMB < minFreeMB {
			low = append(low, info)
		}
	}
	return low, nil
}
