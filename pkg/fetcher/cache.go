package fetcher

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/psantana5/script-supervisor/pkg/models"
)

// MetadataFile is stored next to the cached script in the src mount
const MetadataFile = ".script.json"

// ScriptMode is applied to the cached script
const ScriptMode os.FileMode = 0o755

// Cache is the on-disk copy of the last good script and its metadata
type Cache struct {
	dir  string
	name string
}

// NewCache returns a cache rooted at dir storing the script as name
func NewCache(dir, name string) *Cache {
	return &Cache{dir: dir, name: name}
}

// ScriptPath returns the path of the cached script
func (c *Cache) ScriptPath() string {
	return filepath.Join(c.dir, c.name)
}

func (c *Cache) metadataPath() string {
	return filepath.Join(c.dir, MetadataFile)
}

// Load returns the cached source if its metadata is readable and the file
// on disk still matches the recorded digest
func (c *Cache) Load() (*models.ScriptSource, bool) {
	meta, err := os.ReadFile(c.metadataPath())
	if err != nil {
		return nil, false
	}
	var src models.ScriptSource
	if err := json.Unmarshal(meta, &src); err != nil {
		return nil, false
	}
	if src.CachedPath != c.ScriptPath() {
		return nil, false
	}
	data, err := os.ReadFile(src.CachedPath)
	if err != nil {
		return nil, false
	}
	if Digest(data) != src.Checksum {
		return nil, false
	}
	return &src, true
}

// Store replaces the cached script with data and records src as metadata.
// When data is already the cached content only the metadata is rewritten.
// Both files are staged before anything is renamed and the previous script
// is put back if the metadata cannot be committed, so a failed Store leaves
// the cache as it was.
func (c *Cache) Store(data []byte, src *models.ScriptSource, unchanged bool) error {
	meta, err := json.MarshalIndent(src, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	var scriptTmp string
	if !unchanged {
		if scriptTmp, err = writeTemp(c.dir, c.name, data, ScriptMode); err != nil {
			return fmt.Errorf("write script: %w", err)
		}
		defer os.Remove(scriptTmp)
	}
	metaTmp, err := writeTemp(c.dir, MetadataFile, meta, 0o644)
	if err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	defer os.Remove(metaTmp)

	if !unchanged {
		path := c.ScriptPath()
		prev, err := c.keepPrevious()
		if err != nil {
			return fmt.Errorf("write script: keep previous copy: %w", err)
		}
		if prev != "" {
			defer os.Remove(prev)
		}
		if err := os.Rename(scriptTmp, path); err != nil {
			return fmt.Errorf("write script: %w", err)
		}
		if err := os.Rename(metaTmp, c.metadataPath()); err != nil {
			if prev != "" {
				os.Rename(prev, path)
			} else {
				os.Remove(path)
			}
			return fmt.Errorf("write metadata: %w", err)
		}
	} else if err := os.Rename(metaTmp, c.metadataPath()); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	syncDir(c.dir)
	return nil
}

// keepPrevious links the current script to a side path so it can be put back.
// Filesystems without hard links get a copy. An empty path means there is no
// current script.
func (c *Cache) keepPrevious() (string, error) {
	path := c.ScriptPath()
	if _, err := os.Lstat(path); os.IsNotExist(err) {
		return "", nil
	}
	prev := filepath.Join(c.dir, tempPrefix(c.name)+".prev")
	os.Remove(prev)
	if err := os.Link(path, prev); err == nil {
		return prev, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return writeTemp(c.dir, c.name, data, ScriptMode)
}

// writeTemp writes data to a fsynced temp file in dir that will later be
// renamed to name, and returns its path
func writeTemp(dir, name string, data []byte, mode os.FileMode) (string, error) {
	tmp, err := os.CreateTemp(dir, tempPrefix(name)+".tmp-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	fail := func(err error) (string, error) {
		tmp.Close()
		os.Remove(tmpPath)
		return "", err
	}

	if _, err := tmp.Write(data); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Chmod(mode); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	return tmpPath, nil
}

// tempPrefix hides staging files: "robot.py" -> ".robot.py",
// ".script.json" stays ".script.json"
func tempPrefix(name string) string {
	return "." + strings.TrimPrefix(name, ".")
}

// syncDir persists renames in dir
func syncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
}
