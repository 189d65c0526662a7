package models

import "time"

// ScriptSource describes the locally cached copy of the remote script.
// CachedPath is only set after a successful fetch and verify cycle.
type ScriptSource struct {
	URL          string    `json:"url"`
	CachedPath   string    `json:"cached_path"`
	Checksum     string    `json:"checksum"` // "blake3:<hex>"
	Size         int64     `json:"size"`
	FetchedAt    time.Time `json:"fetched_at"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`

	// Stale is true when the remote was unreachable and the last good
	// cache is being reused. Never persisted.
	Stale bool `json:"-"`
}

// Usable reports whether the source points at a verified cached script
func (s *ScriptSource) Usable() bool {
	return s != nil && s.CachedPath != "" && s.Checksum != ""
}

// AsStale returns a copy of the source marked as a stale fallback
func (s *ScriptSource) AsStale() *ScriptSource {
	cp := *s
	cp.Stale = true
	return &cp
}
