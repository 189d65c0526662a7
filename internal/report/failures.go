package report

import (
	"sync"
	"time"

	"github.com/psantana5/script-supervisor/pkg/models"
)

// FailureSample is the short form of a failed attempt
type FailureSample struct {
	Attempt  int            `json:"attempt"`
	RunID    string         `json:"run_id"`
	Outcome  models.Outcome `json:"outcome"`
	ExitCode *int           `json:"exit_code,omitempty"`
	Signal   string         `json:"signal,omitempty"`
	Duration float64        `json:"duration_seconds"`
	EndedAt  time.Time      `json:"ended_at"`
	Error    string         `json:"error,omitempty"`
	LogPath  string         `json:"log_path,omitempty"`
}

// FailureLog maintains a ring buffer of recent failed attempts (last N)
type FailureLog struct {
	samples []FailureSample
	maxSize int
	total   int
	mu      sync.RWMutex
}

// DefaultFailureLogSize is the number of failures kept in memory
const DefaultFailureLogSize = 50

// NewFailureLog creates a failure log with fixed size
func NewFailureLog(maxSize int) *FailureLog {
	if maxSize <= 0 {
		maxSize = DefaultFailureLogSize
	}
	return &FailureLog{
		samples: make([]FailureSample, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record adds a sample if the attempt did not succeed
func (f *FailureLog) Record(r *models.RunRecord) {
	if r == nil || r.Outcome.IsSuccess() {
		return
	}

	sample := FailureSample{
		Attempt:  r.Attempt,
		RunID:    r.ID,
		Outcome:  r.Outcome,
		ExitCode: r.ExitCode,
		Signal:   r.Signal,
		Duration: r.Duration().Seconds(),
		EndedAt:  r.EndedAt,
		Error:    r.Error,
		LogPath:  r.LogPath,
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Ring buffer: if full, drop oldest
	if len(f.samples) >= f.maxSize {
		f.samples = f.samples[1:]
	}
	f.samples = append(f.samples, sample)
	f.total++
}

// GetRecent returns recent failures (newest first)
func (f *FailureLog) GetRecent(n int) []FailureSample {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if n <= 0 || n > len(f.samples) {
		n = len(f.samples)
	}

	result := make([]FailureSample, n)
	for i := 0; i < n; i++ {
		result[i] = f.samples[len(f.samples)-1-i]
	}
	return result
}

// Count returns the number of failures currently buffered
func (f *FailureLog) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.samples)
}

// Total returns the number of failures recorded since start
func (f *FailureLog) Total() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.total
}
