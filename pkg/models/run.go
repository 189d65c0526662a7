package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies how a single execution attempt ended
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"      // exit code 0
	OutcomeFailureExit Outcome = "failure_exit" // exit code != 0
	OutcomeCrashed     Outcome = "crashed"      // killed by signal or failed to start
	OutcomeTimeout     Outcome = "timeout"      // exceeded MAX_RUNTIME_SECONDS
)

// IsSuccess returns true if the outcome resets the failure counter
func (o Outcome) IsSuccess() bool {
	return o == OutcomeSuccess
}

// Valid returns true for the four known outcomes
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailureExit, OutcomeCrashed, OutcomeTimeout:
		return true
	}
	return false
}

// ErrRecordSealed is returned when a sealed RunRecord is modified
var ErrRecordSealed = errors.New("run record already sealed")

// RunRecord is the record of one execution attempt.
// It is created when the attempt starts and sealed exactly once when it ends.
// After Seal the record must be treated as read-only.
type RunRecord struct {
	ID        string    `json:"id"`
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Outcome   Outcome   `json:"outcome"`
	Signal    string    `json:"signal,omitempty"`

	Checksum    string `json:"checksum,omitempty"`
	StaleScript bool   `json:"stale_script,omitempty"`
	LogPath     string `json:"log_path,omitempty"`
	PID         int    `json:"pid,omitempty"`

	PeakRSSBytes uint64 `json:"peak_rss_bytes,omitempty"`
	Interrupted  bool   `json:"interrupted,omitempty"` // stopped by operator
	Error        string `json:"error,omitempty"`

	Sealed bool `json:"sealed"`
}

// NewRunRecord creates an open record for the given attempt
func NewRunRecord(attempt int, src *ScriptSource) *RunRecord {
	r := &RunRecord{
		ID:        uuid.New().String(),
		Attempt:   attempt,
		StartedAt: time.Now().UTC(),
	}
	if src != nil {
		r.Checksum = src.Checksum
		r.StaleScript = src.Stale
	}
	return r
}

// Seal records the outcome and end time. A record can only be sealed once.
func (r *RunRecord) Seal(outcome Outcome, exitCode *int) error {
	if r.Sealed {
		return ErrRecordSealed
	}
	if !outcome.Valid() {
		return fmt.Errorf("invalid outcome %q", outcome)
	}

	r.Outcome = outcome
	if exitCode != nil {
		code := *exitCode
		r.ExitCode = &code
	}
	r.EndedAt = time.Now().UTC()
	if r.EndedAt.Before(r.StartedAt) {
		r.EndedAt = r.StartedAt
	}
	r.Sealed = true
	return nil
}

// Duration returns how long the attempt ran
func (r *RunRecord) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// ExitCodeString renders the exit code for logs and tables
func (r *RunRecord) ExitCodeString() string {
	if r.ExitCode == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *r.ExitCode)
}

// IntPtr is a small helper for optional exit codes
func IntPtr(v int) *int {
	return &v
}
