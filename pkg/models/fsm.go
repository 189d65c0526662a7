package models

import (
	"fmt"
	"time"
)

// Phase is a supervisor loop state
type Phase string

const (
	PhaseStarting   Phase = "starting"   // before the first fetch
	PhaseFetching   Phase = "fetching"   // resolving and caching the script
	PhaseExecuting  Phase = "executing"  // child process running
	PhaseEvaluating Phase = "evaluating" // classifying the RunRecord
	PhaseBackoff    Phase = "backoff"    // waiting before the next fetch
	PhaseHalted     Phase = "halted"     // operator stop, terminal
)

// AllPhases lists phases in loop order
var AllPhases = []Phase{
	PhaseStarting,
	PhaseFetching,
	PhaseExecuting,
	PhaseEvaluating,
	PhaseBackoff,
	PhaseHalted,
}

// validTransitions maps from-phase to allowed to-phases
var validTransitions = map[Phase]map[Phase]bool{
	PhaseStarting: {
		PhaseFetching: true,
		PhaseHalted:   true,
	},
	PhaseFetching: {
		PhaseExecuting: true, // fetched or stale fallback
		PhaseBackoff:   true, // fetch failed, no fallback
		PhaseHalted:    true,
	},
	PhaseExecuting: {
		PhaseEvaluating: true, // always, once the RunRecord is back
	},
	PhaseEvaluating: {
		PhaseFetching: true, // success
		PhaseBackoff:  true, // failure_exit, crashed, timeout
		PhaseHalted:   true,
	},
	PhaseBackoff: {
		PhaseFetching: true,
		PhaseHalted:   true,
	},
	// Terminal
	PhaseHalted: {},
}

// ValidateTransition checks if a phase transition is valid
func ValidateTransition(from, to Phase) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source phase: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalPhase returns true if no further transitions are allowed
func IsTerminalPhase(p Phase) bool {
	return p == PhaseHalted
}

// SupervisorState lives for the lifetime of the supervisor process
type SupervisorState struct {
	Phase                    Phase      `json:"phase"`
	Attempt                  int        `json:"attempt"` // last attempt number used
	ConsecutiveFailures      int        `json:"consecutive_failures"`
	ConsecutiveFetchFailures int        `json:"consecutive_fetch_failures"`
	LastOutcome              Outcome    `json:"last_outcome,omitempty"`
	BackoffUntil             *time.Time `json:"backoff_until,omitempty"`
	LastFetchError           string     `json:"last_fetch_error,omitempty"`
	UpdatedAt                time.Time  `json:"updated_at"`
}

// RecordOutcome applies the evaluation rules for a finished run
func (s *SupervisorState) RecordOutcome(o Outcome) {
	s.LastOutcome = o
	if o.IsSuccess() {
		s.ConsecutiveFailures = 0
		s.BackoffUntil = nil
		return
	}
	s.ConsecutiveFailures++
}

// RecordFetch applies fetch bookkeeping. ConsecutiveFailures is never touched.
func (s *SupervisorState) RecordFetch(err error) {
	if err == nil {
		s.ConsecutiveFetchFailures = 0
		s.LastFetchError = ""
		return
	}
	s.ConsecutiveFetchFailures++
	s.LastFetchError = err.Error()
}
