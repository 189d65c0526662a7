package sandbox

import "fmt"

// ErrorKind classifies why an execution did not produce a normal exit
type ErrorKind string

const (
	Crashed ErrorKind = "crashed"
	Timeout ErrorKind = "timeout"
)

// ExecutionError describes an abnormal end of a run. Run never returns it;
// its text is stored in RunRecord.Error.
type ExecutionError struct {
	Kind    ErrorKind
	Attempt int
	Err     error
}

// Error implements error interface
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("attempt %d %s: %v", e.Attempt, e.Kind, e.Err)
}

// Unwrap returns the underlying error
func (e *ExecutionError) Unwrap() error {
	return e.Err
}
