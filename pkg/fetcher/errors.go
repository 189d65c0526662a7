package fetcher

import (
	"errors"
	"fmt"
)

// ErrorKind classifies fetch failures for the supervisor's fallback decision
type ErrorKind string

const (
	// Unreachable means the remote could not be asked: transport error,
	// timeout, 5xx or 429. A stale cache may be used.
	Unreachable ErrorKind = "unreachable"
	// InvalidContent means the remote answered with something that is not
	// a usable script. The cache is left untouched.
	InvalidContent ErrorKind = "invalid_content"
	// WriteFailure means the src mount could not be updated
	WriteFailure ErrorKind = "write_failure"
)

// FetchError is returned by Fetch. It is always recoverable.
type FetchError struct {
	Kind ErrorKind
	URL  string
	Err  error
}

// Error implements error interface
func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

// Unwrap returns the underlying error
func (e *FetchError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a FetchError, or "" if err is not one
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsUnreachable reports whether err is an Unreachable FetchError
func IsUnreachable(err error) bool {
	return KindOf(err) == Unreachable
}

// IsInvalidContent reports whether err is an InvalidContent FetchError
func IsInvalidContent(err error) bool {
	return KindOf(err) == InvalidContent
}

// IsWriteFailure reports whether err is a WriteFailure FetchError
func IsWriteFailure(err error) bool {
	return KindOf(err) == WriteFailure
}

// ErrNotModified is returned by a download when the remote reports 304
var ErrNotModified = errors.New("not modified")
