package config

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes configuration errors
type ErrorKind string

const (
	MissingRequiredVariable ErrorKind = "missing_required_variable"
	InvalidValue            ErrorKind = "invalid_value"
	PathNotWritable         ErrorKind = "path_not_writable"
)

// ConfigError is fatal at startup. It signals a deployment mistake and is
// never retried.
type ConfigError struct {
	Kind ErrorKind
	Key  string // environment variable, if any
	Path string // filesystem path, for PathNotWritable
	Err  error
}

// Error implements error interface
func (e *ConfigError) Error() string {
	switch e.Kind {
	case MissingRequiredVariable:
		return fmt.Sprintf("config: required variable %s is not set", e.Key)
	case PathNotWritable:
		if e.Err != nil {
			return fmt.Sprintf("config: %s (%s) is not a writable directory: %v", e.Key, e.Path, e.Err)
		}
		return fmt.Sprintf("config: %s (%s) is not a writable directory", e.Key, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("config: invalid value for %s: %v", e.Key, e.Err)
		}
		return fmt.Sprintf("config: invalid value for %s", e.Key)
	}
}

// Unwrap implements error unwrapping
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err is (or wraps) a *ConfigError
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// KindOf returns the ConfigError kind of err, or "" if err is not one
func KindOf(err error) ErrorKind {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

func missing(key string) *ConfigError {
	return &ConfigError{Kind: MissingRequiredVariable, Key: key}
}

func invalid(key string, err error) *ConfigError {
	return &ConfigError{Kind: InvalidValue, Key: key, Err: err}
}
