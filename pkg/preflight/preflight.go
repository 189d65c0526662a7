// Package preflight probes the external tools a script depends on by running
// "<tool> --version". It never installs or configures anything.
package preflight

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a single probe
const DefaultTimeout = 5 * time.Second

// Status of a probe
type Status string

const (
	StatusOK       Status = "ok"
	StatusFailed   Status = "failed"    // found but exited non-zero or timed out
	StatusNotFound Status = "not_found" // no alternative is on PATH
)

// Result is the outcome of probing one tool entry
type Result struct {
	Name     string `json:"name" yaml:"name"`         // entry as configured, e.g. "google-chrome|chromium"
	Command  string `json:"command" yaml:"command"`   // alternative that was used
	Status   Status `json:"status" yaml:"status"`
	Version  string `json:"version,omitempty" yaml:"version,omitempty"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
	Duration string `json:"duration" yaml:"duration"`
}

// OK reports whether the tool answered
func (r Result) OK() bool {
	return r.Status == StatusOK
}

// Checker runs probes
type Checker struct {
	Timeout time.Duration
}

// Check probes every name with the default timeout
func Check(ctx context.Context, names []string) []Result {
	return (&Checker{Timeout: DefaultTimeout}).Check(ctx, names)
}

// Check probes each entry in order. An entry may list alternatives separated
// by "|"; the first one that answers wins.
func (c *Checker) Check(ctx context.Context, names []string) []Result {
	results := make([]Result, 0, len(names))
	for _, name := range names {
		results = append(results, c.checkEntry(ctx, name))
	}
	return results
}

func (c *Checker) checkEntry(ctx context.Context, entry string) Result {
	start := time.Now()
	var alts []string
	for _, alt := range strings.Split(entry, "|") {
		if alt = strings.TrimSpace(alt); alt != "" {
			alts = append(alts, alt)
		}
	}

	res := Result{Name: entry, Status: StatusNotFound, Error: "not found in PATH"}
	if len(alts) > 0 {
		res.Command = alts[0]
	}
	var failed *Result
	for _, alt := range alts {
		r := c.probe(ctx, alt)
		r.Name = entry
		if r.Status == StatusOK {
			res = r
			failed = nil
			break
		}
		if r.Status == StatusFailed && failed == nil {
			failed = &r
		}
	}
	if failed != nil {
		res = *failed
	}
	res.Duration = time.Since(start).Round(time.Millisecond).String()
	return res
}

func (c *Checker) probe(ctx context.Context, command string) Result {
	res := Result{Command: command}

	path, err := exec.LookPath(command)
	if err != nil {
		res.Status = StatusNotFound
		res.Error = "not found in PATH"
		return res
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(pctx, path, "--version")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	err = cmd.Run()
	switch {
	case pctx.Err() == context.DeadlineExceeded:
		res.Status = StatusFailed
		res.Error = fmt.Sprintf("timed out after %s", timeout)
	case err != nil:
		res.Status = StatusFailed
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Error = fmt.Sprintf("exited with code %d", exitErr.ExitCode())
		} else {
			res.Error = err.Error()
		}
	default:
		res.Status = StatusOK
		res.Version = firstLine(stdout.String())
		if res.Version == "" {
			res.Version = firstLine(stderr.String())
		}
	}
	return res
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
