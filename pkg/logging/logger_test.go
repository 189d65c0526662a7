package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WARN, false)
	logger.SetOutput(&buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("INFO entry should be filtered at WARN level: %q", out)
	}
	if !strings.Contains(out, "WARN: shown") {
		t.Errorf("expected WARN entry, got %q", out)
	}
}

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DEBUG, true)
	logger.SetOutput(&buf)

	logger.WithField("attempt", 3).Error("run failed", Fields{"outcome": "timeout"})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON line %q: %v", buf.String(), err)
	}
	if entry.Level != "ERROR" || entry.Message != "run failed" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Fields["attempt"] != float64(3) || entry.Fields["outcome"] != "timeout" {
		t.Errorf("fields not merged: %+v", entry.Fields)
	}
}

func TestLogger_WithFieldDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger(INFO, true)
	parent.SetOutput(&buf)

	_ = parent.WithField("child", true)
	parent.Info("plain")

	if strings.Contains(buf.String(), "child") {
		t.Errorf("parent logger picked up child field: %q", buf.String())
	}
}

func TestFileLogger_WritesAndRotates(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewFileLogger(dir, "supervisor", INFO, false)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	defer logger.Close()

	var console bytes.Buffer
	logger.sink.console = &console

	logger.Info(strings.Repeat("x", 200))

	rotated, err := logger.RotateIfNeeded(100)
	if err != nil {
		t.Fatalf("RotateIfNeeded: %v", err)
	}
	if !rotated {
		t.Fatal("expected rotation once file exceeds max size")
	}

	// Derived loggers share the rotated sink
	logger.WithField("k", "v").Info("after rotation")

	data, err := os.ReadFile(filepath.Join(dir, "supervisor.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "after rotation") {
		t.Errorf("new log file missing entry: %q", data)
	}

	backups, _ := filepath.Glob(filepath.Join(dir, "supervisor.log.*"))
	if len(backups) != 1 {
		t.Errorf("expected 1 backup file, got %d", len(backups))
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"error":   ERROR,
		"bogus":   INFO,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
