package sandbox

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// maxLineBytes bounds a buffered partial line before it is written as is
const maxLineBytes = 64 * 1024

// RunLog is the per-attempt log file holding the child's captured streams.
// Each line is prefixed with a UTC timestamp and the stream name.
type RunLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// OpenRunLog creates (or truncates) the log file at path
func OpenRunLog(path string) (*RunLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	return &RunLog{file: f, path: path}, nil
}

// Path returns the log file path
func (l *RunLog) Path() string {
	return l.path
}

// Line writes one prefixed line
func (l *RunLog) Line(stream string, text []byte) {
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.file, "%s [%s] %s\n", ts, stream, bytes.TrimRight(text, "\r"))
}

// Printf writes a supervisor note into the run log
func (l *RunLog) Printf(format string, args ...interface{}) {
	l.Line("supervisor", []byte(fmt.Sprintf(format, args...)))
}

// Stream returns a writer that splits output into lines for stream
func (l *RunLog) Stream(name string) *StreamWriter {
	return &StreamWriter{name: name, log: l}
}

// Close syncs and closes the file
func (l *RunLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.file.Sync()
	return l.file.Close()
}

// StreamWriter buffers partial lines of one stream. It is used by a single
// copying goroutine, so only RunLog needs locking.
type StreamWriter struct {
	name string
	log  *RunLog
	buf  []byte
}

var _ io.Writer = (*StreamWriter)(nil)

// Write implements io.Writer
func (w *StreamWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.log.Line(w.name, w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLineBytes {
		w.log.Line(w.name, w.buf)
		w.buf = nil
	}
	return len(p), nil
}

// Flush writes any trailing partial line
func (w *StreamWriter) Flush() {
	if len(w.buf) > 0 {
		w.log.Line(w.name, w.buf)
		w.buf = nil
	}
}
