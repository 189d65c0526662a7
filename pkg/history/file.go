package history

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/psantana5/script-supervisor/pkg/models"
)

// maxRecordLine bounds one JSON line when reading history back
const maxRecordLine = 1 << 20

// FileStore appends records as JSON lines to a file in the logs mount.
// Each append is fsynced. Corrupt lines (a torn final write) are skipped.
type FileStore struct {
	mu   sync.Mutex
	path string
	file *os.File
	last int
}

// NewFileStore opens or creates the history file at path
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("history file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}

	s := &FileStore{path: path, file: f}
	if err := s.terminateTornLine(); err != nil {
		f.Close()
		return nil, err
	}
	records, err := s.readAll()
	if err != nil {
		f.Close()
		return nil, err
	}
	for _, r := range records {
		if r.Attempt > s.last {
			s.last = r.Attempt
		}
	}
	return s, nil
}

// Path returns the history file location
func (s *FileStore) Path() string {
	return s.path
}

// Append implements Store
func (s *FileStore) Append(ctx context.Context, rec *models.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkAppend(rec, s.last); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	data = append(data, '\n')

	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync history: %w", err)
	}
	s.last = rec.Attempt
	return nil
}

// List implements Store
func (s *FileStore) List(ctx context.Context, limit int) ([]*models.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.readAll()
	if err != nil {
		return nil, err
	}
	return newestFirst(records, limit), nil
}

// LastAttempt implements Store
func (s *FileStore) LastAttempt(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, nil
}

// Close implements Store
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// terminateTornLine ends a partial last line so the next record starts on
// a fresh line
func (s *FileStore) terminateTornLine() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return err
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := s.file.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("failed to repair history: %w", err)
	}
	return nil
}

func (s *FileStore) readAll() ([]*models.RunRecord, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	defer f.Close()

	var records []*models.RunRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxRecordLine)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec models.RunRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			log.Printf("[history] skipping corrupt line %d in %s: %v", lineNo, s.path, err)
			continue
		}
		records = append(records, &rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("failed to scan history: %w", err)
	}
	return records, nil
}
