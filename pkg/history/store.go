package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/psantana5/script-supervisor/pkg/config"
	"github.com/psantana5/script-supervisor/pkg/models"
)

// Store is the append-only run history. Records are kept in attempt order
// and List returns them newest first.
type Store interface {
	Append(ctx context.Context, rec *models.RunRecord) error
	List(ctx context.Context, limit int) ([]*models.RunRecord, error)
	LastAttempt(ctx context.Context) (int, error)
	Close() error
}

var (
	// ErrNotSealed is returned when appending a record that has not ended
	ErrNotSealed = errors.New("run record is not sealed")
	// ErrAttemptOrder is returned when an attempt is not newer than the last stored one
	ErrAttemptOrder = errors.New("attempt number must increase")
	// ErrUnsupportedBackend is returned by NewStore for unknown backends
	ErrUnsupportedBackend = errors.New("unsupported history backend")
)

// Config selects and locates a history backend
type Config struct {
	Backend string // file, sqlite, postgres, memory
	Path    string // file and sqlite
	DSN     string // postgres
}

// Default file names inside the runs directory
const (
	FileName   = "history.jsonl"
	SQLiteName = "history.db"
)

// ConfigFrom derives the history configuration from the supervisor config
func ConfigFrom(cfg *config.Config) Config {
	c := Config{Backend: cfg.HistoryBackend, DSN: cfg.HistoryDSN}
	switch cfg.HistoryBackend {
	case "file", "":
		c.Backend = "file"
		c.Path = filepath.Join(cfg.Mounts.RunsDir(), FileName)
	case "sqlite":
		c.Path = cfg.HistoryDSN
		if c.Path == "" {
			c.Path = filepath.Join(cfg.Mounts.RunsDir(), SQLiteName)
		}
	}
	return c
}

// NewStore opens the configured backend
func NewStore(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "file", "":
		return NewFileStore(cfg.Path)
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "postgres", "postgresql":
		return NewPostgresStore(cfg.DSN)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, cfg.Backend)
	}
}

// checkAppend enforces the rules every backend shares
func checkAppend(rec *models.RunRecord, last int) error {
	if rec == nil || !rec.Sealed {
		return ErrNotSealed
	}
	if rec.Attempt <= last {
		return fmt.Errorf("%w: attempt %d, last stored %d", ErrAttemptOrder, rec.Attempt, last)
	}
	return nil
}

// Failures filters records to non-success outcomes, keeping order
func Failures(recs []*models.RunRecord) []*models.RunRecord {
	var out []*models.RunRecord
	for _, r := range recs {
		if !r.Outcome.IsSuccess() {
			out = append(out, r)
		}
	}
	return out
}
