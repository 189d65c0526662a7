package history

import (
	"context"
	"sync"

	"github.com/psantana5/script-supervisor/pkg/models"
)

// MemoryStore keeps history in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	records []*models.RunRecord
}

// NewMemoryStore creates an empty in-memory history
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append implements Store
func (s *MemoryStore) Append(ctx context.Context, rec *models.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkAppend(rec, s.last()); err != nil {
		return err
	}
	cp := *rec
	s.records = append(s.records, &cp)
	return nil
}

// List implements Store
func (s *MemoryStore) List(ctx context.Context, limit int) ([]*models.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.records, limit), nil
}

// LastAttempt implements Store
func (s *MemoryStore) LastAttempt(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last(), nil
}

// Close implements Store
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) last() int {
	if len(s.records) == 0 {
		return 0
	}
	return s.records[len(s.records)-1].Attempt
}

// newestFirst returns up to limit records from an attempt-ordered slice,
// newest first. limit <= 0 returns all.
func newestFirst(records []*models.RunRecord, limit int) []*models.RunRecord {
	n := len(records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*models.RunRecord, n)
	for i := 0; i < n; i++ {
		cp := *records[len(records)-1-i]
		out[i] = &cp
	}
	return out
}
