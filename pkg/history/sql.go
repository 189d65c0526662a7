package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/psantana5/script-supervisor/pkg/models"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL backends.
// Each row keeps the indexed columns plus the full record as JSON.
type sqlStore struct {
	db *sql.DB
	mu sync.Mutex

	// bind rewrites "?" placeholders for the driver
	bind func(query string) string
	// isUnique reports a UNIQUE(attempt) violation
	isUnique func(err error) bool
}

const insertRun = `
	INSERT INTO runs (id, attempt, outcome, exit_code, started_at, ended_at, record)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

// Append implements Store
func (s *sqlStore) Append(ctx context.Context, rec *models.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, err := s.lastAttempt(ctx)
	if err != nil {
		return err
	}
	if err := checkAppend(rec, last); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	var exitCode sql.NullInt64
	if rec.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*rec.ExitCode), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, s.bind(insertRun),
		rec.ID, rec.Attempt, string(rec.Outcome), exitCode, rec.StartedAt, rec.EndedAt, string(data))
	if err != nil {
		if s.isUnique(err) {
			return fmt.Errorf("%w: attempt %d already stored", ErrAttemptOrder, rec.Attempt)
		}
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// List implements Store
func (s *sqlStore) List(ctx context.Context, limit int) ([]*models.RunRecord, error) {
	query := "SELECT record FROM runs ORDER BY attempt DESC"
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var records []*models.RunRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		var rec models.RunRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode run: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// LastAttempt implements Store
func (s *sqlStore) LastAttempt(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAttempt(ctx)
}

func (s *sqlStore) lastAttempt(ctx context.Context) (int, error) {
	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(attempt) FROM runs").Scan(&last); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read last attempt: %w", err)
	}
	return int(last.Int64), nil
}

// Close implements Store
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// HealthCheck pings the database
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func questionMarks(query string) string {
	return query
}

// dollarPlaceholders turns "?" into "$1", "$2", ... for PostgreSQL
func dollarPlaceholders(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
