// Package history persists task outcomes so past runs can be inspected
// after the process exits. Storage is SQLite; the store works over an
// injected *sql.DB so tests can use an in-memory database.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kestrelhq/kestrel/internal/agent"
)

// ErrNotFound reports a run id with no stored outcome.
var ErrNotFound = errors.New("history: run not found")

// Store manages run-history persistence.
type Store struct {
	db *sql.DB
}

// Open creates a store backed by a database file under dataDir,
// creating the directory if needed.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "history.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	store, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore creates a store over an existing database handle and runs
// migrations.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			task TEXT NOT NULL,
			state TEXT NOT NULL,
			turns_taken INTEGER NOT NULL,
			turns_json TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores a completed outcome. Implements agent.Recorder.
func (s *Store) Record(ctx context.Context, outcome *agent.Outcome) error {
	turns, err := json.Marshal(outcome.Turns)
	if err != nil {
		return fmt.Errorf("marshal turns: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, task, state, turns_taken, turns_json, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		outcome.RunID, outcome.Task, string(outcome.State), outcome.TurnsTaken,
		string(turns), outcome.StartedAt, outcome.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", outcome.RunID, err)
	}
	return nil
}

// Get returns the stored outcome for a run id.
func (s *Store) Get(ctx context.Context, runID string) (*agent.Outcome, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, task, state, turns_taken, turns_json, started_at, finished_at
		FROM runs WHERE run_id = ?`, runID)

	outcome, err := scanOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return outcome, err
}

// List returns the most recent outcomes, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]*agent.Outcome, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, task, state, turns_taken, turns_json, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var outcomes []*agent.Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanOutcome(row scanner) (*agent.Outcome, error) {
	var (
		o     agent.Outcome
		state string
		turns string
	)
	if err := row.Scan(&o.RunID, &o.Task, &state, &o.TurnsTaken, &turns, &o.StartedAt, &o.FinishedAt); err != nil {
		return nil, err
	}
	o.State = agent.State(state)
	if err := json.Unmarshal([]byte(turns), &o.Turns); err != nil {
		return nil, fmt.Errorf("unmarshal turns for %s: %w", o.RunID, err)
	}
	if len(o.Turns) > 0 {
		o.LastResult = &o.Turns[len(o.Turns)-1]
	}
	return &o, nil
}
