package tracking

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	// Deadlock-detecting mutexes; database call paths are the likeliest
	// place for lock misuse to hide.
	sync "github.com/sasha-s/go-deadlock"
)

// ErrRunNotFound is returned for operations naming a run id the store has
// never seen.
var ErrRunNotFound = errors.New("tracking: run not found")

// Store persists runs and their logged metrics in a single SQLite database.
// All access is serialized through one mutex.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenStore opens the tracking database at path, creating the schema if
// needed. The path ":memory:" yields an in-memory store.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open tracking database: %w", err)
	}
	// One connection only: access is serialized anyway, and an in-memory
	// database exists per connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			project TEXT,
			name TEXT,
			config TEXT,
			environment TEXT,
			status TEXT,
			error TEXT,
			created_at TEXT,
			finished_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY ASC,
			run_id TEXT REFERENCES runs(id),
			epoch INTEGER,
			metrics TEXT,
			logged_at TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize tracking schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// CreateRun inserts a new run record.
func (s *Store) CreateRun(run RunRecord) error {
	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("failed to encode run config: %w", err)
	}
	envJSON, err := json.Marshal(run.Environment)
	if err != nil {
		return fmt.Errorf("failed to encode run environment: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT INTO runs (id, project, name, config, environment, status, error, created_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		run.ID, run.Project, run.Name, string(configJSON), string(envJSON),
		run.Status, run.Error, run.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun loads one run by id.
func (s *Store) GetRun(id string) (*RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(
		`SELECT id, project, name, config, environment, status, error, created_at, finished_at
		 FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns() ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT id, project, name, config, environment, status, error, created_at, finished_at
		 FROM runs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// AppendLog records one epoch of metrics for an existing run.
func (s *Store) AppendLog(runID string, entry LogEntry) error {
	metricsJSON, err := json.Marshal(entry.Metrics)
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.runExists(runID); err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO logs (run_id, epoch, metrics, logged_at) VALUES (?, ?, ?, ?)`,
		runID, entry.Epoch, string(metricsJSON), entry.LoggedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to append log for run %s: %w", runID, err)
	}
	return nil
}

// Logs returns every logged entry for a run in the order it was appended.
func (s *Store) Logs(runID string) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.runExists(runID); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(
		`SELECT epoch, metrics, logged_at FROM logs WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs for run %s: %w", runID, err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var entry LogEntry
		var metricsJSON, loggedAt string
		if err := rows.Scan(&entry.Epoch, &metricsJSON, &loggedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		if err := json.Unmarshal([]byte(metricsJSON), &entry.Metrics); err != nil {
			return nil, fmt.Errorf("failed to decode metrics: %w", err)
		}
		if entry.LoggedAt, err = time.Parse(time.RFC3339Nano, loggedAt); err != nil {
			return nil, fmt.Errorf("failed to parse log timestamp: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// FinishRun marks a run terminal. Status must be StatusFinished or
// StatusFailed.
func (s *Store) FinishRun(id, status, errMsg string, finishedAt time.Time) error {
	if status != StatusFinished && status != StatusFailed {
		return fmt.Errorf("invalid terminal status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	result, err := s.db.Exec(
		`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, errMsg, finishedAt.UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", id, err)
	}
	if affected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// runExists reports ErrRunNotFound for unknown ids. Caller holds mu.
func (s *Store) runExists(id string) error {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM runs WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRunNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up run %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var run RunRecord
	var configJSON, envJSON, createdAt string
	var finishedAt sql.NullString

	err := row.Scan(&run.ID, &run.Project, &run.Name, &configJSON, &envJSON,
		&run.Status, &run.Error, &createdAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	if configJSON != "" {
		if err := json.Unmarshal([]byte(configJSON), &run.Config); err != nil {
			return nil, fmt.Errorf("failed to decode config for run %s: %w", run.ID, err)
		}
	}
	if envJSON != "" && envJSON != "null" {
		if err := json.Unmarshal([]byte(envJSON), &run.Environment); err != nil {
			return nil, fmt.Errorf("failed to decode environment for run %s: %w", run.ID, err)
		}
	}
	if run.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at for run %s: %w", run.ID, err)
	}
	if finishedAt.Valid && finishedAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse finished_at for run %s: %w", run.ID, err)
		}
		run.FinishedAt = &t
	}
	return &run, nil
}
