package report

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/faultline/faultline/pkg/scenario"
	"github.com/faultline/faultline/pkg/suite"
)

// Config holds run journal configuration
type Config struct {
	DatabasePath string `json:"database_path"`
}

// DefaultConfig returns default journal configuration
func DefaultConfig() Config {
	return Config{
		DatabasePath: "faultline.db",
	}
}

// Store is the SQLite-backed run journal. Every orchestrator run, its
// suite results, and its scenario transitions are appended so verdicts
// can be compared across deployments.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
	closed bool
}

// RunRecord is one journaled orchestrator run
type RunRecord struct {
	ID             string    `json:"id"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Classification string    `json:"classification"`
	RequiredPassed int       `json:"required_passed"`
	RequiredTotal  int       `json:"required_total"`
	OptionalPassed int       `json:"optional_passed"`
	OptionalTotal  int       `json:"optional_total"`
}

// Open creates or opens the run journal at the configured path
func Open(config Config) (*Store, error) {
	if config.DatabasePath == "" {
		config.DatabasePath = "faultline.db"
	}

	if dir := filepath.Dir(config.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL", config.DatabasePath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping journal database: %w", err)
	}

	store := &Store{db: db, dbPath: config.DatabasePath}
	if err := store.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	log.Info().
		Str("database_path", config.DatabasePath).
		Msg("Run journal opened")

	return store, nil
}

// initializeSchema creates the journal tables if they do not exist
func (s *Store) initializeSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id              TEXT PRIMARY KEY,
		started_at      TIMESTAMP NOT NULL,
		finished_at     TIMESTAMP NOT NULL,
		classification  TEXT NOT NULL,
		required_passed INTEGER NOT NULL,
		required_total  INTEGER NOT NULL,
		optional_passed INTEGER NOT NULL,
		optional_total  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS suite_results (
		run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		name        TEXT NOT NULL,
		required    BOOLEAN NOT NULL,
		passed      BOOLEAN NOT NULL,
		skipped     BOOLEAN NOT NULL,
		error       TEXT,
		duration_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scenario_transitions (
		run_id     TEXT NOT NULL,
		scenario   TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state   TEXT NOT NULL,
		reason     TEXT,
		error      TEXT,
		timestamp  TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_suite_results_run_id ON suite_results(run_id);
	CREATE INDEX IF NOT EXISTS idx_scenario_transitions_run_id ON scenario_transitions(run_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveVerdict journals one orchestrator run with its suite results in a
// single transaction
func (s *Store) SaveVerdict(ctx context.Context, runID string, verdict *suite.Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("journal is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, finished_at, classification,
			required_passed, required_total, optional_passed, optional_total)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, verdict.StartedAt, verdict.FinishedAt, string(verdict.Classification),
		verdict.RequiredPassed, verdict.RequiredTotal,
		verdict.OptionalPassed, verdict.OptionalTotal)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, result := range verdict.Results {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO suite_results (run_id, name, required, passed, skipped, error, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, result.Name, result.Required, result.Passed, result.Skipped,
			result.Error, result.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("failed to insert suite result %s: %w", result.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}

	log.Debug().
		Str("run_id", runID).
		Str("classification", string(verdict.Classification)).
		Int("suites", len(verdict.Results)).
		Msg("Run journaled")
	return nil
}

// SaveTransitions journals the state transitions of one scenario run
func (s *Store) SaveTransitions(ctx context.Context, runID string, run *scenario.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("journal is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, tr := range run.Transitions {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO scenario_transitions (run_id, scenario, from_state, to_state, reason, error, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, run.Scenario, string(tr.From), string(tr.To), tr.Reason, tr.Error, tr.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to insert transition: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transitions: %w", err)
	}
	return nil
}

// RecentRuns lists the most recent journaled runs, newest first
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, classification,
			required_passed, required_total, optional_passed, optional_total
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Classification,
			&r.RequiredPassed, &r.RequiredTotal, &r.OptionalPassed, &r.OptionalTotal); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// SuiteResults lists the journaled suite results for one run
func (s *Store) SuiteResults(ctx context.Context, runID string) ([]suite.Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, required, passed, skipped, error, duration_ms
		FROM suite_results
		WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query suite results: %w", err)
	}
	defer rows.Close()

	var results []suite.Result
	for rows.Next() {
		var r suite.Result
		var errText sql.NullString
		var durationMS int64
		if err := rows.Scan(&r.Name, &r.Required, &r.Passed, &r.Skipped, &errText, &durationMS); err != nil {
			return nil, fmt.Errorf("failed to scan suite result: %w", err)
		}
		r.Error = errText.String
		r.Duration = time.Duration(durationMS) * time.Millisecond
		results = append(results, r)
	}
	return results, rows.Err()
}

// Close closes the journal database
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
