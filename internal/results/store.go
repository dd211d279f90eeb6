package results

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// RunRecord summarizes one sweep run for the history database.
type RunRecord struct {
	ID             string
	StartedAt      time.Time
	CompletedAt    time.Time
	Model          string
	ResultsPath    string
	CellsTotal     int
	CellsCompleted int
	CellsSkipped   int

	BestInstances     int
	BestDecode        int
	BestPrompt        int
	BestConcurrency   int
	BestThroughputTPS float64
}

// RunStore persists sweep run summaries across invocations so past sweeps
// stay queryable without re-parsing result CSVs.
type RunStore struct {
	db *sql.DB
}

// OpenRunStore opens (creating if needed) the run history database.
func OpenRunStore(path string) (*RunStore, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}

	// SQLite doesn't handle concurrent writes well.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &RunStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}
	return store, nil
}

func (s *RunStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			model TEXT NOT NULL,
			results_path TEXT NOT NULL,
			cells_total INTEGER NOT NULL,
			cells_completed INTEGER NOT NULL,
			cells_skipped INTEGER NOT NULL,

			best_instances INTEGER,
			best_decode_concurrency INTEGER,
			best_prompt_concurrency INTEGER,
			best_concurrency INTEGER,
			best_throughput_tps REAL,

			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_runs_model ON runs(model);
		CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	`)
	return err
}

// Save stores a run summary, assigning an ID when missing.
func (s *RunStore) Save(ctx context.Context, run *RunRecord) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (
			id, started_at, completed_at, model, results_path,
			cells_total, cells_completed, cells_skipped,
			best_instances, best_decode_concurrency, best_prompt_concurrency,
			best_concurrency, best_throughput_tps
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID, run.StartedAt, run.CompletedAt, run.Model, run.ResultsPath,
		run.CellsTotal, run.CellsCompleted, run.CellsSkipped,
		run.BestInstances, run.BestDecode, run.BestPrompt,
		run.BestConcurrency, run.BestThroughputTPS,
	)
	return err
}

// ListRecent returns the most recent runs, newest first.
func (s *RunStore) ListRecent(ctx context.Context, limit int) ([]*RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, completed_at, model, results_path,
			cells_total, cells_completed, cells_skipped,
			best_instances, best_decode_concurrency, best_prompt_concurrency,
			best_concurrency, best_throughput_tps
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		var run RunRecord
		if err := rows.Scan(
			&run.ID, &run.StartedAt, &run.CompletedAt, &run.Model, &run.ResultsPath,
			&run.CellsTotal, &run.CellsCompleted, &run.CellsSkipped,
			&run.BestInstances, &run.BestDecode, &run.BestPrompt,
			&run.BestConcurrency, &run.BestThroughputTPS,
		); err != nil {
			return nil, err
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// BestForModel returns the highest-throughput run recorded for a model.
func (s *RunStore) BestForModel(ctx context.Context, model string) (*RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, completed_at, model, results_path,
			cells_total, cells_completed, cells_skipped,
			best_instances, best_decode_concurrency, best_prompt_concurrency,
			best_concurrency, best_throughput_tps
		FROM runs
		WHERE model = ?
		ORDER BY best_throughput_tps DESC
		LIMIT 1
	`, model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var run RunRecord
	if err := rows.Scan(
		&run.ID, &run.StartedAt, &run.CompletedAt, &run.Model, &run.ResultsPath,
		&run.CellsTotal, &run.CellsCompleted, &run.CellsSkipped,
		&run.BestInstances, &run.BestDecode, &run.BestPrompt,
		&run.BestConcurrency, &run.BestThroughputTPS,
	); err != nil {
		return nil, err
	}
	return &run, nil
}

// Close closes the database connection.
func (s *RunStore) Close() error {
	return s.db.Close()
}
