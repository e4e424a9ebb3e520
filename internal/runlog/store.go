// Package runlog persists generation runs to an embedded SQLite database,
// so benchmark sweeps and served completions can be inspected after the
// fact. Pure-Go driver, no cgo.
package runlog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/samcharles93/loom/internal/generate"
)

// Run is one recorded generation run.
type Run struct {
	ID              string
	CreatedAt       time.Time
	Model           string
	Mode            string // "plain" or "speculative"
	Prompt          string
	Output          string
	PromptTokens    int
	GeneratedTokens int
	FinishReason    string
	PromptTPS       float64
	GenerationTPS   float64
	AcceptanceRate  float64
	Config          generate.Config
}

// Store is a SQLite-backed run recorder.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path, bootstrapping the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(filepath.Clean(path)); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("runlog: ensure directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("runlog: open: %w", err)
	}
	if err := bootstrap(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func bootstrap(db *sql.DB) error {
	if _, err := db.Exec(`
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
	`); err != nil {
		return fmt.Errorf("runlog: configure database: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			model TEXT NOT NULL,
			mode TEXT NOT NULL,
			prompt TEXT NOT NULL,
			output TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL,
			generated_tokens INTEGER NOT NULL,
			finish_reason TEXT NOT NULL,
			prompt_tps REAL NOT NULL,
			generation_tps REAL NOT NULL,
			acceptance_rate REAL NOT NULL,
			config TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("runlog: create runs table: %w", err)
	}
	return nil
}

// Record inserts one run. A missing id or timestamp is filled in.
func (s *Store) Record(run Run) (string, error) {
	if run.ID == "" {
		run.ID = "run_" + uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	cfg, err := json.Marshal(run.Config)
	if err != nil {
		return "", fmt.Errorf("runlog: marshal config: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO runs (id, created_at, model, mode, prompt, output,
			prompt_tokens, generated_tokens, finish_reason,
			prompt_tps, generation_tps, acceptance_rate, config)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.CreatedAt.UnixMilli(), run.Model, run.Mode, run.Prompt, run.Output,
		run.PromptTokens, run.GeneratedTokens, run.FinishReason,
		run.PromptTPS, run.GenerationTPS, run.AcceptanceRate, string(cfg),
	)
	if err != nil {
		return "", fmt.Errorf("runlog: insert run: %w", err)
	}
	return run.ID, nil
}

// RecordResult is the common case: persist a generate.Result as one row.
func (s *Store) RecordResult(model, mode, prompt string, cfg generate.Config, res *generate.Result) (string, error) {
	return s.Record(Run{
		Model:           model,
		Mode:            mode,
		Prompt:          prompt,
		Output:          res.Text,
		PromptTokens:    res.Stats.PromptTokens,
		GeneratedTokens: res.Stats.GeneratedTokens,
		FinishReason:    string(res.FinishReason),
		PromptTPS:       res.Stats.PromptTPS,
		GenerationTPS:   res.Stats.GenerationTPS,
		AcceptanceRate:  res.Stats.AcceptanceRate,
		Config:          cfg,
	})
}

// List returns the most recent runs, newest first.
func (s *Store) List(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, created_at, model, mode, prompt, output,
			prompt_tokens, generated_tokens, finish_reason,
			prompt_tps, generation_tps, acceptance_rate, config
		FROM runs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("runlog: query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var createdAt int64
		var cfg string
		if err := rows.Scan(&r.ID, &createdAt, &r.Model, &r.Mode, &r.Prompt, &r.Output,
			&r.PromptTokens, &r.GeneratedTokens, &r.FinishReason,
			&r.PromptTPS, &r.GenerationTPS, &r.AcceptanceRate, &cfg); err != nil {
			return nil, fmt.Errorf("runlog: scan run: %w", err)
		}
		r.CreatedAt = time.UnixMilli(createdAt)
		if err := json.Unmarshal([]byte(cfg), &r.Config); err != nil {
			return nil, fmt.Errorf("runlog: unmarshal config: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
