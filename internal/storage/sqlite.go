package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}

	inMemory := path == MemoryPath || strings.HasPrefix(path, "file::memory:")
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
		if err := CheckLocalFilesystem(path); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if inMemory {
		// Each pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	}
	if !inMemory {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL;")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(pctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS templates (
  id          TEXT NOT NULL,
  version     TEXT NOT NULL,
  name        TEXT,
  fingerprint TEXT NOT NULL,
  body        JSON NOT NULL,
  created_at  TEXT NOT NULL,
  PRIMARY KEY (id, version)
);`,
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
  id               TEXT PRIMARY KEY,
  template_id      TEXT NOT NULL,
  template_version TEXT NOT NULL,
  inputs           JSON NOT NULL DEFAULT '{}',
  status           TEXT NOT NULL,
  retried_from     TEXT,
  created_at       TEXT NOT NULL,
  started_at       TEXT,
  completed_at     TEXT,
  updated_at       TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS step_executions (
  run_id       TEXT NOT NULL REFERENCES pipeline_runs(id) ON DELETE CASCADE,
  step_id      TEXT NOT NULL,
  position     INTEGER NOT NULL,
  status       TEXT NOT NULL,
  prompt       TEXT,
  output       TEXT,
  error        TEXT,
  model        TEXT,
  attempts     INTEGER NOT NULL DEFAULT 0,
  started_at   TEXT,
  completed_at TEXT,
  PRIMARY KEY (run_id, step_id)
);`,
		`CREATE INDEX IF NOT EXISTS pipeline_runs_created_at_idx ON pipeline_runs(created_at);`,
		`CREATE INDEX IF NOT EXISTS pipeline_runs_template_status_idx ON pipeline_runs(template_id, status);`,
		`CREATE INDEX IF NOT EXISTS templates_id_created_at_idx ON templates(id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
