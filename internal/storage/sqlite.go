package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DatabaseFile is the database file name inside the engine data directory.
const DatabaseFile = "hapiq.db"

// OpenDataDir opens the engine database inside dir, creating the directory
// if needed.
func OpenDataDir(ctx context.Context, dir string) (*sql.DB, error) {
	if dir == "" {
		return nil, fmt.Errorf("data directory is empty")
	}
	return OpenSQLite(ctx, filepath.Join(dir, DatabaseFile))
}

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	if err := validateSQLiteFilesystem(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The worker runs one handler at a time; one connection keeps writes
	// serialized without lock retries.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
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

// BootstrapSQLite creates the line table schema if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS line_tables (
  name        TEXT PRIMARY KEY,
  source      TEXT NOT NULL DEFAULT '',
  line_count  INTEGER NOT NULL DEFAULT 0,
  numin       REAL,
  numax       REAL,
  checksum    TEXT NOT NULL DEFAULT '',
  created_at  TEXT NOT NULL,
  updated_at  TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS lines (
  table_name  TEXT NOT NULL REFERENCES line_tables(name) ON DELETE CASCADE,
  seq         INTEGER NOT NULL,
  molecule_id INTEGER NOT NULL,
  iso_id      INTEGER NOT NULL,
  nu          REAL NOT NULL,
  sw          REAL NOT NULL,
  a           REAL NOT NULL DEFAULT 0,
  gamma_air   REAL NOT NULL DEFAULT 0,
  gamma_self  REAL NOT NULL DEFAULT 0,
  elower      REAL NOT NULL DEFAULT 0,
  n_air       REAL NOT NULL DEFAULT 0,
  delta_air   REAL NOT NULL DEFAULT 0,
  quanta      TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (table_name, seq)
);`,
		`CREATE INDEX IF NOT EXISTS lines_table_nu_idx ON lines(table_name, nu);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
