package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"quoterelay/internal/infrastructure/storage/sqlstore"
)

// Repo is the single-file config store and ticker cache.
type Repo struct {
	*sqlstore.Store
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{Store: sqlstore.New(db, sqlstore.SQLite)}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS instruments (
  name TEXT PRIMARY KEY,
  category TEXT NOT NULL,
  is_custom INTEGER NOT NULL DEFAULT 0,
  paused INTEGER NOT NULL DEFAULT 0,
  removed INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS price_overrides (
  name TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  value REAL NOT NULL,
  expires_at INTEGER,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ticker_cache (
  name TEXT PRIMARY KEY,
  ticker TEXT NOT NULL,
  exchange TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  type TEXT NOT NULL DEFAULT '',
  currency TEXT NOT NULL DEFAULT '',
  manual INTEGER NOT NULL DEFAULT 0,
  resolved_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ticker_cache_resolved ON ticker_cache(resolved_at);
`)
	return err
}
