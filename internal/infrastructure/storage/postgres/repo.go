package postgres

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"quoterelay/internal/infrastructure/storage/sqlstore"
)

// Repo is the shared config store for multi-instance deployments.
type Repo struct {
	*sqlstore.Store
}

func New(dsn string) (*Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{Store: sqlstore.New(db, sqlstore.Postgres)}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS instruments (
  name TEXT PRIMARY KEY,
  category TEXT NOT NULL,
  is_custom INTEGER NOT NULL DEFAULT 0,
  paused INTEGER NOT NULL DEFAULT 0,
  removed INTEGER NOT NULL DEFAULT 0,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS price_overrides (
  name TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  value DOUBLE PRECISION NOT NULL,
  expires_at BIGINT,
  updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS ticker_cache (
  name TEXT PRIMARY KEY,
  ticker TEXT NOT NULL,
  exchange TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  type TEXT NOT NULL DEFAULT '',
  currency TEXT NOT NULL DEFAULT '',
  manual INTEGER NOT NULL DEFAULT 0,
  resolved_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ticker_cache_resolved ON ticker_cache(resolved_at);
`)
	return err
}
