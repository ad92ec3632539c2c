// Package sqlite provides the durable account store: a local SQLite database
// that survives a Redis flush and gives cmd/migrate something to reconcile
// the hot-path cache against. It implements the same ports.AccountRepository
// shape as pkg/redis so the two are interchangeable.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Client wraps a SQLite database handle.
type Client struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and applies
// the account schema.
func Open(path string) (*Client, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	return &Client{db: db}, nil
}

// Close closes the underlying database handle.
func (c *Client) Close() error {
	return c.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	email TEXT PRIMARY KEY,
	source TEXT NOT NULL DEFAULT '',
	enabled INTEGER NOT NULL DEFAULT 1,
	refresh_token TEXT NOT NULL DEFAULT '',
	api_key TEXT NOT NULL DEFAULT '',
	project_id TEXT NOT NULL DEFAULT '',
	is_invalid INTEGER NOT NULL DEFAULT 0,
	invalid_reason TEXT NOT NULL DEFAULT '',
	invalid_at INTEGER NOT NULL DEFAULT 0,
	last_used INTEGER NOT NULL DEFAULT 0,
	proxy_disabled INTEGER NOT NULL DEFAULT 0,
	proxy_url TEXT NOT NULL DEFAULT '',
	quota_threshold REAL,
	subscription_json TEXT NOT NULL DEFAULT '',
	quota_json TEXT NOT NULL DEFAULT '',
	model_quota_thresholds_json TEXT NOT NULL DEFAULT '',
	protected_models_json TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL DEFAULT 0
);
`

func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
