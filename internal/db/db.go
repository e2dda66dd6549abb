package db

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrPersistence wraps every failure of the local store.
var ErrPersistence = errors.New("db: persistence failure")

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

const schema = `
CREATE TABLE IF NOT EXISTS servers (
	url                 TEXT PRIMARY KEY,
	last_root_sync      INTEGER,
	refresh_interval_ms INTEGER
);
CREATE TABLE IF NOT EXISTS entities (
	perm_id        TEXT PRIMARY KEY,
	refcon         TEXT NOT NULL,
	server_url     TEXT NOT NULL REFERENCES servers(url) ON DELETE CASCADE,
	last_update    INTEGER NOT NULL,
	summary_header TEXT,
	summary        TEXT,
	identifier     TEXT,
	category       TEXT,
	image_url      TEXT,
	children       TEXT,
	properties     TEXT,
	root_level     INTEGER,
	kind           TEXT,
	type           TEXT
);
CREATE INDEX IF NOT EXISTS idx_entities_server_root ON entities(server_url, root_level);
CREATE INDEX IF NOT EXISTS idx_entities_last_update ON entities(last_update);
`

// DB wraps a SQLite database connection
type DB struct {
	conn *sql.DB
	Path string
}

// OpenDB opens a SQLite database with WAL mode and foreign keys enabled and
// creates the cache schema if needed.
func OpenDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// ":memory:" databases exist per connection, and reads during a staged
	// write must go through the same transaction.
	conn.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &DB{conn: conn, Path: path}, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying sql.DB for custom queries
func (d *DB) Conn() *sql.DB {
	return d.conn
}
