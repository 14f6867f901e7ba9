package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `CREATE TABLE IF NOT EXISTS sync_records (
	download_id    TEXT PRIMARY KEY,
	name           TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'pending',
	dest_path      TEXT NOT NULL DEFAULT '',
	files          TEXT NOT NULL DEFAULT '[]',
	bytes_copied   INTEGER NOT NULL DEFAULT 0,
	attempts       INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL,
	synced_at      TEXT NOT NULL DEFAULT ''
)`

// InitDB opens the SQLite database at path and creates the schema if needed.
//
// The journal runs in WAL mode with synchronous=FULL so a committed upsert
// survives power loss and an interrupted one leaves the previous row intact.
func InitDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps writers from racing for the lock.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}
