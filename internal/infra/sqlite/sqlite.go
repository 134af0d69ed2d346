// Package sqlite is the default record store: a single SQLite file holding
// the pending and archive tables. It uses the pure-Go modernc driver.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "ticketctl.db"

// DB wraps the SQLite connection and implements domain.Store.
type DB struct {
	db *sql.DB
}

// Open creates (if needed) and opens the database inside dir,
// then applies the schema migrations.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := filepath.Join(dir, FileName) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single connection: every write is serialized.
	conn.SetMaxOpenConns(1)

	db := &DB{db: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the connection.
func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) migrate() error {
	for _, stmt := range Migrations() {
		if _, err := db.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ─── Schema ─────────────────────────────────────────────────────────────────

// Migrations returns the schema statements, one per Exec.
func Migrations() []string {
	return []string{
		// One row per card with an open observation window
		`CREATE TABLE IF NOT EXISTS pending_records (
			card_number     INTEGER PRIMARY KEY,
			passenger_name  TEXT NOT NULL,
			first_seen_at   TEXT NOT NULL,
			card_type       TEXT NOT NULL,
			transaction_ids TEXT NOT NULL DEFAULT '[]',
			status          TEXT NOT NULL,
			buses           TEXT NOT NULL DEFAULT '[]',
			trains          TEXT NOT NULL DEFAULT '[]'
		)`,

		// Append-only log of completed windows
		`CREATE TABLE IF NOT EXISTS archive_records (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			passenger_name  TEXT NOT NULL,
			archived_at     TEXT NOT NULL,
			card_number     INTEGER NOT NULL,
			card_type       TEXT NOT NULL,
			transaction_ids TEXT NOT NULL DEFAULT '[]',
			status          TEXT NOT NULL,
			buses           TEXT NOT NULL DEFAULT '[]',
			trains          TEXT NOT NULL DEFAULT '[]',
			created_at      TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_archive_card ON archive_records(card_number)`,
	}
}
