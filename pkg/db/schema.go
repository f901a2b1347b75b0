package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;

CREATE TABLE IF NOT EXISTS safety_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    topic TEXT NOT NULL,
    severity TEXT NOT NULL DEFAULT 'INFO',
    message TEXT NOT NULL,
    details TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS validations (
    request_id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    strategy TEXT NOT NULL,
    symbol TEXT NOT NULL,
    regime TEXT NOT NULL,
    approved INTEGER NOT NULL,
    reason TEXT,
    checks TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS trades (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    position_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    strategy TEXT NOT NULL,
    symbol TEXT NOT NULL,
    price REAL NOT NULL,
    premium REAL DEFAULT 0,
    contracts INTEGER DEFAULT 0,
    pnl REAL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS restarts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    reason TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_safety_events_topic ON safety_events(topic, created_at);
CREATE INDEX IF NOT EXISTS idx_validations_created ON validations(created_at);
CREATE INDEX IF NOT EXISTS idx_trades_position ON trades(position_id);
`

// ApplyMigrations creates the audit tables if they do not exist.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return sql.ErrConnDone
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
