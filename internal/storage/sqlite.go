package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS worlds (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	main_agent      TEXT NOT NULL DEFAULT '',
	variables       TEXT NOT NULL DEFAULT '',
	current_chat_id TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
	world_id       TEXT NOT NULL,
	id             TEXT NOT NULL,
	name           TEXT NOT NULL,
	provider       TEXT NOT NULL DEFAULT '',
	model          TEXT NOT NULL DEFAULT '',
	temperature    REAL NOT NULL DEFAULT 0,
	max_tokens     INTEGER NOT NULL DEFAULT 0,
	system_prompt  TEXT NOT NULL DEFAULT '',
	auto_reply     INTEGER NOT NULL DEFAULT 1,
	memory         TEXT NOT NULL DEFAULT '[]',
	llm_call_count INTEGER NOT NULL DEFAULT 0,
	last_llm_call  TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL,
	PRIMARY KEY (world_id, id)
);

CREATE TABLE IF NOT EXISTS chats (
	world_id   TEXT NOT NULL,
	id         TEXT NOT NULL,
	title      TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (world_id, id)
);

CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	world_id   TEXT NOT NULL,
	chat_id    TEXT NOT NULL DEFAULT '',
	seq        INTEGER NOT NULL,
	type       TEXT NOT NULL,
	payload    TEXT NOT NULL DEFAULT '',
	meta       TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	UNIQUE (world_id, chat_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_events_scope ON events (world_id, chat_id, seq);
`

// NewSQLiteBackend opens (or creates) a sqlite database at path and ensures
// the schema. A single writer connection avoids SQLITE_BUSY under the pure-Go
// driver.
func NewSQLiteBackend(path string, logger *slog.Logger) (Backend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}

	return &sqlBackend{db: db, driver: "sqlite", logger: logger}, nil
}
