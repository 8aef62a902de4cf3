package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns conservative pool defaults.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

const postgresSchema = `
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
	temperature    DOUBLE PRECISION NOT NULL DEFAULT 0,
	max_tokens     INTEGER NOT NULL DEFAULT 0,
	system_prompt  TEXT NOT NULL DEFAULT '',
	auto_reply     BOOLEAN NOT NULL DEFAULT TRUE,
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
	seq        BIGINT NOT NULL,
	type       TEXT NOT NULL,
	payload    TEXT NOT NULL DEFAULT '',
	meta       TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	UNIQUE (world_id, chat_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_events_scope ON events (world_id, chat_id, seq);
`

// NewPostgresBackend connects to postgres using a DSN and ensures the schema.
func NewPostgresBackend(dsn string, config *PostgresConfig, logger *slog.Logger) (Backend, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init postgres schema: %w", err)
	}

	return &sqlBackend{db: db, driver: "postgres", logger: logger}, nil
}
