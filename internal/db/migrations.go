package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS channels (
	channel_id TEXT PRIMARY KEY,
	channel_name TEXT NOT NULL,
	protocol TEXT NOT NULL CHECK(protocol IN ('claude','codex','gemini','openai')),
	priority INTEGER NOT NULL DEFAULT 0,
	enabled INTEGER NOT NULL DEFAULT 1,
	cost_multiplier REAL,
	updated_at TEXT NOT NULL,
	UNIQUE(protocol, channel_name)
);

CREATE INDEX IF NOT EXISTS channels_protocol_priority ON channels(protocol, priority);

CREATE TABLE IF NOT EXISTS channel_endpoints (
	endpoint_id TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	url TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	cooldown_until TEXT,
	FOREIGN KEY(channel_id) REFERENCES channels(channel_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS channel_keys (
	key_id TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	label TEXT NOT NULL DEFAULT '',
	secret TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	cooldown_until TEXT,
	FOREIGN KEY(channel_id) REFERENCES channels(channel_id) ON DELETE CASCADE
);
`,
		DownSQL: `
DROP TABLE IF EXISTS channel_keys;
DROP TABLE IF EXISTS channel_endpoints;
DROP INDEX IF EXISTS channels_protocol_priority;
DROP TABLE IF EXISTS channels;
DELETE FROM schema_migrations WHERE version = 1;
`,
	},
	{
		Version: 2,
		UpSQL: `
CREATE INDEX IF NOT EXISTS channel_endpoints_cooldown ON channel_endpoints(cooldown_until) WHERE cooldown_until IS NOT NULL;
CREATE INDEX IF NOT EXISTS channel_keys_cooldown ON channel_keys(cooldown_until) WHERE cooldown_until IS NOT NULL;
CREATE INDEX IF NOT EXISTS channel_endpoints_channel ON channel_endpoints(channel_id, position);
CREATE INDEX IF NOT EXISTS channel_keys_channel ON channel_keys(channel_id, position);
`,
		DownSQL: `
DROP INDEX IF EXISTS channel_keys_channel;
DROP INDEX IF EXISTS channel_endpoints_channel;
DROP INDEX IF EXISTS channel_keys_cooldown;
DROP INDEX IF EXISTS channel_endpoints_cooldown;
DELETE FROM schema_migrations WHERE version = 2;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
