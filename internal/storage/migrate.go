package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// migration is a single schema step, applied exactly once and tracked in
// the schema_version table.
type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: context, users",
		SQL: `
		CREATE TABLE IF NOT EXISTS context (
			channel         TEXT NOT NULL,
			channel_user_id TEXT NOT NULL,
			timestamp       INTEGER NOT NULL,
			topic_name      TEXT DEFAULT '',
			topic_status    TEXT DEFAULT '',
			topic_previous  TEXT DEFAULT '',
			topic_priority  INTEGER DEFAULT 50,
			data            TEXT DEFAULT '{}',
			PRIMARY KEY (channel, channel_user_id)
		);

		CREATE TABLE IF NOT EXISTS users (
			channel           TEXT NOT NULL,
			channel_user_id   TEXT NOT NULL,
			user_id           TEXT NOT NULL,
			timestamp         INTEGER NOT NULL,
			name              TEXT DEFAULT '',
			nickname          TEXT DEFAULT '',
			profile_image_url TEXT DEFAULT '',
			data              TEXT DEFAULT '{}',
			PRIMARY KEY (channel, channel_user_id)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_users_user_id ON users(user_id);
		`,
	},
	{
		Version:     2,
		Description: "v2: append-only message_log",
		SQL: `
		CREATE TABLE IF NOT EXISTS message_log (
			id              TEXT PRIMARY KEY,
			timestamp       INTEGER NOT NULL,
			channel         TEXT NOT NULL,
			channel_user_id TEXT NOT NULL,
			user_id         TEXT DEFAULT '',
			request_text    TEXT DEFAULT '',
			response_text   TEXT DEFAULT '',
			topic_name      TEXT DEFAULT '',
			intent          TEXT DEFAULT '',
			is_error        INTEGER DEFAULT 0,
			elapsed_ms      INTEGER DEFAULT 0,
			request         TEXT DEFAULT '{}',
			response        TEXT DEFAULT '{}',
			context         TEXT DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_message_log_user ON message_log(channel, channel_user_id, timestamp);
		`,
	},
}

// SchemaVersion is the version the binary expects.
func SchemaVersion() int {
	return migrations[len(migrations)-1].Version
}

// RunMigrations applies all pending migrations, each in its own transaction.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := CurrentVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)
		if err := apply(ctx, db, m); err != nil {
			return err
		}
		logger.Info("migration applied", "version", m.Version)
	}
	return nil
}

func apply(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", m.Version, err)
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(m.SQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
		}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration v%d: %w", m.Version, err)
	}
	return nil
}

func splitStatements(sqlText string) []string {
	var out []string
	for _, s := range strings.Split(sqlText, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// CurrentVersion returns the applied schema version, 0 for a fresh database.
func CurrentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var name string
	err := db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&name)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query schema table: %w", err)
	}

	var version int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return version, nil
}
