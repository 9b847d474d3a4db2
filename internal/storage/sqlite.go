// Package storage persists users, conversation contexts and the message log
// in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"dialogbot/internal/domain"
)

const defaultMaxOpenConns = 4

// ErrNoConnection is returned by stores called without a SQLite connection.
var ErrNoConnection = errors.New("storage: not a sqlite connection")

// ProviderConfig configures the SQLite connection provider.
type ProviderConfig struct {
	Path         string
	MaxOpenConns int // default 4
	Logger       *slog.Logger
}

// Provider hands out one pooled SQLite connection per turn.
type Provider struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at cfg.Path. Call Prepare
// before first use to apply migrations.
func Open(cfg ProviderConfig) (*Provider, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaultMaxOpenConns
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)

	return &Provider{db: db, logger: cfg.Logger}, nil
}

// Conn is the per-turn connection handed to stores.
type Conn struct {
	*sql.Conn
}

// GetConnection reserves a connection from the pool. The caller must Close it.
func (p *Provider) GetConnection(ctx context.Context) (domain.Connection, error) {
	c, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &Conn{Conn: c}, nil
}

// Prepare applies pending migrations.
func (p *Provider) Prepare(ctx context.Context) error {
	if err := RunMigrations(ctx, p.db, p.logger); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	return nil
}

// DB exposes the pool for maintenance commands.
func (p *Provider) DB() *sql.DB { return p.db }

// Close closes the pool.
func (p *Provider) Close() error { return p.db.Close() }

// Stats reports the schema version and row counts.
type Stats struct {
	SchemaVersion int
	Contexts      int
	Users         int
	MessageLog    int
}

// Stats collects table sizes for the status command.
func (p *Provider) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	v, err := CurrentVersion(ctx, p.db)
	if err != nil {
		return s, err
	}
	s.SchemaVersion = v
	if v < SchemaVersion() {
		return s, nil
	}
	for table, dst := range map[string]*int{"context": &s.Contexts, "users": &s.Users, "message_log": &s.MessageLog} {
		if err := p.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(dst); err != nil {
			return s, fmt.Errorf("count %s: %w", table, err)
		}
	}
	return s, nil
}

func sqlConn(conn domain.Connection) (*sql.Conn, error) {
	c, ok := conn.(*Conn)
	if !ok || c == nil || c.Conn == nil {
		return nil, ErrNoConnection
	}
	return c.Conn, nil
}

var _ domain.ConnectionProvider = (*Provider)(nil)
