// Package store owns the relay's durable SQLite state: sticky session
// bindings and the append-only usage ledger (spec.md §6 "Persisted state").
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the relay's SQLite connection pool.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if absent) the SQLite database at path, applies
// migrations, and configures it for the relay's concurrency model: a small
// bounded pool (spec.md §5 "4-16 connections"), WAL journaling so readers
// don't block the writer, and a busy timeout so lock contention backs off
// instead of failing immediately.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(8)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	db := &DB{conn: conn}
	if err := db.migrate(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func (db *DB) Close() error { return db.conn.Close() }

func (db *DB) Ping(ctx context.Context) error { return db.conn.PingContext(ctx) }

// migrate applies each schema statement in numeric order; every statement
// is idempotent via "IF NOT EXISTS" so re-running at boot is always safe.
func (db *DB) migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}

var migrations = []string{
	// 1: sticky session bindings
	`CREATE TABLE IF NOT EXISTS sticky_sessions (
		session_hash TEXT PRIMARY KEY,
		account_id   TEXT NOT NULL,
		expires_at   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sticky_sessions_expires_at ON sticky_sessions(expires_at)`,

	// 2: append-only usage ledger
	`CREATE TABLE IF NOT EXISTS usage_stats (
		id                    INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id            TEXT NOT NULL,
		model                 TEXT NOT NULL,
		input_tokens          INTEGER NOT NULL DEFAULT 0,
		output_tokens         INTEGER NOT NULL DEFAULT 0,
		cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
		request_count         INTEGER NOT NULL DEFAULT 1,
		created_at            INTEGER NOT NULL,
		client_api_key_hash   TEXT NOT NULL DEFAULT 'legacy'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_stats_account_created ON usage_stats(account_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_stats_key_created ON usage_stats(client_api_key_hash, created_at)`,

	// 3: optional, non-authoritative debug trail (SPEC_FULL supplement)
	`CREATE TABLE IF NOT EXISTS request_log (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id   TEXT NOT NULL,
		provider     TEXT NOT NULL,
		status       TEXT NOT NULL,
		duration_ms  INTEGER NOT NULL,
		created_at   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_request_log_created_at ON request_log(created_at)`,
}

// UsageRecord mirrors spec.md §3's UsageRecord entity.
type UsageRecord struct {
	ClientAPIKeyHash    string
	AccountID           string
	Model               string
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
	RequestCount        int
	CreatedAt           time.Time
}

// InsertUsage appends a UsageRecord. Append-only: callers never update a row.
func (db *DB) InsertUsage(ctx context.Context, r UsageRecord) error {
	if r.RequestCount == 0 {
		r.RequestCount = 1
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO usage_stats
			(account_id, model, input_tokens, output_tokens, cache_creation_tokens,
			 cache_read_tokens, request_count, created_at, client_api_key_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.AccountID, r.Model, r.InputTokens, r.OutputTokens, r.CacheCreationTokens,
		r.CacheReadTokens, r.RequestCount, r.CreatedAt.Unix(), nonEmpty(r.ClientAPIKeyHash, "legacy"))
	return err
}

// InsertRequestLog appends a debug trail row (SPEC_FULL supplement, non-authoritative).
func (db *DB) InsertRequestLog(ctx context.Context, accountID, provider, status string, durationMs int64, at time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO request_log (account_id, provider, status, duration_ms, created_at) VALUES (?, ?, ?, ?, ?)`,
		accountID, provider, status, durationMs, at.Unix())
	return err
}

// PurgeOldLogs deletes request_log rows older than cutoff, keeping the
// debug trail bounded (SPEC_FULL supplement; usage_stats is never purged).
func (db *DB) PurgeOldLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM request_log WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nonEmpty(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Conn exposes the underlying *sql.DB for packages (session) that need to
// run their own statements against the same pool.
func (db *DB) Conn() *sql.DB { return db.conn }
