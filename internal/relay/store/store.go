// Package store provides the relay's embedded persistence layer: memory
// entries with provenance, rate-limit counters, approvals, identity links,
// resume sessions, circuit-breaker state, and attachment references.
//
// The schema is ensured idempotently at open. State here is operational, so
// there is no migration ladder: additive schema changes ship as new CREATE
// TABLE IF NOT EXISTS statements.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// timeLayout is RFC 3339 UTC with a fixed-width fraction so that TEXT
// ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Limiter families. The cleanup retention differs: standard windows are at
// most an hour long, multimedia windows at most a day.
const (
	LimiterStandard   = "standard"
	LimiterMultimedia = "multimedia"
)

const schema = `
CREATE TABLE IF NOT EXISTS memory_entries (
	id          TEXT PRIMARY KEY,
	category    TEXT NOT NULL,
	content     TEXT NOT NULL,
	source      TEXT NOT NULL,
	trust       TEXT NOT NULL,
	chat_id     TEXT,
	created_at  TEXT NOT NULL,
	promoted_at TEXT,
	promoted_by TEXT,
	posted_at   TEXT
);
CREATE INDEX IF NOT EXISTS idx_memory_category ON memory_entries(category);
CREATE INDEX IF NOT EXISTS idx_memory_trust ON memory_entries(trust);
CREATE INDEX IF NOT EXISTS idx_memory_source ON memory_entries(source);
CREATE INDEX IF NOT EXISTS idx_memory_created ON memory_entries(created_at);
CREATE INDEX IF NOT EXISTS idx_memory_chat ON memory_entries(chat_id);

CREATE TABLE IF NOT EXISTS rate_limits (
	limiter_type TEXT    NOT NULL,
	key          TEXT    NOT NULL,
	window_start INTEGER NOT NULL,
	points       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (limiter_type, key, window_start)
);

CREATE TABLE IF NOT EXISTS approvals (
	id             TEXT PRIMARY KEY,
	action         TEXT NOT NULL,
	target         TEXT NOT NULL DEFAULT '',
	details        TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'pending',
	requested_by   TEXT NOT NULL,
	resolved_by    TEXT,
	resolve_reason TEXT,
	created_at     TEXT NOT NULL,
	expires_at     TEXT NOT NULL,
	resolved_at    TEXT
);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);

CREATE TABLE IF NOT EXISTS identity_links (
	chat_id   TEXT PRIMARY KEY,
	actor     TEXT NOT NULL,
	linked_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_link_codes (
	code       TEXT PRIMARY KEY,
	actor      TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	chat_id    TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	pool_key   TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	expires_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS circuit_breaker (
	provider   TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	failures   INTEGER NOT NULL DEFAULT 0,
	opened_at  TEXT,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS attachment_refs (
	ref        TEXT PRIMARY KEY,
	actor      TEXT NOT NULL,
	provider   TEXT NOT NULL,
	filepath   TEXT NOT NULL,
	filename   TEXT NOT NULL,
	mime_type  TEXT NOT NULL,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL
);
`

// Store wraps the database connection.
type Store struct {
	db *sql.DB
}

// New opens (creating if necessary) the relay database at path and ensures
// the schema. The database file is created mode 0600 inside a 0700
// directory.
func New(path string) (*Store, error) {
	onDisk := !strings.Contains(path, ":memory:")
	if onDisk {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite is single-writer by design. Keep a single shared connection so
	// concurrent callers are serialized by database/sql instead of fighting
	// for write locks across multiple underlying connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	if onDisk {
		// sql.Open defers file creation; the schema statement above forced
		// it, so the mode can be tightened now.
		if err := os.Chmod(path, 0o600); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to restrict database mode: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for callers that need
// transactional access, such as the rate limiter.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CleanupStats reports what one cleanup pass removed.
type CleanupStats struct {
	RateWindows int64
	LinkCodes   int64
	Sessions    int64
	Attachments int64
	Approvals   int64

	// RemovedAttachmentPaths lists the artifact files whose refs expired;
	// the caller owns deleting the files.
	RemovedAttachmentPaths []string
}

// Cleanup deletes expired rows across the TTL'd tables: standard rate
// windows older than an hour, multimedia windows older than a day, expired
// link codes, sessions and attachment refs, and marks stale pending
// approvals expired.
func (s *Store) Cleanup(ctx context.Context, now time.Time) (CleanupStats, error) {
	var stats CleanupStats
	nowText := formatTime(now)

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limits WHERE limiter_type = ? AND window_start < ?`,
		LimiterStandard, now.Add(-time.Hour).UnixMilli())
	if err != nil {
		return stats, fmt.Errorf("failed to prune standard rate windows: %w", err)
	}
	n, _ := res.RowsAffected()
	stats.RateWindows += n

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM rate_limits WHERE limiter_type = ? AND window_start < ?`,
		LimiterMultimedia, now.Add(-24*time.Hour).UnixMilli())
	if err != nil {
		return stats, fmt.Errorf("failed to prune multimedia rate windows: %w", err)
	}
	n, _ = res.RowsAffected()
	stats.RateWindows += n

	res, err = s.db.ExecContext(ctx,
		`UPDATE approvals SET status = 'expired' WHERE status = 'pending' AND expires_at < ?`, nowText)
	if err != nil {
		return stats, fmt.Errorf("failed to expire stale approvals: %w", err)
	}
	stats.Approvals, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM pending_link_codes WHERE expires_at < ?`, nowText)
	if err != nil {
		return stats, fmt.Errorf("failed to prune link codes: %w", err)
	}
	stats.LinkCodes, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < ?`, nowText)
	if err != nil {
		return stats, fmt.Errorf("failed to prune sessions: %w", err)
	}
	stats.Sessions, _ = res.RowsAffected()

	rows, err := s.db.QueryContext(ctx,
		`SELECT ref, filepath FROM attachment_refs WHERE expires_at < ?`, nowText)
	if err != nil {
		return stats, fmt.Errorf("failed to list expired attachment refs: %w", err)
	}
	var expiredRefs []string
	for rows.Next() {
		var ref, path string
		if err := rows.Scan(&ref, &path); err != nil {
			rows.Close()
			return stats, fmt.Errorf("failed to scan attachment ref: %w", err)
		}
		expiredRefs = append(expiredRefs, ref)
		stats.RemovedAttachmentPaths = append(stats.RemovedAttachmentPaths, path)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("error iterating attachment refs: %w", err)
	}
	for _, ref := range expiredRefs {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM attachment_refs WHERE ref = ?`, ref); err != nil {
			return stats, fmt.Errorf("failed to delete attachment ref: %w", err)
		}
	}
	stats.Attachments = int64(len(expiredRefs))

	return stats, nil
}
