package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/airlock-project/airlock/common/fault"
)

// DefaultSessionTTL is how long a resume mapping stays valid without being
// refreshed.
const DefaultSessionTTL = 24 * time.Hour

// Session maps a chat to the runtime session that last served it, so a
// follow-up message can resume instead of starting cold.
type Session struct {
	ChatID    string
	SessionID string
	PoolKey   string
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// SaveSession records (or refreshes) the resume mapping for a chat.
func (s *Store) SaveSession(ctx context.Context, chatID, sessionID, poolKey string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (chat_id, session_id, pool_key, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			session_id = excluded.session_id,
			pool_key   = excluded.pool_key,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at
	`, chatID, sessionID, poolKey, formatTime(now), formatTime(now.Add(ttl)))
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession returns the resume mapping for a chat. Expired mappings read
// as missing; the cleanup loop removes the rows.
func (s *Store) GetSession(ctx context.Context, chatID string) (*Session, error) {
	var (
		sess      Session
		updatedAt string
		expiresAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT chat_id, session_id, pool_key, updated_at, expires_at
		FROM sessions
		WHERE chat_id = ?
	`, chatID).Scan(&sess.ChatID, &sess.SessionID, &sess.PoolKey, &updatedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.NotFound, "no session for chat %q", chatID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at %q: %w", updatedAt, err)
	}
	if sess.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("bad expires_at %q: %w", expiresAt, err)
	}
	if time.Now().After(sess.ExpiresAt) {
		return nil, fault.New(fault.NotFound, "no session for chat %q", chatID)
	}
	return &sess, nil
}

// DeleteSession drops the resume mapping for a chat, forcing the next query
// to start a fresh runtime session.
func (s *Store) DeleteSession(ctx context.Context, chatID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
