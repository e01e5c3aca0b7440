package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/airlock-project/airlock/common/fault"
)

// DefaultLinkCodeTTL bounds how long an issued link code can be redeemed.
const DefaultLinkCodeTTL = 10 * time.Minute

// IdentityLink binds an external chat identity to an actor.
type IdentityLink struct {
	ChatID   string
	Actor    string
	LinkedAt time.Time
}

// LinkCode is an un-redeemed pairing code.
type LinkCode struct {
	Code      string
	Actor     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// CreateLinkCode mints a single-use 8-char pairing code for actor. The code
// is what an operator hands to the external chat user; redeeming it binds
// that chat identity to the actor.
func (s *Store) CreateLinkCode(ctx context.Context, actor string, ttl time.Duration) (*LinkCode, error) {
	if ttl <= 0 {
		ttl = DefaultLinkCodeTTL
	}
	now := time.Now()
	expiresAt := now.Add(ttl)

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		buf := make([]byte, 4)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate link code: %w", err)
		}
		code := hex.EncodeToString(buf)

		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pending_link_codes (code, actor, created_at, expires_at)
			VALUES (?, ?, ?, ?)
		`, code, actor, formatTime(now), formatTime(expiresAt))
		if err != nil {
			lastErr = err
			continue // collision; retry with a new code
		}

		return &LinkCode{
			Code:      code,
			Actor:     actor,
			CreatedAt: now.UTC(),
			ExpiresAt: expiresAt.UTC(),
		}, nil
	}
	return nil, fmt.Errorf("failed to create link code: %w", lastErr)
}

// ConsumeLinkCode redeems a pairing code, binding chatID to the code's
// actor. Codes are single-use: the row is deleted in the same transaction
// that writes the identity link. Unknown and expired codes are reported
// identically so the code cannot be probed.
func (s *Store) ConsumeLinkCode(ctx context.Context, code, chatID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var actor, expiresText string
	err = tx.QueryRowContext(ctx,
		`SELECT actor, expires_at FROM pending_link_codes WHERE code = ?`, code,
	).Scan(&actor, &expiresText)
	if err == sql.ErrNoRows {
		return "", fault.New(fault.NotFound, "link code unknown or expired")
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up link code: %w", err)
	}

	expiresAt, err := parseTime(expiresText)
	if err != nil {
		return "", fmt.Errorf("bad expires_at %q: %w", expiresText, err)
	}
	if time.Now().After(expiresAt) {
		return "", fault.New(fault.NotFound, "link code unknown or expired")
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_link_codes WHERE code = ?`, code); err != nil {
		return "", fmt.Errorf("failed to consume link code: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO identity_links (chat_id, actor, linked_at)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET actor = excluded.actor, linked_at = excluded.linked_at
	`, chatID, actor, formatTime(time.Now())); err != nil {
		return "", fmt.Errorf("failed to write identity link: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit link: %w", err)
	}
	return actor, nil
}

// GetIdentityLink resolves a chat identity to its linked actor.
func (s *Store) GetIdentityLink(ctx context.Context, chatID string) (*IdentityLink, error) {
	var link IdentityLink
	var linkedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT chat_id, actor, linked_at FROM identity_links WHERE chat_id = ?`, chatID,
	).Scan(&link.ChatID, &link.Actor, &linkedAt)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.NotFound, "no identity link for chat %q", chatID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get identity link: %w", err)
	}
	if link.LinkedAt, err = parseTime(linkedAt); err != nil {
		return nil, fmt.Errorf("bad linked_at %q: %w", linkedAt, err)
	}
	return &link, nil
}

// DeleteIdentityLink unbinds a chat identity.
func (s *Store) DeleteIdentityLink(ctx context.Context, chatID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM identity_links WHERE chat_id = ?`, chatID)
	if err != nil {
		return fmt.Errorf("failed to delete identity link: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fault.New(fault.NotFound, "no identity link for chat %q", chatID)
	}
	return nil
}
