package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/airlock-project/airlock/common/fault"
)

// AttachmentRef is a stored binding between a minted attachment token and
// the artifact it grants access to. The ref string itself carries an HMAC
// tag; this row is the authoritative side the tag is checked against.
type AttachmentRef struct {
	Ref       string
	Actor     string
	Provider  string
	Filepath  string
	Filename  string
	MimeType  string
	SizeBytes int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// InsertAttachmentRef records a freshly minted ref.
func (s *Store) InsertAttachmentRef(ctx context.Context, ref *AttachmentRef) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachment_refs (ref, actor, provider, filepath, filename, mime_type, size_bytes, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ref.Ref, ref.Actor, ref.Provider, ref.Filepath, ref.Filename, ref.MimeType,
		ref.SizeBytes, formatTime(ref.CreatedAt), formatTime(ref.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fault.New(fault.Conflict, "attachment ref already exists")
		}
		return fmt.Errorf("failed to insert attachment ref: %w", err)
	}
	return nil
}

// GetAttachmentRef resolves a ref string to its stored binding. Expired
// refs read as missing.
func (s *Store) GetAttachmentRef(ctx context.Context, ref string) (*AttachmentRef, error) {
	var (
		a         AttachmentRef
		createdAt string
		expiresAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT ref, actor, provider, filepath, filename, mime_type, size_bytes, created_at, expires_at
		FROM attachment_refs
		WHERE ref = ?
	`, ref).Scan(&a.Ref, &a.Actor, &a.Provider, &a.Filepath, &a.Filename,
		&a.MimeType, &a.SizeBytes, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.NotFound, "attachment ref not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment ref: %w", err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at %q: %w", createdAt, err)
	}
	if a.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("bad expires_at %q: %w", expiresAt, err)
	}
	if time.Now().After(a.ExpiresAt) {
		return nil, fault.New(fault.NotFound, "attachment ref not found")
	}
	return &a, nil
}

// DeleteAttachmentRef removes a ref, e.g. after its artifact is handed off.
func (s *Store) DeleteAttachmentRef(ctx context.Context, ref string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM attachment_refs WHERE ref = ?`, ref); err != nil {
		return fmt.Errorf("failed to delete attachment ref: %w", err)
	}
	return nil
}
