package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/airlock-project/airlock/common/fault"
)

// Memory provenance vocabulary. Source records which boundary an entry
// crossed to get here; trust is derived from source at insertion and only
// ever raised through the explicit promote operation.
const (
	SourceDirect = "direct"
	SourcePublic = "public"

	TrustTrusted     = "trusted"
	TrustQuarantined = "quarantined"
	TrustUntrusted   = "untrusted"
)

// MemoryCategories is the closed set of entry categories.
var MemoryCategories = map[string]bool{
	"profile":   true,
	"interests": true,
	"threads":   true,
	"posts":     true,
	"meta":      true,
}

// MemoryEntry is one provenance-stamped memory row.
type MemoryEntry struct {
	ID         string
	Category   string
	Content    string
	Source     string
	Trust      string
	ChatID     string
	CreatedAt  time.Time
	PromotedAt *time.Time
	PromotedBy string
	PostedAt   *time.Time
}

// NewEntry is the caller-supplied part of a memory entry; provenance is
// stamped by the store.
type NewEntry struct {
	ID       string
	Category string
	Content  string
	ChatID   string
}

const memoryColumns = `id, category, content, source, trust, chat_id,
       created_at, promoted_at, promoted_by, posted_at`

func scanMemoryEntry(row interface{ Scan(...any) error }) (*MemoryEntry, error) {
	var (
		e          MemoryEntry
		chatID     sql.NullString
		createdAt  string
		promotedAt sql.NullString
		promotedBy sql.NullString
		postedAt   sql.NullString
	)
	if err := row.Scan(&e.ID, &e.Category, &e.Content, &e.Source, &e.Trust,
		&chatID, &createdAt, &promotedAt, &promotedBy, &postedAt); err != nil {
		return nil, err
	}
	e.ChatID = chatID.String
	e.PromotedBy = promotedBy.String

	var err error
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at %q: %w", createdAt, err)
	}
	if e.PromotedAt, err = parseNullTime(promotedAt); err != nil {
		return nil, fmt.Errorf("bad promoted_at: %w", err)
	}
	if e.PostedAt, err = parseNullTime(postedAt); err != nil {
		return nil, fmt.Errorf("bad posted_at: %w", err)
	}
	return &e, nil
}

// CreateEntries inserts the batch, stamping provenance from source: direct
// entries materialize trusted, public entries untrusted. All inserts share
// one transaction and one creation timestamp.
func (s *Store) CreateEntries(ctx context.Context, entries []NewEntry, source string) ([]*MemoryEntry, error) {
	trust, err := trustForSource(source)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !MemoryCategories[e.Category] {
			return nil, fault.New(fault.InvalidArgument, "unknown memory category %q", e.Category)
		}
	}

	now := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	created := make([]*MemoryEntry, 0, len(entries))
	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO memory_entries (id, category, content, source, trust, chat_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, e.ID, e.Category, e.Content, source, trust, nullable(e.ChatID), formatTime(now))
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fault.New(fault.Conflict, "memory entry %q already exists", e.ID)
			}
			return nil, fmt.Errorf("failed to insert memory entry: %w", err)
		}
		created = append(created, &MemoryEntry{
			ID:        e.ID,
			Category:  e.Category,
			Content:   e.Content,
			Source:    source,
			Trust:     trust,
			ChatID:    e.ChatID,
			CreatedAt: now.UTC(),
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit memory entries: %w", err)
	}
	return created, nil
}

// CreateQuarantined inserts a posts entry held for review: source is forced
// to direct and trust to quarantined regardless of the caller's claim.
func (s *Store) CreateQuarantined(ctx context.Context, id, content, chatID string) (*MemoryEntry, error) {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_entries (id, category, content, source, trust, chat_id, created_at)
		VALUES (?, 'posts', ?, 'direct', 'quarantined', ?, ?)
	`, id, content, nullable(chatID), formatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fault.New(fault.Conflict, "memory entry %q already exists", id)
		}
		return nil, fmt.Errorf("failed to insert quarantined entry: %w", err)
	}
	return &MemoryEntry{
		ID:        id,
		Category:  "posts",
		Content:   content,
		Source:    SourceDirect,
		Trust:     TrustQuarantined,
		ChatID:    chatID,
		CreatedAt: now.UTC(),
	}, nil
}

// PromoteTrust raises a quarantined direct posts entry to trusted, stamping
// who promoted it and when. Any other row state is a no-op: the current row
// is returned with changed=false and the store stays idempotent.
func (s *Store) PromoteTrust(ctx context.Context, id, actor string) (*MemoryEntry, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	entry, err := scanMemoryEntry(tx.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memory_entries WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, false, fault.New(fault.NotFound, "memory entry %q not found", id)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load memory entry: %w", err)
	}

	if entry.Source != SourceDirect || entry.Category != "posts" || entry.Trust != TrustQuarantined {
		return entry, false, nil
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE memory_entries
		SET trust = 'trusted', promoted_at = ?, promoted_by = ?
		WHERE id = ?
	`, formatTime(now), actor, id); err != nil {
		return nil, false, fmt.Errorf("failed to promote memory entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit promotion: %w", err)
	}

	entry.Trust = TrustTrusted
	promoted := now.UTC()
	entry.PromotedAt = &promoted
	entry.PromotedBy = actor
	return entry, true, nil
}

// MarkPosted records the first successful public emission of an entry;
// later calls leave the original timestamp.
func (s *Store) MarkPosted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memory_entries
		SET posted_at = COALESCE(posted_at, ?)
		WHERE id = ?
	`, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark entry posted: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fault.New(fault.NotFound, "memory entry %q not found", id)
	}
	return nil
}

// SnapshotFilter selects entries for a scoped read. Zero-valued fields do
// not filter; Limit is normalized to [1, 500] with a default of 200.
type SnapshotFilter struct {
	Categories []string
	Trust      []string
	Sources    []string
	ChatID     string
	Limit      int

	// PublicCaller restricts the read to public-source entries no matter
	// what Sources asked for. The RPC layer applies the same restriction;
	// this one holds even if a future caller skips that layer.
	PublicCaller bool
}

// Snapshot reads entries matching the filter, newest first.
func (s *Store) Snapshot(ctx context.Context, f SnapshotFilter) ([]*MemoryEntry, error) {
	if f.PublicCaller {
		f.Sources = []string{SourcePublic}
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	if limit > 500 {
		limit = 500
	}

	where := []string{"1=1"}
	var args []any
	addIn := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		where = append(where, fmt.Sprintf("%s IN (%s)",
			column, strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")))
		for _, v := range values {
			args = append(args, v)
		}
	}
	addIn("category", f.Categories)
	addIn("trust", f.Trust)
	addIn("source", f.Sources)
	if f.ChatID != "" {
		where = append(where, "chat_id = ?")
		args = append(args, f.ChatID)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+`
		FROM memory_entries
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory snapshot: %w", err)
	}
	defer rows.Close()

	var entries []*MemoryEntry
	for rows.Next() {
		entry, err := scanMemoryEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memory entries: %w", err)
	}
	return entries, nil
}

// GetEntry returns one entry by id.
func (s *Store) GetEntry(ctx context.Context, id string) (*MemoryEntry, error) {
	entry, err := scanMemoryEntry(s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memory_entries WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.NotFound, "memory entry %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory entry: %w", err)
	}
	return entry, nil
}

func trustForSource(source string) (string, error) {
	switch source {
	case SourceDirect:
		return TrustTrusted, nil
	case SourcePublic:
		return TrustUntrusted, nil
	default:
		return "", fault.New(fault.InvalidArgument, "unknown memory source %q", source)
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
