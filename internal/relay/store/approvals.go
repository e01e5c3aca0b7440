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

// ApprovalStatus is the lifecycle state of an operator approval.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalDenied    ApprovalStatus = "denied"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// DefaultApprovalTTL is how long a pending approval waits before expiring.
const DefaultApprovalTTL = 24 * time.Hour

// Approval is a held request for a gated operation, waiting for an operator
// to approve or deny it through the CLI.
type Approval struct {
	// ID is a short random hex identifier operators can type (12 chars).
	ID string

	// Action is the gated operation key (e.g. "memory.promote").
	Action string

	// Target is the primary subject of the action (entry id, provider name).
	Target string

	// Details carries a JSON-encoded description sufficient to re-execute
	// the operation once approved.
	Details string

	RequestedBy   string
	Status        ApprovalStatus
	ResolvedBy    string
	ResolveReason string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	ResolvedAt    *time.Time
}

// IsExpired reports whether a still-pending approval has passed its deadline.
func (a *Approval) IsExpired(now time.Time) bool {
	return a.Status == ApprovalPending && now.After(a.ExpiresAt)
}

func generateApprovalID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate approval ID: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

const maxApprovalIDRetries = 3

// CreateApproval persists a new pending approval. On the unlikely event of
// an ID collision it retries with a fresh ID before failing.
func (s *Store) CreateApproval(ctx context.Context, action, target, details, requestedBy string, ttl time.Duration) (*Approval, error) {
	if ttl <= 0 {
		ttl = DefaultApprovalTTL
	}
	now := time.Now()
	expiresAt := now.Add(ttl)

	var lastErr error
	for attempt := 0; attempt < maxApprovalIDRetries; attempt++ {
		id, err := generateApprovalID()
		if err != nil {
			return nil, err
		}

		_, err = s.db.ExecContext(ctx, `
			INSERT INTO approvals (id, action, target, details, status, requested_by, created_at, expires_at)
			VALUES (?, ?, ?, ?, 'pending', ?, ?, ?)
		`, id, action, target, details, requestedBy, formatTime(now), formatTime(expiresAt))
		if err != nil {
			lastErr = err
			continue // likely ID collision; retry with a new ID
		}

		return &Approval{
			ID:          id,
			Action:      action,
			Target:      target,
			Details:     details,
			RequestedBy: requestedBy,
			Status:      ApprovalPending,
			CreatedAt:   now.UTC(),
			ExpiresAt:   expiresAt.UTC(),
		}, nil
	}

	return nil, fmt.Errorf("failed to create approval after %d attempts: %w", maxApprovalIDRetries, lastErr)
}

const approvalColumns = `id, action, target, details, status, requested_by,
       resolved_by, resolve_reason, created_at, expires_at, resolved_at`

func scanApproval(row interface{ Scan(...any) error }) (*Approval, error) {
	var (
		a          Approval
		resolvedBy sql.NullString
		reason     sql.NullString
		createdAt  string
		expiresAt  string
		resolvedAt sql.NullString
	)
	if err := row.Scan(&a.ID, &a.Action, &a.Target, &a.Details, &a.Status,
		&a.RequestedBy, &resolvedBy, &reason, &createdAt, &expiresAt, &resolvedAt); err != nil {
		return nil, err
	}
	a.ResolvedBy = resolvedBy.String
	a.ResolveReason = reason.String

	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at %q: %w", createdAt, err)
	}
	if a.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("bad expires_at %q: %w", expiresAt, err)
	}
	if a.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return nil, fmt.Errorf("bad resolved_at: %w", err)
	}
	return &a, nil
}

// GetApproval retrieves an approval by ID.
func (s *Store) GetApproval(ctx context.Context, id string) (*Approval, error) {
	a, err := scanApproval(s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.NotFound, "approval %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}
	return a, nil
}

// ListApprovals returns approvals filtered by status, newest first. Pass an
// empty status to return all.
func (s *Store) ListApprovals(ctx context.Context, status ApprovalStatus) ([]*Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT 100`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	var approvals []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		approvals = append(approvals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating approvals: %w", err)
	}
	return approvals, nil
}

// ResolveApproval moves a pending approval to a terminal status. Resolving
// anything but a pending approval is a conflict.
func (s *Store) ResolveApproval(ctx context.Context, id string, status ApprovalStatus, resolvedBy, reason string) error {
	switch status {
	case ApprovalApproved, ApprovalDenied, ApprovalCancelled:
	default:
		return fault.New(fault.InvalidArgument, "cannot resolve approval to status %q", status)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE approvals
		SET status = ?, resolved_at = ?, resolved_by = ?, resolve_reason = ?
		WHERE id = ? AND status = 'pending'
	`, string(status), formatTime(time.Now()), resolvedBy, reason, id)
	if err != nil {
		return fmt.Errorf("failed to resolve approval: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		// Either the ID is unknown or the approval is already resolved.
		existing, lookupErr := s.GetApproval(ctx, id)
		if lookupErr != nil {
			return fault.New(fault.NotFound, "approval %q not found", id)
		}
		return fault.New(fault.Conflict, "approval %q is already %s", id, existing.Status)
	}
	return nil
}
