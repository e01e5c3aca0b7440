package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// BreakerRecord is the persisted slice of a provider circuit breaker: enough
// to restore the breaker's view of a flaky provider across restarts.
type BreakerRecord struct {
	Provider  string
	State     string
	Failures  int
	OpenedAt  *time.Time
	UpdatedAt time.Time
}

// GetBreaker loads the persisted breaker state for a provider. A missing
// row returns (nil, nil): the breaker starts closed.
func (s *Store) GetBreaker(ctx context.Context, provider string) (*BreakerRecord, error) {
	var (
		rec       BreakerRecord
		openedAt  sql.NullString
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT provider, state, failures, opened_at, updated_at
		FROM circuit_breaker
		WHERE provider = ?
	`, provider).Scan(&rec.Provider, &rec.State, &rec.Failures, &openedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get breaker state: %w", err)
	}
	if rec.OpenedAt, err = parseNullTime(openedAt); err != nil {
		return nil, fmt.Errorf("bad opened_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at %q: %w", updatedAt, err)
	}
	return &rec, nil
}

// PutBreaker upserts the breaker state for a provider.
func (s *Store) PutBreaker(ctx context.Context, rec *BreakerRecord) error {
	var openedAt any
	if rec.OpenedAt != nil {
		openedAt = formatTime(*rec.OpenedAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO circuit_breaker (provider, state, failures, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			state      = excluded.state,
			failures   = excluded.failures,
			opened_at  = excluded.opened_at,
			updated_at = excluded.updated_at
	`, rec.Provider, rec.State, rec.Failures, openedAt, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to put breaker state: %w", err)
	}
	return nil
}
