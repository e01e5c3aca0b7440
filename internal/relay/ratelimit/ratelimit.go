// Package ratelimit enforces the relay's admission budgets. Counters live
// in the relay store so restarts do not reset spent budget, and every
// decision fails closed: a broken store denies the request rather than
// waving it through.
//
// Two limiters share the rate_limits table. The standard limiter checks a
// request against six dimensions at once (global, per-actor and
// per-(actor, tier), each per-minute and per-hour). The multimedia limiter
// budgets costly outbound features such as image generation per
// (feature, actor), hourly and daily. Windows are aligned to wall-clock
// boundaries so counters roll over predictably.
package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/airlock-project/airlock/common/fault"
	"github.com/airlock-project/airlock/common/wire"
	"github.com/airlock-project/airlock/internal/relay/store"
)

// Limiter answers allow/deny for both the standard and multimedia budgets.
type Limiter struct {
	db     *sql.DB
	limits Limits
}

// New builds a Limiter on top of the relay store.
func New(st *store.Store, limits Limits) *Limiter {
	return &Limiter{db: st.DB(), limits: limits}
}

// dimension is one (counter row, cap) pair a request must fit under.
type dimension struct {
	limiterType string
	key         string
	window      time.Duration
	cap         int
}

// Allow admits or rejects one standard request by actor and tier. All six
// dimensions are read first and incremented together, in one transaction,
// so concurrent requests cannot both squeeze under the same cap.
func (l *Limiter) Allow(ctx context.Context, actor string, tier wire.Tier, now time.Time) error {
	tl, ok := l.limits.Tiers[tier]
	if !ok {
		// Unknown tiers ride the strictest configured caps.
		tl = l.limits.Tiers[wire.TierPublicSocial]
	}
	dims := []dimension{
		{store.LimiterStandard, "global|minute", time.Minute, l.limits.GlobalPerMinute},
		{store.LimiterStandard, "global|hour", time.Hour, l.limits.GlobalPerHour},
		{store.LimiterStandard, "actor|" + actor + "|minute", time.Minute, l.limits.ActorPerMinute},
		{store.LimiterStandard, "actor|" + actor + "|hour", time.Hour, l.limits.ActorPerHour},
		{store.LimiterStandard, "tier|" + actor + "|" + string(tier) + "|minute", time.Minute, tl.PerMinute},
		{store.LimiterStandard, "tier|" + actor + "|" + string(tier) + "|hour", time.Hour, tl.PerHour},
	}
	return l.checkAndConsume(ctx, dims, now)
}

// AllowFeature admits or rejects one multimedia operation for an actor.
func (l *Limiter) AllowFeature(ctx context.Context, feature, actor string, now time.Time) error {
	fl, ok := l.limits.Features[feature]
	if !ok {
		return rateLimited(remainingWindow(now, time.Hour))
	}
	dims := []dimension{
		{store.LimiterMultimedia, feature + "|" + actor + "|hour", time.Hour, fl.PerHour},
		{store.LimiterMultimedia, feature + "|" + actor + "|day", 24 * time.Hour, fl.PerDay},
	}
	return l.checkAndConsume(ctx, dims, now)
}

func (l *Limiter) checkAndConsume(ctx context.Context, dims []dimension, now time.Time) error {
	// The store keeps a single connection, so holding the transaction
	// serializes the read+increment pair against every other caller.
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return failClosed(err, now)
	}
	defer tx.Rollback() //nolint:errcheck

	var worst time.Duration
	for _, d := range dims {
		var points int
		err := tx.QueryRowContext(ctx, `
			SELECT points FROM rate_limits
			WHERE limiter_type = ? AND key = ? AND window_start = ?
		`, d.limiterType, d.key, windowStart(now, d.window)).Scan(&points)
		if errors.Is(err, sql.ErrNoRows) {
			points = 0
		} else if err != nil {
			return failClosed(err, now)
		}
		if points+1 > d.cap {
			if rem := remainingWindow(now, d.window); rem > worst {
				worst = rem
			}
		}
	}
	if worst > 0 {
		return rateLimited(worst)
	}

	for _, d := range dims {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rate_limits (limiter_type, key, window_start, points)
			VALUES (?, ?, ?, 1)
			ON CONFLICT (limiter_type, key, window_start)
			DO UPDATE SET points = points + 1
		`, d.limiterType, d.key, windowStart(now, d.window)); err != nil {
			return failClosed(err, now)
		}
	}
	if err := tx.Commit(); err != nil {
		return failClosed(err, now)
	}
	return nil
}

// windowStart floors now onto the window boundary, in unix milliseconds.
func windowStart(now time.Time, window time.Duration) int64 {
	ms := now.UnixMilli()
	w := window.Milliseconds()
	return ms - ms%w
}

// remainingWindow is the time left until the current window rolls over.
func remainingWindow(now time.Time, window time.Duration) time.Duration {
	w := window.Milliseconds()
	rem := w - now.UnixMilli()%w
	return time.Duration(rem) * time.Millisecond
}

func rateLimited(wait time.Duration) error {
	secs := int64((wait + time.Second - 1) / time.Second)
	return fault.New(fault.RateLimited, "Rate limit exceeded. Wait %d s.", secs).
		WithRetryAfter(wait)
}

// failClosed converts a store error into a denial. Budget accounting that
// cannot be trusted must never admit traffic.
func failClosed(err error, now time.Time) error {
	wait := remainingWindow(now, time.Minute)
	return fault.Wrap(err, fault.RateLimited, fmt.Sprintf(
		"Rate limit exceeded. Wait %d s.", int64((wait+time.Second-1)/time.Second))).
		WithRetryAfter(wait)
}
