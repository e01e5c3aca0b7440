package providers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/airlock-project/airlock/common/fault"
	"github.com/airlock-project/airlock/internal/relay/store"
)

// Breaker states as persisted in the circuit_breaker table.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

const (
	// failureThreshold is how many consecutive failures trip the breaker.
	failureThreshold = 5
	// cooldown is how long an open breaker rejects calls before probing.
	cooldown = 30 * time.Second
	// halfOpenProbes is how many trial calls a half-open breaker admits.
	halfOpenProbes = 2
	// probeRetry is the retry hint while half-open probes are in flight.
	probeRetry = 5 * time.Second
)

// breakerStore is the slice of the relay store the breaker persists through.
type breakerStore interface {
	GetBreaker(ctx context.Context, provider string) (*store.BreakerRecord, error)
	PutBreaker(ctx context.Context, rec *store.BreakerRecord) error
}

type breakerEntry struct {
	state     string
	failures  int
	openedAt  time.Time
	probes    int
	successes int
}

// Breaker is a per-provider circuit breaker. It trips after a run of
// consecutive failures, rejects calls for a cooldown, then lets a couple of
// probe calls through before closing again. State changes are persisted so
// a restart does not grant a broken provider a fresh run of failures.
type Breaker struct {
	st  breakerStore
	log *slog.Logger

	mu      sync.Mutex
	entries map[string]*breakerEntry
	now     func() time.Time
}

// NewBreaker builds a breaker backed by the given store. A nil logger uses
// slog.Default().
func NewBreaker(st breakerStore, log *slog.Logger) *Breaker {
	if log == nil {
		log = slog.Default()
	}
	return &Breaker{
		st:      st,
		log:     log,
		entries: make(map[string]*breakerEntry),
		now:     time.Now,
	}
}

// Allow reports whether a call to the provider may proceed. An open breaker
// fails with fault.Unavailable carrying the remaining cooldown as the retry
// hint. Callers must follow every admitted call with Report.
func (b *Breaker) Allow(ctx context.Context, provider string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(ctx, provider)
	now := b.now()

	switch e.state {
	case StateOpen:
		wait := e.openedAt.Add(cooldown).Sub(now)
		if wait > 0 {
			return fault.New(fault.Unavailable, "provider %s unavailable, retry in %d s", provider, ceilSeconds(wait)).
				WithRetryAfter(wait)
		}
		// Cooldown elapsed. Start probing.
		e.state = StateHalfOpen
		e.probes = 0
		e.successes = 0
		b.persist(ctx, provider, e)
		fallthrough
	case StateHalfOpen:
		if e.probes >= halfOpenProbes {
			return fault.New(fault.Unavailable, "provider %s unavailable, retry in %d s", provider, ceilSeconds(probeRetry)).
				WithRetryAfter(probeRetry)
		}
		e.probes++
		return nil
	default:
		return nil
	}
}

// Report records the outcome of an admitted call. Failures accumulate toward
// the trip threshold; a failure while half-open reopens the breaker, while
// enough half-open successes close it.
func (b *Breaker) Report(ctx context.Context, provider string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(ctx, provider)

	if success {
		switch e.state {
		case StateHalfOpen:
			e.successes++
			if e.successes >= halfOpenProbes {
				e.state = StateClosed
				e.failures = 0
				e.openedAt = time.Time{}
				b.log.Info("provider breaker closed", "provider", provider)
				b.persist(ctx, provider, e)
			}
		default:
			if e.failures != 0 {
				e.failures = 0
				b.persist(ctx, provider, e)
			}
		}
		return
	}

	switch e.state {
	case StateHalfOpen:
		e.state = StateOpen
		e.openedAt = b.now()
		e.failures = failureThreshold
		b.log.Warn("provider breaker reopened", "provider", provider)
		b.persist(ctx, provider, e)
	case StateClosed:
		e.failures++
		if e.failures >= failureThreshold {
			e.state = StateOpen
			e.openedAt = b.now()
			b.log.Warn("provider breaker opened", "provider", provider, "failures", e.failures)
		}
		b.persist(ctx, provider, e)
	}
}

// entry returns the in-memory state for a provider, restoring it from the
// store on first sight. A read failure falls back to a fresh closed breaker:
// provider calls should not be bricked by a bad row.
func (b *Breaker) entry(ctx context.Context, provider string) *breakerEntry {
	if e, ok := b.entries[provider]; ok {
		return e
	}
	e := &breakerEntry{state: StateClosed}
	rec, err := b.st.GetBreaker(ctx, provider)
	if err != nil {
		b.log.Warn("failed to restore breaker state", "provider", provider, "error", err)
	} else if rec != nil {
		e.state = rec.State
		e.failures = rec.Failures
		if rec.OpenedAt != nil {
			e.openedAt = *rec.OpenedAt
		}
		// Half-open probe counters are not persisted; a restart while
		// probing starts the probe round over.
		if e.state == StateHalfOpen {
			e.state = StateOpen
		}
	}
	b.entries[provider] = e
	return e
}

func (b *Breaker) persist(ctx context.Context, provider string, e *breakerEntry) {
	rec := &store.BreakerRecord{
		Provider: provider,
		State:    e.state,
		Failures: e.failures,
	}
	if !e.openedAt.IsZero() {
		t := e.openedAt
		rec.OpenedAt = &t
	}
	if err := b.st.PutBreaker(ctx, rec); err != nil {
		b.log.Warn("failed to persist breaker state", "provider", provider, "error", err)
	}
}

func ceilSeconds(d time.Duration) int64 {
	return int64((d + time.Second - 1) / time.Second)
}
