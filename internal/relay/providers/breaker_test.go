package providers

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/airlock-project/airlock/common/fault"
	"github.com/airlock-project/airlock/internal/relay/store"
)

var breakerBase = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newTestBreaker(t *testing.T) (*Breaker, *store.Store) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "airlock-test-*.db")
	if err != nil {
		t.Fatalf("create temp db: %v", err)
	}
	f.Close()
	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	b := NewBreaker(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.now = func() time.Time { return breakerBase }
	return b, s
}

// trip drives the breaker to open with a run of reported failures.
func trip(t *testing.T, b *Breaker, provider string) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < failureThreshold; i++ {
		if err := b.Allow(ctx, provider); err != nil {
			t.Fatalf("Allow before trip (failure %d): %v", i, err)
		}
		b.Report(ctx, provider, false)
	}
}

func TestBreaker_ClosedAdmits(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	if err := b.Allow(ctx, "openai"); err != nil {
		t.Fatalf("Allow on fresh breaker: %v", err)
	}
	b.Report(ctx, "openai", true)
	if err := b.Allow(ctx, "openai"); err != nil {
		t.Fatalf("Allow after success: %v", err)
	}
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	trip(t, b, "openai")

	err := b.Allow(ctx, "openai")
	if fault.KindOf(err) != fault.Unavailable {
		t.Fatalf("Allow after trip: kind = %v, want %v", fault.KindOf(err), fault.Unavailable)
	}
	if wait := fault.RetryAfterOf(err); wait <= 0 || wait > cooldown {
		t.Fatalf("RetryAfter = %v, want in (0, %v]", wait, cooldown)
	}
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < failureThreshold-1; i++ {
		if err := b.Allow(ctx, "openai"); err != nil {
			t.Fatalf("Allow: %v", err)
		}
		b.Report(ctx, "openai", false)
	}
	b.Report(ctx, "openai", true)

	// The streak restarted, so another threshold-1 failures stay closed.
	for i := 0; i < failureThreshold-1; i++ {
		if err := b.Allow(ctx, "openai"); err != nil {
			t.Fatalf("Allow after reset (failure %d): %v", i, err)
		}
		b.Report(ctx, "openai", false)
	}
	if err := b.Allow(ctx, "openai"); err != nil {
		t.Fatalf("Allow at threshold-1: %v", err)
	}
	b.Report(ctx, "openai", false)
	if err := b.Allow(ctx, "openai"); fault.KindOf(err) != fault.Unavailable {
		t.Fatalf("Allow after threshold: kind = %v, want %v", fault.KindOf(err), fault.Unavailable)
	}
}

func TestBreaker_CooldownAdmitsLimitedProbes(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	trip(t, b, "openai")
	b.now = func() time.Time { return breakerBase.Add(cooldown + time.Second) }

	for i := 0; i < halfOpenProbes; i++ {
		if err := b.Allow(ctx, "openai"); err != nil {
			t.Fatalf("probe %d denied: %v", i, err)
		}
	}
	err := b.Allow(ctx, "openai")
	if fault.KindOf(err) != fault.Unavailable {
		t.Fatalf("Allow past probe budget: kind = %v, want %v", fault.KindOf(err), fault.Unavailable)
	}
	if wait := fault.RetryAfterOf(err); wait <= 0 || wait > probeRetry {
		t.Fatalf("RetryAfter = %v, want in (0, %v]", wait, probeRetry)
	}
}

func TestBreaker_ProbeSuccessesClose(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	trip(t, b, "openai")
	b.now = func() time.Time { return breakerBase.Add(cooldown + time.Second) }

	for i := 0; i < halfOpenProbes; i++ {
		if err := b.Allow(ctx, "openai"); err != nil {
			t.Fatalf("probe %d denied: %v", i, err)
		}
		b.Report(ctx, "openai", true)
	}

	// Closed again, with the failure streak reset.
	if err := b.Allow(ctx, "openai"); err != nil {
		t.Fatalf("Allow after close: %v", err)
	}
	b.Report(ctx, "openai", false)
	if err := b.Allow(ctx, "openai"); err != nil {
		t.Fatalf("Allow after single failure: %v", err)
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	trip(t, b, "openai")
	reopened := breakerBase.Add(cooldown + time.Second)
	b.now = func() time.Time { return reopened }

	if err := b.Allow(ctx, "openai"); err != nil {
		t.Fatalf("probe denied: %v", err)
	}
	b.Report(ctx, "openai", false)

	err := b.Allow(ctx, "openai")
	if fault.KindOf(err) != fault.Unavailable {
		t.Fatalf("Allow after probe failure: kind = %v, want %v", fault.KindOf(err), fault.Unavailable)
	}
	if wait := fault.RetryAfterOf(err); wait <= 0 || wait > cooldown {
		t.Fatalf("RetryAfter = %v, want in (0, %v]", wait, cooldown)
	}
}

func TestBreaker_OpenStateSurvivesRestart(t *testing.T) {
	b, s := newTestBreaker(t)
	ctx := context.Background()

	trip(t, b, "openai")

	fresh := NewBreaker(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	fresh.now = func() time.Time { return breakerBase.Add(time.Second) }

	err := fresh.Allow(ctx, "openai")
	if fault.KindOf(err) != fault.Unavailable {
		t.Fatalf("Allow after restart: kind = %v, want %v", fault.KindOf(err), fault.Unavailable)
	}
}

func TestBreaker_ProvidersAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	trip(t, b, "openai")

	if err := b.Allow(ctx, "elevenlabs"); err != nil {
		t.Fatalf("Allow on untouched provider: %v", err)
	}
}
