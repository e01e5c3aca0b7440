package ratelimit_test

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/airlock-project/airlock/common/fault"
	"github.com/airlock-project/airlock/common/wire"
	"github.com/airlock-project/airlock/internal/relay/ratelimit"
	"github.com/airlock-project/airlock/internal/relay/store"
)

func newTestLimiter(t *testing.T, limits ratelimit.Limits) (*ratelimit.Limiter, *store.Store) {
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
	return ratelimit.New(s, limits), s
}

// openLimits returns a cap table where nothing blocks, so each test can
// lower exactly the dimension under test.
func openLimits() ratelimit.Limits {
	l := ratelimit.DefaultLimits()
	l.GlobalPerMinute = 1000
	l.GlobalPerHour = 1000
	l.ActorPerMinute = 1000
	l.ActorPerHour = 1000
	for tier := range l.Tiers {
		l.Tiers[tier] = ratelimit.TierLimits{PerMinute: 1000, PerHour: 1000}
	}
	for feature := range l.Features {
		l.Features[feature] = ratelimit.FeatureLimits{PerHour: 1000, PerDay: 1000}
	}
	return l
}

// dayStart returns a wall-clock instant aligned to every window size used
// by the limiter, so tests can reason about rollover exactly.
func dayStart() time.Time {
	const baseMs = 1_756_000_000_000
	day := (24 * time.Hour).Milliseconds()
	return time.UnixMilli(baseMs - baseMs%day)
}

func TestAllow_MinuteCapThenBlock(t *testing.T) {
	limits := openLimits()
	limits.ActorPerMinute = 3
	l, _ := newTestLimiter(t, limits)
	ctx := context.Background()
	now := dayStart()

	for i := 0; i < 3; i++ {
		if err := l.Allow(ctx, "chat:42", wire.TierReadOnly, now); err != nil {
			t.Fatalf("request %d should be admitted: %v", i+1, err)
		}
	}
	err := l.Allow(ctx, "chat:42", wire.TierReadOnly, now)
	if fault.KindOf(err) != fault.RateLimited {
		t.Fatalf("kind: got %s, want %s", fault.KindOf(err), fault.RateLimited)
	}
	if fault.RetryAfterOf(err) <= 0 || fault.RetryAfterOf(err) > time.Minute {
		t.Errorf("retry-after: got %v, want within (0, 1m]", fault.RetryAfterOf(err))
	}
	if !strings.HasPrefix(err.Error(), "Rate limit exceeded. Wait ") {
		t.Errorf("message: got %q", err.Error())
	}
}

func TestAllow_BlockedRequestConsumesNoBudget(t *testing.T) {
	limits := openLimits()
	limits.ActorPerMinute = 1
	l, _ := newTestLimiter(t, limits)
	ctx := context.Background()
	now := dayStart()

	if err := l.Allow(ctx, "chat:42", wire.TierReadOnly, now); err != nil {
		t.Fatalf("first request: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := l.Allow(ctx, "chat:42", wire.TierReadOnly, now); err == nil {
			t.Fatal("over-cap request admitted")
		}
	}

	// Rollover still admits: the blocked attempts must not have counted.
	if err := l.Allow(ctx, "chat:42", wire.TierReadOnly, now.Add(time.Minute)); err != nil {
		t.Errorf("after rollover: %v", err)
	}
}

func TestAllow_WaitMessageNamesSeconds(t *testing.T) {
	limits := openLimits()
	limits.ActorPerMinute = 1
	l, _ := newTestLimiter(t, limits)
	ctx := context.Background()
	now := dayStart()

	if err := l.Allow(ctx, "chat:42", wire.TierReadOnly, now); err != nil {
		t.Fatalf("first request: %v", err)
	}
	err := l.Allow(ctx, "chat:42", wire.TierReadOnly, now.Add(18*time.Second))
	if err == nil {
		t.Fatal("expected a rate-limit error")
	}
	if got, want := err.Error(), "Rate limit exceeded. Wait 42 s."; got != want {
		t.Errorf("message: got %q, want %q", got, want)
	}
}

func TestAllow_HourCapOutlastsMinuteRollover(t *testing.T) {
	limits := openLimits()
	limits.ActorPerHour = 2
	l, _ := newTestLimiter(t, limits)
	ctx := context.Background()
	now := dayStart()

	for i := 0; i < 2; i++ {
		if err := l.Allow(ctx, "chat:42", wire.TierReadOnly, now); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}
	err := l.Allow(ctx, "chat:42", wire.TierReadOnly, now.Add(time.Minute))
	if fault.KindOf(err) != fault.RateLimited {
		t.Fatalf("minute rollover should not clear the hour cap, got %v", err)
	}
	if ra := fault.RetryAfterOf(err); ra <= time.Minute {
		t.Errorf("retry-after should point at the hour window, got %v", ra)
	}
	if err := l.Allow(ctx, "chat:42", wire.TierReadOnly, now.Add(time.Hour)); err != nil {
		t.Errorf("hour rollover should admit: %v", err)
	}
}

func TestAllow_ActorsDoNotShareBudget(t *testing.T) {
	limits := openLimits()
	limits.ActorPerMinute = 1
	l, _ := newTestLimiter(t, limits)
	ctx := context.Background()
	now := dayStart()

	if err := l.Allow(ctx, "chat:42", wire.TierReadOnly, now); err != nil {
		t.Fatalf("actor A: %v", err)
	}
	if err := l.Allow(ctx, "chat:42", wire.TierReadOnly, now); err == nil {
		t.Fatal("actor A over cap should be blocked")
	}
	if err := l.Allow(ctx, "chat:99", wire.TierReadOnly, now); err != nil {
		t.Errorf("actor B should be unaffected: %v", err)
	}
}

func TestAllow_TierBudgetsAreSeparate(t *testing.T) {
	limits := openLimits()
	limits.Tiers[wire.TierFullAccess] = ratelimit.TierLimits{PerMinute: 1, PerHour: 1000}
	l, _ := newTestLimiter(t, limits)
	ctx := context.Background()
	now := dayStart()

	if err := l.Allow(ctx, "chat:42", wire.TierFullAccess, now); err != nil {
		t.Fatalf("full-access: %v", err)
	}
	if err := l.Allow(ctx, "chat:42", wire.TierFullAccess, now); err == nil {
		t.Fatal("full-access over cap should be blocked")
	}
	if err := l.Allow(ctx, "chat:42", wire.TierReadOnly, now); err != nil {
		t.Errorf("read-only budget should be untouched: %v", err)
	}
}

func TestAllow_GlobalCapCoversAllActors(t *testing.T) {
	limits := openLimits()
	limits.GlobalPerMinute = 2
	l, _ := newTestLimiter(t, limits)
	ctx := context.Background()
	now := dayStart()

	if err := l.Allow(ctx, "chat:1", wire.TierReadOnly, now); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := l.Allow(ctx, "chat:2", wire.TierReadOnly, now); err != nil {
		t.Fatalf("second: %v", err)
	}
	if err := l.Allow(ctx, "chat:3", wire.TierReadOnly, now); fault.KindOf(err) != fault.RateLimited {
		t.Errorf("third actor should hit the global cap, got %v", err)
	}
}

func TestAllow_FailsClosedOnStoreError(t *testing.T) {
	l, s := newTestLimiter(t, openLimits())
	s.Close()

	err := l.Allow(context.Background(), "chat:42", wire.TierReadOnly, dayStart())
	if fault.KindOf(err) != fault.RateLimited {
		t.Errorf("kind: got %s, want %s", fault.KindOf(err), fault.RateLimited)
	}
	if fault.RetryAfterOf(err) <= 0 {
		t.Errorf("retry-after should still be set, got %v", fault.RetryAfterOf(err))
	}
}

func TestAllow_ConcurrentCallersNeverExceedCap(t *testing.T) {
	limits := openLimits()
	limits.ActorPerMinute = 5
	l, _ := newTestLimiter(t, limits)
	now := dayStart()

	var served atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Allow(context.Background(), "chat:42", wire.TierReadOnly, now); err == nil {
				served.Add(1)
			}
		}()
	}
	wg.Wait()

	if served.Load() != 5 {
		t.Errorf("served: got %d, want exactly 5", served.Load())
	}
}

// --- Multimedia ---

func TestAllowFeature_HourlyThenDailyCap(t *testing.T) {
	limits := openLimits()
	limits.Features[ratelimit.FeatureVideo] = ratelimit.FeatureLimits{PerHour: 2, PerDay: 3}
	l, _ := newTestLimiter(t, limits)
	ctx := context.Background()
	now := dayStart()

	for i := 0; i < 2; i++ {
		if err := l.AllowFeature(ctx, ratelimit.FeatureVideo, "chat:42", now); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}
	if err := l.AllowFeature(ctx, ratelimit.FeatureVideo, "chat:42", now); err == nil {
		t.Fatal("hourly cap should block")
	}

	// Next hour: one more fits under the daily cap, then the day blocks.
	later := now.Add(time.Hour)
	if err := l.AllowFeature(ctx, ratelimit.FeatureVideo, "chat:42", later); err != nil {
		t.Fatalf("after hour rollover: %v", err)
	}
	err := l.AllowFeature(ctx, ratelimit.FeatureVideo, "chat:42", later)
	if fault.KindOf(err) != fault.RateLimited {
		t.Fatalf("daily cap should block, got %v", err)
	}
	if ra := fault.RetryAfterOf(err); ra <= time.Hour {
		t.Errorf("retry-after should point at the day window, got %v", ra)
	}
}

func TestAllowFeature_FeaturesIsolatedPerActor(t *testing.T) {
	limits := openLimits()
	limits.Features[ratelimit.FeatureImageGen] = ratelimit.FeatureLimits{PerHour: 1, PerDay: 1000}
	l, _ := newTestLimiter(t, limits)
	ctx := context.Background()
	now := dayStart()

	if err := l.AllowFeature(ctx, ratelimit.FeatureImageGen, "chat:42", now); err != nil {
		t.Fatalf("image-gen: %v", err)
	}
	if err := l.AllowFeature(ctx, ratelimit.FeatureImageGen, "chat:42", now); err == nil {
		t.Fatal("image-gen over cap should be blocked")
	}
	if err := l.AllowFeature(ctx, ratelimit.FeatureTTS, "chat:42", now); err != nil {
		t.Errorf("tts budget should be untouched: %v", err)
	}
	if err := l.AllowFeature(ctx, ratelimit.FeatureImageGen, "chat:99", now); err != nil {
		t.Errorf("other actor should be unaffected: %v", err)
	}
}

func TestAllowFeature_UnknownFeatureDenied(t *testing.T) {
	l, _ := newTestLimiter(t, openLimits())

	err := l.AllowFeature(context.Background(), "holograms", "chat:42", dayStart())
	if fault.KindOf(err) != fault.RateLimited {
		t.Errorf("kind: got %s, want %s", fault.KindOf(err), fault.RateLimited)
	}
}

// --- Configuration ---

func TestLimitsFromEnv_Overrides(t *testing.T) {
	t.Setenv("RELAY_LIMIT_GLOBAL_MINUTE", "7")
	t.Setenv("RELAY_LIMIT_ACTOR_HOUR", "99")
	t.Setenv("RELAY_LIMIT_TIER_READ_ONLY_MINUTE", "3")
	t.Setenv("RELAY_LIMIT_FEATURE_IMAGE_GEN_DAY", "9")

	l := ratelimit.LimitsFromEnv()
	if l.GlobalPerMinute != 7 {
		t.Errorf("GlobalPerMinute: got %d, want 7", l.GlobalPerMinute)
	}
	if l.ActorPerHour != 99 {
		t.Errorf("ActorPerHour: got %d, want 99", l.ActorPerHour)
	}
	if l.Tiers[wire.TierReadOnly].PerMinute != 3 {
		t.Errorf("read-only PerMinute: got %d, want 3", l.Tiers[wire.TierReadOnly].PerMinute)
	}
	if l.Features[ratelimit.FeatureImageGen].PerDay != 9 {
		t.Errorf("image-gen PerDay: got %d, want 9", l.Features[ratelimit.FeatureImageGen].PerDay)
	}
	// Untouched entries keep their defaults.
	if l.GlobalPerHour != 2000 {
		t.Errorf("GlobalPerHour: got %d, want 2000", l.GlobalPerHour)
	}
}
