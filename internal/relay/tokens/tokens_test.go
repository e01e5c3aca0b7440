package tokens

import (
	"testing"
	"time"

	"github.com/airlock-project/airlock/common/envelope"
	"github.com/airlock-project/airlock/common/fault"
)

func TestIssueAndResolve(t *testing.T) {
	i := NewIssuer()

	token, exp, err := i.Issue(envelope.ScopeDirect, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if token == "" {
		t.Fatal("token should not be empty")
	}
	if got := time.Until(exp); got < 14*time.Minute || got > 16*time.Minute {
		t.Errorf("default expiry: got %v from now, want ~15m", got)
	}

	scope, err := i.Resolve(token)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if scope != envelope.ScopeDirect {
		t.Errorf("scope: got %q, want %q", scope, envelope.ScopeDirect)
	}
}

func TestIssue_TokensAreUnique(t *testing.T) {
	i := NewIssuer()
	seen := make(map[string]bool)
	for n := 0; n < 64; n++ {
		token, _, err := i.Issue(envelope.ScopePublic, 0)
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		if seen[token] {
			t.Fatal("duplicate token minted")
		}
		seen[token] = true
	}
}

func TestIssue_ClampsTTL(t *testing.T) {
	i := NewIssuer()
	now := time.Now()

	_, exp, err := i.Issue(envelope.ScopeDirect, time.Millisecond)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if exp.Sub(now) < MinTTL-time.Second {
		t.Errorf("short TTL should clamp up to %v, got %v", MinTTL, exp.Sub(now))
	}

	_, exp, err = i.Issue(envelope.ScopeDirect, 48*time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if exp.Sub(now) > MaxTTL+time.Second {
		t.Errorf("long TTL should clamp down to %v, got %v", MaxTTL, exp.Sub(now))
	}
}

func TestResolve_UnknownToken(t *testing.T) {
	i := NewIssuer()

	_, err := i.Resolve("no-such-token")
	if fault.KindOf(err) != fault.UnknownToken {
		t.Errorf("kind: got %s, want %s", fault.KindOf(err), fault.UnknownToken)
	}
}

func TestResolve_ExpiredTokenEvicted(t *testing.T) {
	i := NewIssuer()

	token, _, err := i.Issue(envelope.ScopePublic, MinTTL)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	i.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_, err = i.Resolve(token)
	if fault.KindOf(err) != fault.TokenExpired {
		t.Fatalf("kind: got %s, want %s", fault.KindOf(err), fault.TokenExpired)
	}

	// The expired binding is gone, so a retry reads as unknown.
	_, err = i.Resolve(token)
	if fault.KindOf(err) != fault.UnknownToken {
		t.Errorf("kind: got %s, want %s", fault.KindOf(err), fault.UnknownToken)
	}
}

func TestSweep_DropsOnlyExpired(t *testing.T) {
	i := NewIssuer()

	stale, _, err := i.Issue(envelope.ScopeDirect, MinTTL)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	live, _, err := i.Issue(envelope.ScopeDirect, MaxTTL)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if got := i.Sweep(time.Now().Add(30 * time.Minute)); got != 1 {
		t.Errorf("swept: got %d, want 1", got)
	}
	if _, err := i.Resolve(stale); fault.KindOf(err) != fault.UnknownToken {
		t.Errorf("stale token should be gone, kind: %s", fault.KindOf(err))
	}
	if _, err := i.Resolve(live); err != nil {
		t.Errorf("live token should survive the sweep: %v", err)
	}
}
