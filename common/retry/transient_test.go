package retry_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/airlock-project/airlock/common/fault"
	"github.com/airlock-project/airlock/common/retry"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestTransient_Classification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"econnreset", fmt.Errorf("dial: %w", syscall.ECONNRESET), true},
		{"econnrefused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"epipe", fmt.Errorf("write: %w", syscall.EPIPE), true},
		{"dns", &net.DNSError{Err: "no such host", Name: "agent.internal", IsNotFound: true}, true},
		{"net timeout", fmt.Errorf("call: %w", error(timeoutErr{})), true},
		{"message fragment", errors.New("upstream: socket hang up"), true},
		{"timed out after", errors.New("stream timed out after 30s"), true},
		{"fault transient", fault.New(fault.TransientNetwork, "agent unreachable"), true},
		{"fault stream idle", fault.New(fault.StreamIdleTimeout, "no chunk in 30s"), true},
		{"fault auth", fault.New(fault.BadSignature, "bad signature"), false},
		{"fault rate limited", fault.New(fault.RateLimited, "slow down"), false},
		{"fault egress", fault.New(fault.MetadataBlocked, "blocked"), false},
		{"plain business", errors.New("row not found"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := retry.Transient(tc.err); got != tc.want {
				t.Errorf("Transient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestDo_RetryAfterOverridesBackoff(t *testing.T) {
	attempts := 0
	start := time.Now()
	cfg := retry.Config{
		MaxAttempts:  2,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     time.Second,
		RetryAfterFrom: func(err error) time.Duration {
			return 10 * time.Millisecond
		},
	}

	err := retry.Do(context.Background(), cfg, func() error {
		attempts++
		return errors.New("still failing")
	})
	if err == nil {
		t.Fatal("expected final error")
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	// The peer hint (10ms) must replace the 500ms computed backoff.
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("retry waited %v; peer hint not honored", elapsed)
	}
}

func TestDo_StopsOnNonTransient(t *testing.T) {
	attempts := 0
	err := retry.Do(context.Background(), retry.TransportConfig, func() error {
		attempts++
		return fault.New(fault.BadSignature, "bad signature")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (auth errors are not retried)", attempts)
	}
}
