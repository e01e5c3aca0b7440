// Package tokens mints the short-lived bearer tokens that let the agent
// runtime call relay capabilities without holding signing keys. A token
// binds an envelope scope to an expiry and nothing else; holders can spend
// it on capability calls but can never mint further tokens with it.
//
// Bindings live in memory only. A relay restart invalidates every
// outstanding token, which is the intended rotation story. Token values
// are bearer credentials and must never appear in logs.
package tokens

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/airlock-project/airlock/common/envelope"
	"github.com/airlock-project/airlock/common/fault"
)

// Token lifetime bounds. Requested TTLs are clamped, never rejected.
const (
	DefaultTTL = 15 * time.Minute
	MinTTL     = time.Minute
	MaxTTL     = time.Hour
)

type binding struct {
	scope     envelope.Scope
	expiresAt time.Time
}

// Issuer mints and resolves session tokens. It implements
// envelope.TokenResolver so a Verifier can admit bearers directly.
type Issuer struct {
	mu      sync.Mutex
	byToken map[string]binding
	now     func() time.Time
}

func NewIssuer() *Issuer {
	return &Issuer{
		byToken: make(map[string]binding),
		now:     time.Now,
	}
}

// Issue mints a token bound to scope. The caller must already have passed
// envelope verification for that same scope; this is enforced by the RPC
// layer, not here. TTLs outside [MinTTL, MaxTTL] are clamped and ttl <= 0
// selects DefaultTTL.
func (i *Issuer) Issue(scope envelope.Scope, ttl time.Duration) (string, time.Time, error) {
	switch {
	case ttl <= 0:
		ttl = DefaultTTL
	case ttl < MinTTL:
		ttl = MinTTL
	case ttl > MaxTTL:
		ttl = MaxTTL
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate token entropy: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	expiresAt := i.now().Add(ttl)

	i.mu.Lock()
	i.byToken[token] = binding{scope: scope, expiresAt: expiresAt}
	i.mu.Unlock()
	return token, expiresAt, nil
}

// Resolve returns the scope bound to token. Expired bindings are evicted
// on access and report token-expired; anything else is unknown-token.
func (i *Issuer) Resolve(token string) (envelope.Scope, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	b, ok := i.byToken[token]
	if !ok {
		return "", fault.New(fault.UnknownToken, "session token unknown")
	}
	if i.now().After(b.expiresAt) {
		delete(i.byToken, token)
		return "", fault.New(fault.TokenExpired, "session token expired")
	}
	return b.scope, nil
}

// Sweep drops bindings that expired before now and reports how many went.
// Resolve already evicts lazily; the sweep keeps tokens that are never
// presented again from accumulating.
func (i *Issuer) Sweep(now time.Time) int {
	i.mu.Lock()
	defer i.mu.Unlock()

	removed := 0
	for token, b := range i.byToken {
		if now.After(b.expiresAt) {
			delete(i.byToken, token)
			removed++
		}
	}
	return removed
}
