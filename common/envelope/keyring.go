package envelope

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sync"
)

// Scope is the trust domain a request claims. The claim only becomes
// authoritative after Verify binds it to the scope's key material.
type Scope string

const (
	ScopeDirect Scope = "direct"
	ScopePublic Scope = "public"
)

// ParseScope validates a wire scope label.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeDirect, ScopePublic:
		return Scope(s), nil
	}
	return "", fmt.Errorf("unknown scope %q", s)
}

// Key holds the material bound to one scope. Either half may be absent: a
// signer needs the Ed25519 private key or the shared secret, a verifier the
// public key or the same secret. Ed25519 is preferred when both are set.
type Key struct {
	Ed25519Private ed25519.PrivateKey
	Ed25519Public  ed25519.PublicKey
	HMACSecret     []byte
}

func (k Key) empty() bool {
	return k.Ed25519Private == nil && k.Ed25519Public == nil && len(k.HMACSecret) == 0
}

// Keyring maps scopes to their key material. It is populated once at startup
// and read-only afterwards; the mutex guards against misuse, not hot paths.
type Keyring struct {
	mu   sync.RWMutex
	keys map[Scope]Key
}

func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[Scope]Key)}
}

// Set installs key material for a scope. Empty keys are ignored so callers
// can pass through unset configuration without branching.
func (r *Keyring) Set(scope Scope, key Key) {
	if key.empty() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[scope] = key
}

// Has reports whether any key material exists for the scope.
func (r *Keyring) Has(scope Scope) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.keys[scope]
	return ok
}

func (r *Keyring) key(scope Scope) (Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[scope]
	return k, ok
}

// ParsePrivateKey decodes a base64 Ed25519 private key. Both the 32-byte
// seed form and the 64-byte expanded form are accepted.
func ParsePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	raw, err := decodeBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	}
	return nil, fmt.Errorf("private key must be %d or %d bytes, got %d",
		ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
}

// ParsePublicKey decodes a base64 32-byte Ed25519 public key.
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := decodeBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// KeyFromEnv assembles scope key material from the standard configuration
// triple (private key, public key, shared secret); any part may be empty.
func KeyFromEnv(privateB64, publicB64, secret string) (Key, error) {
	var key Key
	if privateB64 != "" {
		priv, err := ParsePrivateKey(privateB64)
		if err != nil {
			return Key{}, err
		}
		key.Ed25519Private = priv
	}
	if publicB64 != "" {
		pub, err := ParsePublicKey(publicB64)
		if err != nil {
			return Key{}, err
		}
		key.Ed25519Public = pub
	}
	if secret != "" {
		key.HMACSecret = []byte(secret)
	}
	return key, nil
}

// decodeBase64 accepts std and url alphabets, padded or raw.
func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if raw, err := enc.DecodeString(s); err == nil {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("not valid base64")
}
