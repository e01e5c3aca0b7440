// Package envelope implements the signed request envelope that authenticates
// every internal request crossing the relay/agent boundary.
//
// An envelope binds (method, path, body, timestamp, nonce, scope) into a
// canonical string signed with the scope's key material: Ed25519 when a
// keypair is configured, HMAC-SHA256 with a shared secret otherwise. The
// scope header selects the verifying key, so a forged scope label fails
// verification instead of downgrading it. Nonces are remembered for twice
// the permitted clock skew to defeat replays.
//
// Session-token bearers skip signing entirely: when the verifier is built
// with a TokenResolver, an Authorization: Bearer header short-circuits to
// token resolution.
package envelope

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/airlock-project/airlock/common/fault"
)

// Envelope headers. Every value is covered by the signature through the
// canonical string except the algorithm label, which selects the verifier.
const (
	HeaderTimestamp = "X-Internal-Timestamp"
	HeaderNonce     = "X-Internal-Nonce"
	HeaderScope     = "X-Internal-Scope"
	HeaderAlgorithm = "X-Internal-Algorithm"
	HeaderSignature = "X-Internal-Signature"
)

const (
	AlgorithmEd25519 = "ed25519"
	AlgorithmHMAC    = "hmac-sha256"
)

// MaxSkew is the permitted distance between the envelope timestamp and the
// verifier's clock.
const MaxSkew = 5 * time.Minute

const (
	nonceSize       = 16
	nonceCacheLimit = 100_000
)

// canonicalString is the exact byte sequence both sides sign:
// method, path, timestamp, nonce, scope, and the hex SHA-256 of the raw
// body, joined by newlines. The body hash is computed over the bytes on the
// wire; middleware must never re-serialize before verification.
func canonicalString(method, path, timestamp, nonce string, scope Scope, body []byte) string {
	sum := sha256.Sum256(body)
	return strings.Join([]string{
		method,
		path,
		timestamp,
		nonce,
		string(scope),
		hex.EncodeToString(sum[:]),
	}, "\n")
}

// Signer produces envelopes for outbound internal requests.
type Signer struct {
	ring *Keyring
	now  func() time.Time
}

func NewSigner(ring *Keyring) *Signer {
	return &Signer{ring: ring, now: time.Now}
}

// Sign returns the envelope headers for a request. The scope's Ed25519
// private key is preferred; the shared HMAC secret is the legacy fallback.
func (s *Signer) Sign(method, path string, body []byte, scope Scope) (http.Header, error) {
	key, ok := s.ring.key(scope)
	if !ok {
		return nil, fmt.Errorf("no key material for scope %q", scope)
	}

	timestamp := strconv.FormatInt(s.now().UnixMilli(), 10)
	raw := make([]byte, nonceSize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	nonce := base64.RawURLEncoding.EncodeToString(raw)

	canonical := canonicalString(method, path, timestamp, nonce, scope, body)

	var algorithm, signature string
	switch {
	case key.Ed25519Private != nil:
		algorithm = AlgorithmEd25519
		signature = base64.RawURLEncoding.EncodeToString(
			ed25519.Sign(key.Ed25519Private, []byte(canonical)))
	case len(key.HMACSecret) > 0:
		algorithm = AlgorithmHMAC
		mac := hmac.New(sha256.New, key.HMACSecret)
		mac.Write([]byte(canonical))
		signature = base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	default:
		return nil, fmt.Errorf("scope %q has no signing key", scope)
	}

	h := http.Header{}
	h.Set(HeaderTimestamp, timestamp)
	h.Set(HeaderNonce, nonce)
	h.Set(HeaderScope, string(scope))
	h.Set(HeaderAlgorithm, algorithm)
	h.Set(HeaderSignature, signature)
	return h, nil
}

// TokenResolver resolves a bearer session token to its bound scope.
// Implementations fail with fault.TokenExpired or fault.UnknownToken.
type TokenResolver interface {
	Resolve(token string) (Scope, error)
}

// Verifier checks inbound envelopes (and, when configured, bearer tokens).
type Verifier struct {
	ring   *Keyring
	nonces *nonceCache
	tokens TokenResolver
	now    func() time.Time
}

// VerifierOption customizes a Verifier.
type VerifierOption func(*Verifier)

// WithTokenResolver lets the verifier admit session-token bearers.
func WithTokenResolver(r TokenResolver) VerifierOption {
	return func(v *Verifier) { v.tokens = r }
}

func NewVerifier(ring *Keyring, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		ring:   ring,
		nonces: newNonceCache(nonceCacheLimit),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyRequest authenticates an inbound request whose raw body bytes have
// already been read. Bearer tokens are consulted first when a resolver is
// configured; otherwise the signed envelope headers are required.
func (v *Verifier) VerifyRequest(r *http.Request, body []byte) (Scope, error) {
	if v.tokens != nil {
		if token, ok := bearerToken(r); ok {
			return v.tokens.Resolve(token)
		}
	}
	return v.Verify(r.Method, r.URL.Path, body, r.Header)
}

// Verify checks an envelope against the raw request bytes. Failures are
// categorical faults: missing-headers, unknown-scope, stale-timestamp,
// replay, bad-signature. A known nonce fails with replay regardless of
// signature correctness.
func (v *Verifier) Verify(method, path string, body []byte, h http.Header) (Scope, error) {
	timestamp := h.Get(HeaderTimestamp)
	nonce := h.Get(HeaderNonce)
	scopeRaw := h.Get(HeaderScope)
	algorithm := h.Get(HeaderAlgorithm)
	signature := h.Get(HeaderSignature)
	if timestamp == "" || nonce == "" || scopeRaw == "" || algorithm == "" || signature == "" {
		return "", fault.New(fault.MissingHeaders, "missing internal auth headers")
	}

	scope, err := ParseScope(scopeRaw)
	if err != nil {
		return "", fault.New(fault.UnknownScope, "unknown scope %q", scopeRaw)
	}
	key, ok := v.ring.key(scope)
	if !ok {
		return "", fault.New(fault.UnknownScope, "no key material for scope %q", scope)
	}

	ms, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return "", fault.New(fault.MissingHeaders, "malformed timestamp")
	}
	now := v.now()
	skew := now.Sub(time.UnixMilli(ms))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxSkew {
		return "", fault.New(fault.StaleTimestamp, "timestamp outside the %s window", MaxSkew)
	}

	// Record the nonce before signature verification: a replayed request
	// must fail as a replay whether or not its signature checks out, and
	// the atomic check-and-insert closes the race between two concurrent
	// copies of the same request.
	if !v.nonces.remember(nonce, now, now.Add(2*MaxSkew)) {
		return "", fault.New(fault.Replay, "nonce already seen")
	}

	canonical := canonicalString(method, path, timestamp, nonce, scope, body)

	switch algorithm {
	case AlgorithmEd25519:
		if key.Ed25519Public == nil {
			return "", fault.New(fault.BadSignature, "scope %q has no ed25519 verification key", scope)
		}
		sig, err := decodeBase64(signature)
		if err != nil {
			return "", fault.New(fault.BadSignature, "malformed signature")
		}
		if !ed25519.Verify(key.Ed25519Public, []byte(canonical), sig) {
			return "", fault.New(fault.BadSignature, "signature verification failed")
		}
	case AlgorithmHMAC:
		if len(key.HMACSecret) == 0 {
			return "", fault.New(fault.BadSignature, "scope %q has no shared secret", scope)
		}
		mac := hmac.New(sha256.New, key.HMACSecret)
		mac.Write([]byte(canonical))
		sig, err := decodeBase64(signature)
		if err != nil {
			return "", fault.New(fault.BadSignature, "malformed signature")
		}
		if !hmac.Equal(sig, mac.Sum(nil)) {
			return "", fault.New(fault.BadSignature, "signature verification failed")
		}
	default:
		return "", fault.New(fault.BadSignature, "unrecognized algorithm %q", algorithm)
	}

	return scope, nil
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	return token, token != ""
}
