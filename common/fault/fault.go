// Package fault defines the categorical error kinds recognized across the
// relay/agent boundary and the single kind → HTTP status mapping used by
// both HTTP surfaces.
//
// Handlers and subsystems return *fault.Error; the HTTP layer extracts the
// kind with KindOf and renders `{"error": ..., "errorCode": ...}` with the
// status from HTTPStatus. Errors that are not faults map to internal/500.
package fault

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is a stable, wire-visible error category. It appears verbatim as the
// errorCode field of JSON error responses.
type Kind string

// Auth failures.
const (
	MissingHeaders Kind = "missing-headers"
	StaleTimestamp Kind = "stale-timestamp"
	Replay         Kind = "replay"
	BadSignature   Kind = "bad-signature"
	UnknownScope   Kind = "unknown-scope"
	ScopeDenied    Kind = "scope-denied"
	TokenExpired   Kind = "token-expired"
	UnknownToken   Kind = "unknown-token"
)

// Policy rejections.
const (
	InfraSecretDetected Kind = "infra-secret-detected"
	ForbiddenPattern    Kind = "forbidden-pattern"
	HTMLInMemory        Kind = "html-in-memory"
	OversizeEntry       Kind = "oversize-entry"
	TooManyEntries      Kind = "too-many-entries"
	RateLimited         Kind = "rate-limited"
)

// Egress guard rejections.
const (
	MetadataBlocked  Kind = "metadata-blocked"
	PrivateIPBlocked Kind = "private-ip-blocked"
	PortDenied       Kind = "port-denied"
	DNSFailed        Kind = "dns-failed"
	RedirectLoop     Kind = "redirect-loop"
	TooManyRedirects Kind = "too-many-redirects"
	SchemeDenied     Kind = "scheme-denied"
)

// Transport conditions.
const (
	TransientNetwork  Kind = "transient-network"
	StreamIdleTimeout Kind = "stream-idle-timeout"
	Abort             Kind = "abort"
)

// Business outcomes.
const (
	NotFound        Kind = "not-found"
	InvalidArgument Kind = "invalid-argument"
	Conflict        Kind = "conflict"
	Unavailable     Kind = "unavailable"
	Internal        Kind = "internal"
)

// Error is a categorized error safe to surface across a process boundary.
// Message is human-readable and must never contain secret material; callers
// that embed payload fragments pass them through the redaction filter first.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // set for rate-limited and unavailable
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a fault with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: err}
}

// WithRetryAfter returns a copy of e carrying a retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	clone := *e
	clone.RetryAfter = d
	return &clone
}

// KindOf extracts the kind from an error chain, or Internal when the chain
// carries no fault.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// RetryAfterOf extracts the retry hint from an error chain, zero if none.
func RetryAfterOf(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}

// statusByKind is the single mapping table from error kind to HTTP status.
var statusByKind = map[Kind]int{
	MissingHeaders: http.StatusUnauthorized,
	StaleTimestamp: http.StatusUnauthorized,
	Replay:         http.StatusUnauthorized,
	BadSignature:   http.StatusUnauthorized,
	UnknownScope:   http.StatusUnauthorized,
	TokenExpired:   http.StatusUnauthorized,
	UnknownToken:   http.StatusUnauthorized,
	ScopeDenied:    http.StatusForbidden,

	InfraSecretDetected: http.StatusBadRequest,
	ForbiddenPattern:    http.StatusBadRequest,
	HTMLInMemory:        http.StatusBadRequest,
	OversizeEntry:       http.StatusRequestEntityTooLarge,
	TooManyEntries:      http.StatusBadRequest,
	RateLimited:         http.StatusTooManyRequests,

	MetadataBlocked:  http.StatusBadGateway,
	PrivateIPBlocked: http.StatusBadGateway,
	PortDenied:       http.StatusBadGateway,
	DNSFailed:        http.StatusBadGateway,
	RedirectLoop:     http.StatusBadGateway,
	TooManyRedirects: http.StatusBadGateway,
	SchemeDenied:     http.StatusBadGateway,

	TransientNetwork:  http.StatusBadGateway,
	StreamIdleTimeout: http.StatusGatewayTimeout,
	Abort:             http.StatusGatewayTimeout,

	NotFound:        http.StatusNotFound,
	InvalidArgument: http.StatusBadRequest,
	Conflict:        http.StatusConflict,
	Unavailable:     http.StatusServiceUnavailable,
	Internal:        http.StatusInternalServerError,
}

// HTTPStatus maps a kind to its HTTP status code (500 for unknown kinds).
func HTTPStatus(kind Kind) int {
	if s, ok := statusByKind[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// ParseKind reports whether s names a known kind. Clients use it to map the
// errorCode of a JSON error response back onto the taxonomy.
func ParseKind(s string) (Kind, bool) {
	k := Kind(s)
	_, ok := statusByKind[k]
	return k, ok
}
