// Package audit emits the relay's security event trail.
//
// Every denial that matters operationally (bad signatures, scope misses,
// rate limiting, egress blocks, filter hits) and every sensitive grant
// (session tokens, delivered files) lands here as one structured log line.
// Free-text fields are run through the secret filter first, so a blocked
// request cannot smuggle its payload into the trail.
package audit

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/airlock-project/airlock/common/redact"
	"github.com/airlock-project/airlock/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindAuthRejected   Kind = "auth.rejected"
	KindScopeDenied    Kind = "auth.scope_denied"
	KindRateLimited    Kind = "limits.rate_limited"
	KindEgressBlocked  Kind = "egress.blocked"
	KindSecretRedacted Kind = "filter.redacted"
	KindSecretBlocked  Kind = "filter.blocked"
	KindMemoryRejected Kind = "memory.rejected"
	KindSessionIssued  Kind = "session.issued"
	KindFileDelivered  Kind = "outbox.delivered"
	KindBreakerOpened  Kind = "provider.breaker_opened"
)

// Event carries the data recorded for one audit line.
type Event struct {
	// Kind identifies the type of event.
	Kind Kind
	// Actor is the caller identity (userId or scope:<scope>), never a
	// credential.
	Actor string
	// Target is the primary resource involved (route, host, provider,
	// entry ID).
	Target string
	// Detail is a short free-text description. It is filter-scrubbed
	// before logging.
	Detail string
}

// Trail writes audit events through a structured logger.
type Trail struct {
	log    *slog.Logger
	filter *redact.Filter
}

// New builds a trail. A nil logger uses slog.Default().
func New(log *slog.Logger) *Trail {
	if log == nil {
		log = slog.Default()
	}
	return &Trail{log: log, filter: redact.NewFilter()}
}

// Record writes one audit line. Denials log at Warn, grants at Info.
// Each line carries a unique event_id so collectors can dedupe replays
// of the same log stream.
func (t *Trail) Record(ctx context.Context, evt Event) {
	attrs := []slog.Attr{
		slog.String("audit", string(evt.Kind)),
		slog.String("event_id", uuid.NewString()),
		slog.String("actor", evt.Actor),
	}
	if evt.Target != "" {
		attrs = append(attrs, slog.String("target", t.filter.Redact(evt.Target)))
	}
	if evt.Detail != "" {
		attrs = append(attrs, slog.String("detail", t.filter.Redact(evt.Detail)))
	}
	if id := trace.FromContext(ctx); id != "" {
		attrs = append(attrs, slog.String("trace_id", id))
	}
	t.log.LogAttrs(ctx, level(evt.Kind), string(evt.Kind), attrs...)
}

func level(kind Kind) slog.Level {
	switch kind {
	case KindSessionIssued, KindFileDelivered:
		return slog.LevelInfo
	default:
		return slog.LevelWarn
	}
}
