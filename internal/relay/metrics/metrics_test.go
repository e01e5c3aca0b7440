package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/airlock-project/airlock/internal/relay/metrics"
)

func TestHandler_ExposesRecordedSamples(t *testing.T) {
	m := metrics.New()
	m.ObserveRequest("/v1/memory.propose", 200, 0.012)
	m.RecordAuthFailure("bad-signature")
	m.RecordRateLimited("standard")
	m.RecordEgressBlocked("metadata-blocked")
	m.RecordRedaction("telegram_bot_token", "critical")
	m.RecordProviderCall("openai", "ok")
	m.QueryStreamsActive.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Result().Body)
	text := string(body)
	for _, want := range []string{
		`airlock_relay_requests_total{code="200",route="/v1/memory.propose"} 1`,
		`airlock_relay_auth_failures_total{reason="bad-signature"} 1`,
		`airlock_relay_rate_limited_total{limiter="standard"} 1`,
		`airlock_relay_egress_blocked_total{reason="metadata-blocked"} 1`,
		`airlock_relay_filter_redactions_total{pattern="telegram_bot_token",severity="critical"} 1`,
		`airlock_relay_provider_calls_total{outcome="ok",provider="openai"} 1`,
		`airlock_relay_query_streams_active 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestNew_IsSafeToBuildTwice(t *testing.T) {
	// Each Metrics owns its registry, so two apps in one test binary must
	// not collide.
	_ = metrics.New()
	_ = metrics.New()
}
