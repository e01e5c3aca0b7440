// Package metrics registers the relay's Prometheus instruments and serves
// them on /metrics. Label values stay low-cardinality: route patterns and
// fault reasons, never actor IDs or URLs.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus instruments for the relay.
type Metrics struct {
	reg *prometheus.Registry

	RequestsTotal      *prometheus.CounterVec
	RequestSeconds     *prometheus.HistogramVec
	AuthFailuresTotal  *prometheus.CounterVec
	RateLimitedTotal   *prometheus.CounterVec
	EgressBlockedTotal *prometheus.CounterVec
	RedactionsTotal    *prometheus.CounterVec
	ProviderCallsTotal *prometheus.CounterVec
	QueryStreamsActive prometheus.Gauge
}

// New creates and registers all relay instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "airlock_relay_requests_total",
				Help: "Capability requests by route pattern and status code",
			},
			[]string{"route", "code"},
		),

		RequestSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "airlock_relay_request_duration_seconds",
				Help:    "Capability request latency by route pattern",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		AuthFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "airlock_relay_auth_failures_total",
				Help: "Rejected authentication attempts by fault kind",
			},
			[]string{"reason"},
		),

		RateLimitedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "airlock_relay_rate_limited_total",
				Help: "Requests denied by the rate limiter",
			},
			[]string{"limiter"}, // limiter: standard, multimedia
		),

		EgressBlockedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "airlock_relay_egress_blocked_total",
				Help: "Outbound requests blocked by the egress guard",
			},
			[]string{"reason"},
		),

		RedactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "airlock_relay_filter_redactions_total",
				Help: "Secret filter hits by pattern and severity",
			},
			[]string{"pattern", "severity"},
		),

		ProviderCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "airlock_relay_provider_calls_total",
				Help: "Provider calls by provider and outcome",
			},
			[]string{"provider", "outcome"}, // outcome: ok, error, blocked, tripped
		),

		QueryStreamsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "airlock_relay_query_streams_active",
				Help: "Agent query streams currently open",
			},
		),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveRequest records one finished capability request.
func (m *Metrics) ObserveRequest(route string, code int, seconds float64) {
	m.RequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.RequestSeconds.WithLabelValues(route).Observe(seconds)
}

// RecordAuthFailure counts a rejected authentication attempt.
func (m *Metrics) RecordAuthFailure(reason string) {
	m.AuthFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordRateLimited counts a rate-limiter denial.
func (m *Metrics) RecordRateLimited(limiter string) {
	m.RateLimitedTotal.WithLabelValues(limiter).Inc()
}

// RecordEgressBlocked counts an egress guard block.
func (m *Metrics) RecordEgressBlocked(reason string) {
	m.EgressBlockedTotal.WithLabelValues(reason).Inc()
}

// RecordRedaction counts a secret filter hit.
func (m *Metrics) RecordRedaction(pattern, severity string) {
	m.RedactionsTotal.WithLabelValues(pattern, severity).Inc()
}

// RecordProviderCall counts a provider call outcome.
func (m *Metrics) RecordProviderCall(provider, outcome string) {
	m.ProviderCallsTotal.WithLabelValues(provider, outcome).Inc()
}
