// Package metrics provides Prometheus metrics; cmd/proxy exposes them when
// metrics_addr is set, cmd/meekserver does not use them. Grounded on postalsys-Muti-Metroo's internal/metrics: a struct
// of pre-registered collectors built with promauto, plus small Record*
// helpers so call sites never touch a prometheus type directly.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "firefly"

// Metrics holds every collector exposed on the loopback /metrics handler.
type Metrics struct {
	SessionsActive prometheus.Gauge
	SessionsTotal  *prometheus.CounterVec
	SessionErrors  *prometheus.CounterVec

	BytesSent     *prometheus.CounterVec
	BytesReceived *prometheus.CounterVec

	MeekRelayFailures *prometheus.CounterVec
	MeekRoundTrips    *prometheus.CounterVec
	MeekPollInterval  prometheus.Histogram

	MatcherDecisions *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Default returns a lazily-constructed process-wide Metrics registered
// against the default Prometheus registry.
func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New builds a Metrics registered against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active relay sessions (SOCKS5 and HTTP).",
		}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total relay sessions started, by kind (connect, bind, udp_associate).",
		}, []string{"kind"}),
		SessionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Total session errors, by stage (handshake, dial, relay).",
		}, []string{"stage"}),

		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes piped from client to destination, by transport.",
		}, []string{"transport"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes piped from destination to client, by transport.",
		}, []string{"transport"}),

		MeekRelayFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "meek_relay_failures_total",
			Help:      "Total meek relay round-trip failures after exhausting retries, by front URL.",
		}, []string{"front"}),
		MeekRoundTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "meek_roundtrips_total",
			Help:      "Total meek HTTP round-trips performed, by outcome (ok, error).",
		}, []string{"outcome"}),
		MeekPollInterval: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "meek_poll_interval_seconds",
			Help:      "Observed meek client poll interval before each round-trip.",
			Buckets:   []float64{.1, .25, .5, 1, 2, 3, 5},
		}),

		MatcherDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matcher_decisions_total",
			Help:      "Total forwarding decisions made, by kind (direct, hosts, channel).",
		}, []string{"kind"}),
	}
}

// RecordSessionStart increments the active gauge and per-kind counter.
func (m *Metrics) RecordSessionStart(kind string) {
	m.SessionsActive.Inc()
	m.SessionsTotal.WithLabelValues(kind).Inc()
}

// RecordSessionEnd decrements the active gauge.
func (m *Metrics) RecordSessionEnd() {
	m.SessionsActive.Dec()
}

// RecordSessionError records a session failure at a given stage.
func (m *Metrics) RecordSessionError(stage string) {
	m.SessionErrors.WithLabelValues(stage).Inc()
}

// RecordBytes records bytes piped in both directions for transport.
func (m *Metrics) RecordBytes(transport string, sent, received int64) {
	if sent > 0 {
		m.BytesSent.WithLabelValues(transport).Add(float64(sent))
	}
	if received > 0 {
		m.BytesReceived.WithLabelValues(transport).Add(float64(received))
	}
}

// RecordMeekRelayFailure records a relay giving up after exhausting retries.
func (m *Metrics) RecordMeekRelayFailure(front string) {
	m.MeekRelayFailures.WithLabelValues(front).Inc()
}

// RecordMeekRoundTrip records a completed meek HTTP round-trip.
func (m *Metrics) RecordMeekRoundTrip(ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.MeekRoundTrips.WithLabelValues(outcome).Inc()
}

// RecordMeekPollInterval observes the poll interval used before a round-trip.
func (m *Metrics) RecordMeekPollInterval(seconds float64) {
	m.MeekPollInterval.Observe(seconds)
}

// RecordMatcherDecision records a forwarding decision by kind.
func (m *Metrics) RecordMatcherDecision(kind string) {
	m.MatcherDecisions.WithLabelValues(kind).Inc()
}

// Handler returns the loopback /metrics HTTP handler serving reg's
// collectors, for mounting alongside the proxy's own listeners.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ListenAndServe starts a minimal HTTP server exposing /metrics on addr
// using the default Prometheus registry. Intended for a loopback address;
// it blocks and returns the listener's error, matching the teacher's
// habit of running each auxiliary listener in its own goroutine from
// main().
func ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
