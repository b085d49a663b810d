// Package metrics exposes prometheus counters for the authority.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "seafloor"

// Metrics holds every collector.
type Metrics struct {
	registry *prometheus.Registry

	miningAttempts  *prometheus.CounterVec
	miningLatency   prometheus.Histogram
	ledgerEvents    *prometheus.CounterVec
	claimsIssued    prometheus.Counter
	claimsConfirmed *prometheus.CounterVec
	claimsRejected  *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	sessions        prometheus.Gauge
	players         prometheus.Gauge
	connections     prometheus.Gauge
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		miningAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mining_attempts_total",
			Help:      "Mining attempts by outcome.",
		}, []string{"outcome"}),
		miningLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mining_latency_seconds",
			Help:      "Time to adjudicate a mining attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		ledgerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_events_total",
			Help:      "Ledger events appended by type.",
		}, []string{"type"}),
		claimsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_issued_total",
			Help:      "Claim signatures issued.",
		}),
		claimsConfirmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_confirmed_total",
			Help:      "Claims marked used, by confirmation path.",
		}, []string{"path"}),
		claimsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_rejected_total",
			Help:      "Claim requests refused, by reason.",
		}, []string{"reason"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Messages refused or dropped by the rate guard.",
		}, []string{"action"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Live sessions.",
		}),
		players: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "players",
			Help:      "Players in sessions.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open socket connections.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.miningAttempts, m.miningLatency, m.ledgerEvents,
		m.claimsIssued, m.claimsConfirmed, m.claimsRejected,
		m.rateLimited, m.sessions, m.players, m.connections,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Mining records one adjudicated attempt.
func (m *Metrics) Mining(outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.miningAttempts.WithLabelValues(outcome).Inc()
	m.miningLatency.Observe(latency.Seconds())
}

// LedgerEvent counts an appended event.
func (m *Metrics) LedgerEvent(eventType string) {
	if m == nil {
		return
	}
	m.ledgerEvents.WithLabelValues(eventType).Inc()
}

// ClaimIssued counts a signed claim.
func (m *Metrics) ClaimIssued() {
	if m == nil {
		return
	}
	m.claimsIssued.Inc()
}

// ClaimConfirmed counts a claim marked used via path ("confirm" or "webhook").
func (m *Metrics) ClaimConfirmed(path string) {
	if m == nil {
		return
	}
	m.claimsConfirmed.WithLabelValues(path).Inc()
}

// ClaimRejected counts a refused claim request.
func (m *Metrics) ClaimRejected(reason string) {
	if m == nil {
		return
	}
	m.claimsRejected.WithLabelValues(reason).Inc()
}

// RateLimited counts a throttled message.
func (m *Metrics) RateLimited(action string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(action).Inc()
}

// World sets the session and player gauges.
func (m *Metrics) World(sessions, players int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(sessions))
	m.players.Set(float64(players))
}

// ConnOpened and ConnClosed track open sockets.
func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}
