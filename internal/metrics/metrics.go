// Package metrics collects per-tier call statistics. Observations feed two
// sinks at once: Prometheus collectors on a private registry (scraped at
// /metrics) and an in-process snapshot with exponential-moving-average
// latencies (served at /api/v1/stats). Instances are injected, never global,
// so parallel tests and embedded engines do not share state.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "cupo"
	subsystem = "engine"
)

// TierStats is the snapshot entry for one (tier, outcome) pair. Latency is
// an EMA weighted 70/30 toward history, so a single slow call moves the
// needle without erasing it.
type TierStats struct {
	Calls        int64   `json:"calls"`
	EMALatencyMs float64 `json:"ema_latency_ms"`
}

// Snapshot is the in-process view served on the stats endpoint.
type Snapshot struct {
	Messages int64                           `json:"messages"`
	Errors   int64                           `json:"errors"`
	Tiers    map[string]map[string]TierStats `json:"tiers"` // tier -> outcome
}

// Metrics owns the collectors and the snapshot state.
type Metrics struct {
	registry *prometheus.Registry

	messages           prometheus.Counter
	tierCalls          *prometheus.CounterVec
	tierLatency        *prometheus.HistogramVec
	breakerTransitions *prometheus.CounterVec
	stockConflicts     prometheus.Counter
	payments           *prometheus.CounterVec

	mu       sync.Mutex
	msgCount int64
	errCount int64
	tiers    map[string]map[string]*TierStats
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		messages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_total",
			Help:      "Inbound messages processed",
		}),
		tierCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tier_calls_total",
			Help:      "Classification tier calls by outcome",
		}, []string{"tier", "outcome"}),
		tierLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tier_latency_seconds",
			Help:      "Classification tier latency",
			// Tiers 1-2 are in-memory and sub-millisecond; tier 3 is an
			// LLM call capped at a few seconds.
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
		}, []string{"tier"}),
		breakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		}, []string{"to"}),
		stockConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stock_conflicts_total",
			Help:      "Reservation attempts rolled back on stock contention",
		}),
		payments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "payments_total",
			Help:      "Payment webhook settlements by final status",
		}, []string{"status"}),
		tiers: make(map[string]map[string]*TierStats),
	}
}

// Handler serves the Prometheus exposition for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveMessage() {
	m.messages.Inc()
	m.mu.Lock()
	m.msgCount++
	m.mu.Unlock()
}

func (m *Metrics) ObserveError() {
	m.mu.Lock()
	m.errCount++
	m.mu.Unlock()
}

// ObserveTier records one classification tier call.
func (m *Metrics) ObserveTier(tier, outcome string, elapsed time.Duration) {
	m.tierCalls.WithLabelValues(tier, outcome).Inc()
	m.tierLatency.WithLabelValues(tier).Observe(elapsed.Seconds())

	ms := float64(elapsed.Microseconds()) / 1000

	m.mu.Lock()
	defer m.mu.Unlock()
	outcomes, ok := m.tiers[tier]
	if !ok {
		outcomes = make(map[string]*TierStats)
		m.tiers[tier] = outcomes
	}
	stats, ok := outcomes[outcome]
	if !ok {
		stats = &TierStats{}
		outcomes[outcome] = stats
	}
	stats.Calls++
	if stats.Calls == 1 {
		stats.EMALatencyMs = ms
	} else {
		stats.EMALatencyMs = (stats.EMALatencyMs*7 + ms*3) / 10
	}
}

func (m *Metrics) ObserveBreaker(to string) {
	m.breakerTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) ObserveStockConflict() {
	m.stockConflicts.Inc()
}

func (m *Metrics) ObservePayment(status string) {
	m.payments.WithLabelValues(status).Inc()
}

// Snapshot returns a copy of the in-process counters.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Messages: m.msgCount,
		Errors:   m.errCount,
		Tiers:    make(map[string]map[string]TierStats, len(m.tiers)),
	}
	for tier, outcomes := range m.tiers {
		snap.Tiers[tier] = make(map[string]TierStats, len(outcomes))
		for outcome, stats := range outcomes {
			snap.Tiers[tier][outcome] = *stats
		}
	}
	return snap
}
