// Package observability provides Prometheus metrics for the aggregation engine.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"treasury-metrics/internal/domain"
	"treasury-metrics/internal/resolver"
)

// Cycle results used as label values.
const (
	ResultPersisted  = "persisted"
	ResultSuperseded = "superseded"
	ResultFailed     = "failed"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	registry *prometheus.Registry

	TierAttempts   *prometheus.CounterVec
	TierLatency    *prometheus.HistogramVec
	Cycles         *prometheus.CounterVec
	CycleDuration  *prometheus.HistogramVec
	LastSuccess    *prometheus.GaugeVec
	ReferencePrice *prometheus.GaugeVec
	RefreshDenied  prometheus.Counter
}

// NewMetrics creates a Metrics instance on its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "treasury"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TierAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "price",
			Name:      "tier_attempts_total",
			Help:      "Price tier consultations by asset, tier and outcome",
		}, []string{"asset", "tier", "outcome"}),
		TierLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "price",
			Name:      "tier_latency_seconds",
			Help:      "Latency of a single price tier consultation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tier"}),
		Cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "cycles_total",
			Help:      "Aggregation cycles by asset and result",
		}, []string{"asset", "result"}),
		CycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of an aggregation cycle",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"asset"}),
		LastSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last persisted snapshot",
		}, []string{"asset"}),
		ReferencePrice: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "reference_price",
			Help:      "Reference price of the last persisted snapshot",
		}, []string{"asset", "source"}),
		RefreshDenied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "refresh_rate_limited_total",
			Help:      "Refresh requests rejected by the rate limiter",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveAttempt implements resolver.Observer.
func (m *Metrics) ObserveAttempt(assetID string, attempt resolver.Attempt) {
	if m == nil {
		return
	}
	m.TierAttempts.WithLabelValues(assetID, attempt.Tier, attempt.Outcome()).Inc()
	m.TierLatency.WithLabelValues(attempt.Tier).Observe(attempt.Duration.Seconds())
}

// ObserveCycle records the result of one aggregation cycle. snap is nil on failure.
func (m *Metrics) ObserveCycle(assetID, result string, elapsed time.Duration, snap *domain.MetricsSnapshot) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(assetID, result).Inc()
	m.CycleDuration.WithLabelValues(assetID).Observe(elapsed.Seconds())
	if snap == nil || result != ResultPersisted {
		return
	}
	m.LastSuccess.WithLabelValues(assetID).Set(float64(snap.LastUpdate.Unix()))
	m.ReferencePrice.DeletePartialMatch(prometheus.Labels{"asset": assetID})
	m.ReferencePrice.WithLabelValues(assetID, string(snap.PriceSource)).Set(snap.ReferencePrice.InexactFloat64())
}

var _ resolver.Observer = (*Metrics)(nil)
