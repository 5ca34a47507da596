package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HubMetrics records the hub coordinator's message-processing activity.
type HubMetrics struct {
	intents    *prometheus.CounterVec
	duplicates prometheus.Counter
	latency    *prometheus.HistogramVec
}

var (
	hubMetricsOnce sync.Once
	hubRegistry    *HubMetrics
)

// Hub returns the lazily-initialised hub metrics registry.
func Hub() *HubMetrics {
	hubMetricsOnce.Do(func() {
		hubRegistry = &HubMetrics{
			intents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "omnilend",
				Subsystem: "hub",
				Name:      "intents_total",
				Help:      "Processed cross-chain intents segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
			duplicates: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "omnilend",
				Subsystem: "hub",
				Name:      "duplicate_deliveries_total",
				Help:      "Intent deliveries that matched an already completed operation hash.",
			}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "omnilend",
				Subsystem: "hub",
				Name:      "intent_duration_seconds",
				Help:      "Latency distribution for intent processing.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind"}),
		}
		prometheus.MustRegister(
			hubRegistry.intents,
			hubRegistry.duplicates,
			hubRegistry.latency,
		)
	})
	return hubRegistry
}

// ObserveIntent records one processed intent with its outcome and duration.
func (m *HubMetrics) ObserveIntent(kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.intents.WithLabelValues(kind, outcome).Inc()
	m.latency.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveDuplicate records a delivery answered from the stored result.
func (m *HubMetrics) ObserveDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}
