// Package metrics exposes prometheus counters for billing activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector aggregates the service's instrumentation.
type Collector struct {
	WebhookEvents     *prometheus.CounterVec
	LedgerOperations  *prometheus.CounterVec
	GenerationSeconds prometheus.Histogram
}

// NewCollector registers the collectors against the supplied registerer.
func NewCollector(registerer prometheus.Registerer) *Collector {
	factory := promauto.With(registerer)
	return &Collector{
		WebhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credits_webhook_events_total",
			Help: "Inbound billing-provider deliveries by provider and outcome.",
		}, []string{"provider", "outcome"}),
		LedgerOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credits_ledger_operations_total",
			Help: "Ledger operations by operation and status.",
		}, []string{"operation", "status"}),
		GenerationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "credits_generation_duration_seconds",
			Help:    "Wall time of external image generation calls.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
	}
}
