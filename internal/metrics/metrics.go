package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	WebhookEvents    *prometheus.CounterVec
	WebhookDuplicate prometheus.Counter
	EngineRequests   *prometheus.CounterVec
	EngineLatency    *prometheus.HistogramVec
	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	TurnsProcessed   *prometheus.CounterVec
	TurnBatchSize    prometheus.Histogram
	BubblesSent      *prometheus.CounterVec
	Errors           *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Total inbound webhook deliveries by kind and outcome.",
			}, []string{"kind", "outcome"}),
			WebhookDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_duplicates_total",
				Help:      "Total webhook deliveries short-circuited by the deduper.",
			}),
			EngineRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_requests_total",
				Help:      "Total reasoning engine invocations by status.",
			}, []string{"status"}),
			EngineLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "engine_request_duration_seconds",
				Help:      "Latency distribution for reasoning engine calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"status"}),
			ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_requests_total",
				Help:      "Total provider API requests by verb and status.",
			}, []string{"verb", "status"}),
			ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_request_duration_seconds",
				Help:      "Latency distribution for provider API requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"verb", "status"}),
			TurnsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_processed_total",
				Help:      "Total coalesced turns processed by outcome.",
			}, []string{"outcome"}),
			TurnBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_batch_size",
				Help:      "Number of utterances coalesced into a single turn.",
				Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
			}),
			BubblesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bubbles_sent_total",
				Help:      "Total reply bubbles emitted by type.",
			}, []string{"type"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.WebhookEvents,
			metricsInstance.WebhookDuplicate,
			metricsInstance.EngineRequests,
			metricsInstance.EngineLatency,
			metricsInstance.ProviderRequests,
			metricsInstance.ProviderLatency,
			metricsInstance.TurnsProcessed,
			metricsInstance.TurnBatchSize,
			metricsInstance.BubblesSent,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
