// Package metrics holds the Prometheus instrumentation shared by the parser
// and detector workers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	MessagesTotal      *prometheus.CounterVec // Messages consumed, by outcome
	AnomaliesTotal     prometheus.Counter     // Builds flagged anomalous
	ProcessingDuration prometheus.Histogram   // Per-message handling time
}

// New creates and registers the pipeline metrics. The worker parameter labels
// the metrics so parser and detector can share one registry.
func New(reg prometheus.Registerer, worker string) *Metrics {
	messagesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "buildwatch_messages_total",
		Help:        "Total messages consumed, partitioned by outcome",
		ConstLabels: prometheus.Labels{"worker": worker},
	}, []string{"outcome"})

	anomaliesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "buildwatch_anomalies_total",
		Help:        "Total builds flagged as anomalous",
		ConstLabels: prometheus.Labels{"worker": worker},
	})

	processingDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "buildwatch_processing_duration_seconds",
		Help:        "Time spent handling one message",
		ConstLabels: prometheus.Labels{"worker": worker},
		Buckets:     prometheus.DefBuckets,
	})

	reg.MustRegister(messagesTotal)
	reg.MustRegister(anomaliesTotal)
	reg.MustRegister(processingDuration)

	return &Metrics{
		MessagesTotal:      messagesTotal,
		AnomaliesTotal:     anomaliesTotal,
		ProcessingDuration: processingDuration,
	}
}
