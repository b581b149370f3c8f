// Package metrics exposes the bank's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Bank groups the message-pipeline collectors. A fresh set per instance
// keeps tests isolated from the default registry.
type Bank struct {
	registry *prometheus.Registry

	MessagesReceived  *prometheus.CounterVec
	MessagesProcessed *prometheus.CounterVec
	MessagesFailed    *prometheus.CounterVec
	MessagesSent      *prometheus.CounterVec
	SealsQueued       prometheus.Counter
	LockWaitSeconds   prometheus.Histogram
}

func NewBank() *Bank {
	b := &Bank{
		registry: prometheus.NewRegistry(),
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bank",
				Subsystem: "pipeline",
				Name:      "messages_received_total",
				Help:      "Total inbound messages by wire type.",
			},
			[]string{"type"},
		),
		MessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bank",
				Subsystem: "pipeline",
				Name:      "messages_processed_total",
				Help:      "Messages that completed the pipeline.",
			},
			[]string{"type"},
		),
		MessagesFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bank",
				Subsystem: "pipeline",
				Name:      "messages_failed_total",
				Help:      "Messages whose pipeline returned an error.",
			},
			[]string{"type"},
		),
		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bank",
				Subsystem: "pipeline",
				Name:      "messages_sent_total",
				Help:      "Outbound messages by wire type.",
			},
			[]string{"type"},
		),
		SealsQueued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "bank",
				Subsystem: "seal",
				Name:      "queued_total",
				Help:      "Seal requests queued to the anchoring collaborator.",
			},
		),
		LockWaitSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "bank",
				Subsystem: "pipeline",
				Name:      "lock_wait_seconds",
				Help:      "Time spent waiting for the per-customer lock.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
			},
		),
	}
	b.registry.MustRegister(
		b.MessagesReceived,
		b.MessagesProcessed,
		b.MessagesFailed,
		b.MessagesSent,
		b.SealsQueued,
		b.LockWaitSeconds,
	)
	return b
}

// HTTPHandler serves the collectors for scraping.
func (b *Bank) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{})
}
