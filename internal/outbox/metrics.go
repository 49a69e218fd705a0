package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts delivery outcomes per backend.
type Metrics struct {
	Delivered   *prometheus.CounterVec
	Retried     *prometheus.CounterVec
	DeadLetters *prometheus.CounterVec
	Dispatch    *prometheus.HistogramVec
	Queue       *prometheus.GaugeVec
}

// NewMetrics registers the outbox metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Delivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskwire_outbox_delivered_total",
			Help: "Outbox rows delivered, by backend and operation.",
		}, []string{"backend", "operation"}),
		Retried: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskwire_outbox_retries_total",
			Help: "Outbox delivery retries, by backend and failure class.",
		}, []string{"backend", "class"}),
		DeadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskwire_outbox_dead_letter_total",
			Help: "Outbox rows moved to dead letter, by backend.",
		}, []string{"backend"}),
		Dispatch: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskwire_outbox_dispatch_seconds",
			Help:    "Backend call latency per dispatch.",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend"}),
		Queue: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskwire_outbox_rows",
			Help: "Outbox rows by status.",
		}, []string{"status"}),
	}
}
