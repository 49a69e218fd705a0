package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts webhook deliveries per backend and outcome. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	Events *prometheus.CounterVec
}

// NewMetrics registers the webhook metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskwire_webhook_events_total",
			Help: "Webhook deliveries, by backend and outcome.",
		}, []string{"backend", "result"}),
	}
}

func (m *Metrics) inc(backend, result string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(backend, result).Inc()
}
