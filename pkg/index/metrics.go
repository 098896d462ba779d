package index

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records index publication outcomes. A nil *Metrics is a no-op.
type Metrics struct {
	Published *prometheus.CounterVec
	Retries   *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
}

// NewMetrics creates the index metrics and registers them with reg when it
// is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rules",
			Subsystem: "index",
			Name:      "publish_total",
			Help:      "Index publications by document kind and outcome.",
		}, []string{"kind", "outcome"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rules",
			Subsystem: "index",
			Name:      "publish_retries_total",
			Help:      "Retried index publication attempts by document kind.",
		}, []string{"kind"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rules",
			Subsystem: "index",
			Name:      "publish_duration_seconds",
			Help:      "Time to publish one document, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.Published, m.Retries, m.Duration)
	}
	return m
}

func (m *Metrics) observe(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(kind, outcome).Inc()
	m.Duration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) retried(kind string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(kind).Inc()
}
