package idempotency

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for a cache. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions *prometheus.CounterVec
	entries   prometheus.Gauge
}

// NewMetrics creates cache collectors and registers them with reg when reg is not nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edge",
			Name:      "cache_hits_total",
			Help:      "Idempotency cache lookups that returned a stored response",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edge",
			Name:      "cache_misses_total",
			Help:      "Idempotency cache lookups that found nothing",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edge",
			Name:      "cache_evictions_total",
			Help:      "Idempotency cache entries removed, by reason",
		}, []string{"reason"}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "edge",
			Name:      "cache_entries",
			Help:      "Live idempotency cache entries",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.hits, m.misses, m.evictions, m.entries)
	}
	return m
}

func (m *Metrics) hit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *Metrics) miss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *Metrics) evicted(n int) {
	if m != nil {
		m.evictions.WithLabelValues("capacity").Add(float64(n))
	}
}

func (m *Metrics) expired(n int) {
	if m != nil {
		m.evictions.WithLabelValues("expired").Add(float64(n))
	}
}

func (m *Metrics) size(n int) {
	if m != nil {
		m.entries.Set(float64(n))
	}
}
