package monitor

import (
	"strconv"
	"time"

	"github.com/glimte/mmate-edge/internal/reliability"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "edge"

// Metrics is the Prometheus sink for the transport client, the agent and the
// downstream circuit breaker
type Metrics struct {
	commands           *prometheus.CounterVec
	publishFailures    *prometheus.CounterVec
	downstreamDuration *prometheus.HistogramVec
	downstreamFailures *prometheus.CounterVec
	cacheServed        prometheus.Counter
	loopPublishes      *prometheus.CounterVec
	connected          prometheus.Gauge
	circuitState       *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Commands seen on the command topic, by outcome",
			},
			[]string{"outcome"},
		),
		publishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_failures_total",
				Help:      "Failed publishes, by topic kind",
			},
			[]string{"topic_kind"},
		),
		downstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "downstream_duration_seconds",
				Help:      "Downstream HTTP call duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "status"},
		),
		downstreamFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downstream_failures_total",
				Help:      "Downstream calls that produced no HTTP response",
			},
			[]string{"method"},
		),
		cacheServed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_replays_total",
				Help:      "Commands answered from the idempotency cache",
			},
		),
		loopPublishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loop_publishes_total",
				Help:      "Heartbeat and telemetry publishes, by loop and result",
			},
			[]string{"loop", "result"},
		),
		connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "transport_connected",
				Help:      "1 while the broker connection is up",
			},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "downstream_circuit_state",
				Help:      "Downstream circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"breaker"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.commands,
			m.publishFailures,
			m.downstreamDuration,
			m.downstreamFailures,
			m.cacheServed,
			m.loopPublishes,
			m.connected,
			m.circuitState,
		)
	}
	return m
}

// CommandReceived implements messaging.Metrics
func (m *Metrics) CommandReceived() {
	m.commands.WithLabelValues("received").Inc()
}

// CommandDropped implements messaging.Metrics
func (m *Metrics) CommandDropped(reason string) {
	m.commands.WithLabelValues("dropped_" + reason).Inc()
}

// CommandFailed implements messaging.Metrics
func (m *Metrics) CommandFailed() {
	m.commands.WithLabelValues("failed").Inc()
}

// ResponsePublished implements messaging.Metrics
func (m *Metrics) ResponsePublished() {
	m.commands.WithLabelValues("responded").Inc()
}

// PublishFailed implements messaging.Metrics
func (m *Metrics) PublishFailed(topicKind string) {
	m.publishFailures.WithLabelValues(topicKind).Inc()
}

// ConnectionChanged implements messaging.Metrics
func (m *Metrics) ConnectionChanged(connected bool) {
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

// DownstreamCompleted implements bridge.Metrics
func (m *Metrics) DownstreamCompleted(method string, statusCode int, elapsed time.Duration) {
	m.downstreamDuration.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(elapsed.Seconds())
}

// DownstreamFailed implements bridge.Metrics
func (m *Metrics) DownstreamFailed(method string, elapsed time.Duration) {
	m.downstreamFailures.WithLabelValues(method).Inc()
	m.downstreamDuration.WithLabelValues(method, "error").Observe(elapsed.Seconds())
}

// CacheServed implements bridge.Metrics
func (m *Metrics) CacheServed() {
	m.cacheServed.Inc()
}

// LoopPublished implements bridge.Metrics
func (m *Metrics) LoopPublished(loop string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.loopPublishes.WithLabelValues(loop, result).Inc()
}

// OnStateChange implements reliability.StateChangeListener
func (m *Metrics) OnStateChange(name string, _, to reliability.State) {
	m.circuitState.WithLabelValues(name).Set(float64(to))
}
