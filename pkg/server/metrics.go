package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for one server. Each server owns its
// own registry so several servers can run in one process (tests do).
//
// All Record methods are no-ops on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions    prometheus.Gauge
	connectionsTotal  *prometheus.CounterVec
	disconnections    prometheus.Counter
	commandsTotal     *prometheus.CounterVec
	broadcastsTotal   prometheus.Counter
	broadcastFanout   prometheus.Histogram
	broadcastDuration prometheus.Histogram
	evictionsTotal    prometheus.Counter
	directMessages    *prometheus.CounterVec
}

// NewMetrics creates and registers the server's collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "linechat_active_sessions",
			Help: "Number of authenticated sessions in the registry",
		}),
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linechat_connections_total",
			Help: "Accepted client connections",
		}, []string{"transport"}),
		disconnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linechat_disconnections_total",
			Help: "Closed client connections",
		}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linechat_commands_total",
			Help: "Command lines received, by verb",
		}, []string{"verb"}),
		broadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linechat_broadcasts_total",
			Help: "Broadcast fan-outs performed",
		}),
		broadcastFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "linechat_broadcast_fanout",
			Help:    "Recipients per broadcast",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}),
		broadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "linechat_broadcast_duration_seconds",
			Help:    "Time spent holding the registry for a broadcast",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		evictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linechat_evictions_total",
			Help: "Sessions removed after a failed broadcast write",
		}),
		directMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linechat_direct_messages_total",
			Help: "Direct messages by outcome",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.activeSessions,
		m.connectionsTotal,
		m.disconnections,
		m.commandsTotal,
		m.broadcastsTotal,
		m.broadcastFanout,
		m.broadcastDuration,
		m.evictionsTotal,
		m.directMessages,
		collectors.NewGoCollector(),
	)

	return m
}

// Handler serves the collectors in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordActiveSessions(count int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(count))
}

func (m *Metrics) RecordConnection(transport string) {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordDisconnection() {
	if m == nil {
		return
	}
	m.disconnections.Inc()
}

// RecordCommand counts a received verb. Verbs outside the protocol are
// counted as "other" to keep label cardinality bounded.
func (m *Metrics) RecordCommand(verb string) {
	if m == nil {
		return
	}
	if !knownVerbs[verb] {
		verb = "other"
	}
	m.commandsTotal.WithLabelValues(verb).Inc()
}

func (m *Metrics) RecordBroadcast(recipients int, seconds float64) {
	if m == nil {
		return
	}
	m.broadcastsTotal.Inc()
	m.broadcastFanout.Observe(float64(recipients))
	m.broadcastDuration.Observe(seconds)
}

func (m *Metrics) RecordEvictions(count int) {
	if m == nil || count == 0 {
		return
	}
	m.evictionsTotal.Add(float64(count))
}

func (m *Metrics) RecordDirectMessage(result string) {
	if m == nil {
		return
	}
	m.directMessages.WithLabelValues(result).Inc()
}
