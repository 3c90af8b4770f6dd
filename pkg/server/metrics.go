package server

import (
	"net/http"
	"time"

	"github.com/aeolun/convoice/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for one server. Each Metrics owns
// its own registry so several servers can live in one process (tests).
// All Record methods are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	activeUsers       prometheus.Gauge
	activeHandlers    prometheus.Gauge
	channels          prometheus.Gauge
	connections       *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	messagesSent      *prometheus.CounterVec
	broadcastDuration prometheus.Histogram
}

// NewMetrics creates and registers the server collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "convoice_active_users",
			Help: "Number of logged-in users",
		}),
		activeHandlers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "convoice_active_handlers",
			Help: "Number of connection handlers in the pool",
		}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "convoice_channels",
			Help: "Number of channels, including the default channel",
		}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convoice_connections_total",
			Help: "Connection attempts by outcome",
		}, []string{"result"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convoice_messages_received_total",
			Help: "Messages received from clients by type",
		}, []string{"type"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convoice_messages_sent_total",
			Help: "Messages written to clients by type",
		}, []string{"type"}),
		broadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "convoice_broadcast_duration_seconds",
			Help:    "Time spent writing one broadcast to every recipient",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}

	m.registry.MustRegister(
		m.activeUsers,
		m.activeHandlers,
		m.channels,
		m.connections,
		m.messagesReceived,
		m.messagesSent,
		m.broadcastDuration,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves this server's registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordActiveUsers(n int) {
	if m == nil {
		return
	}
	m.activeUsers.Set(float64(n))
}

func (m *Metrics) RecordHandlers(n int) {
	if m == nil {
		return
	}
	m.activeHandlers.Set(float64(n))
}

func (m *Metrics) RecordChannels(n int) {
	if m == nil {
		return
	}
	m.channels.Set(float64(n))
}

func (m *Metrics) RecordConnectionAccepted() {
	if m == nil {
		return
	}
	m.connections.WithLabelValues("accepted").Inc()
}

// RecordConnectionRejected counts a rejection. reason is a short label
// (bad_protocol, full, auth), not the text sent to the client.
func (m *Metrics) RecordConnectionRejected(reason string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordMessageReceived(t protocol.MessageType) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) RecordMessagesSent(t protocol.MessageType, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.messagesSent.WithLabelValues(t.String()).Add(float64(n))
}

func (m *Metrics) ObserveBroadcast(d time.Duration) {
	if m == nil {
		return
	}
	m.broadcastDuration.Observe(d.Seconds())
}
