package server

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Pablu23/tftpd/internal/common"
)

const defaultNamespace = "tftpd"

const (
	resultSuccess  = "success"
	resultFailure  = "failure"
	resultShutdown = "shutdown"
)

// Metrics exposes server side transfer statistics through its own registry.
type Metrics struct {
	registry *prometheus.Registry

	packetsSent       *prometheus.CounterVec
	packetsReceived   *prometheus.CounterVec
	bytesSent         prometheus.Counter
	bytesReceived     prometheus.Counter
	transfers         *prometheus.CounterVec
	malformedRequests prometheus.Counter
	activeConnections prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	if strings.TrimSpace(namespace) == "" {
		namespace = defaultNamespace
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Packets sent, by opcode.",
		}, []string{"opcode"}),
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Packets received, by opcode.",
		}, []string{"opcode"}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Bytes written to the network.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Bytes read from the network.",
		}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Finished transfers, by request kind and result.",
		}, []string{"kind", "result"}),
		malformedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_requests_total",
			Help:      "Initial packets that were not a valid RRQ or WRQ.",
		}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Connections currently transferring.",
		}),
	}

	m.registry.MustRegister(
		m.packetsSent,
		m.packetsReceived,
		m.bytesSent,
		m.bytesReceived,
		m.transfers,
		m.malformedRequests,
		m.activeConnections,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func opcodeLabel(data []byte) string {
	if len(data) < 2 || data[0] != 0 {
		return "UNKNOWN"
	}
	return common.Opcode(data[1]).String()
}

func (m *Metrics) ObserveSend(data []byte) {
	m.packetsSent.WithLabelValues(opcodeLabel(data)).Inc()
	m.bytesSent.Add(float64(len(data)))
}

func (m *Metrics) ObserveReceive(data []byte) {
	m.packetsReceived.WithLabelValues(opcodeLabel(data)).Inc()
	m.bytesReceived.Add(float64(len(data)))
}

func (m *Metrics) ObserveTransfer(kind common.RequestKind, result string) {
	m.transfers.WithLabelValues(strings.ToLower(kind.String()), result).Inc()
}

func (m *Metrics) ObserveMalformedRequest() {
	m.malformedRequests.Inc()
}

func (m *Metrics) ConnectionOpened() {
	m.activeConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	m.activeConnections.Dec()
}
