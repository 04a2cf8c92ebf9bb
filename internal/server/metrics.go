// Package server records relay activity as Prometheus metrics.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Tyrowin/roomrelay/internal/relay"
)

// Metrics implements relay.Recorder with Prometheus collectors registered on
// its own registry.
type Metrics struct {
	registry *prometheus.Registry

	active       prometheus.Gauge
	accepted     prometheus.Counter
	rejected     prometheus.Counter
	closed       *prometheus.CounterVec
	bytesIn      prometheus.Counter
	relayed      prometheus.Counter
	deliveries   prometheus.Counter
	bytesRelayed prometheus.Counter
	commands     *prometheus.CounterVec
	throttled    prometheus.Counter
}

var _ relay.Recorder = (*Metrics)(nil)

// NewMetrics creates the relay collectors plus the Go runtime and process
// collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Number of currently admitted connections.",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_connections_accepted_total",
			Help: "Connections admitted into the relay.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_connections_rejected_total",
			Help: "Connections turned away because the relay was full.",
		}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_connections_closed_total",
			Help: "Connections removed from the relay, by reason.",
		}, []string{"reason"}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_bytes_received_total",
			Help: "Bytes received from clients.",
		}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_relayed_total",
			Help: "Chat payloads broadcast to a room.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_message_deliveries_total",
			Help: "Chat payloads staged on recipient connections.",
		}),
		bytesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_bytes_relayed_total",
			Help: "Payload bytes staged on recipient connections.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_commands_total",
			Help: "Room commands handled, by command and outcome.",
		}, []string{"command", "outcome"}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_throttled_total",
			Help: "Lines discarded by the per-connection rate limiter.",
		}),
	}

	m.registry.MustRegister(
		m.active, m.accepted, m.rejected, m.closed, m.bytesIn,
		m.relayed, m.deliveries, m.bytesRelayed, m.commands, m.throttled,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler exposes the registry at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ConnectionAdmitted() {
	m.accepted.Inc()
	m.active.Inc()
}

func (m *Metrics) ConnectionRejected() {
	m.rejected.Inc()
}

func (m *Metrics) ConnectionClosed(reason string) {
	m.closed.WithLabelValues(reason).Inc()
	m.active.Dec()
}

func (m *Metrics) BytesReceived(n int) {
	m.bytesIn.Add(float64(n))
}

func (m *Metrics) MessageRelayed(recipients, bytes int) {
	m.relayed.Inc()
	m.deliveries.Add(float64(recipients))
	m.bytesRelayed.Add(float64(recipients * bytes))
}

func (m *Metrics) CommandHandled(command, outcome string) {
	m.commands.WithLabelValues(command, outcome).Inc()
}

func (m *Metrics) MessageThrottled() {
	m.throttled.Inc()
}
