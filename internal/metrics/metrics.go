// Package metrics exposes GridSense's Prometheus instruments. A nil
// *Metrics is valid and every method on it is a no-op, so components
// built without a registry need no guard checks.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gridsense"

// Metrics holds the process-wide Prometheus instruments.
type Metrics struct {
	entriesIngested  prometheus.Counter
	commands         *prometheus.CounterVec
	acksRelayed      prometheus.Counter
	acksDropped      *prometheus.CounterVec
	broadcasts       *prometheus.CounterVec
	eventsDropped    prometheus.Counter
	clientsConnected prometheus.Gauge
	brokerConnected  prometheus.Gauge
}

// New creates the instruments and registers them with reg. It returns
// nil when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		entriesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "entries_total",
			Help:      "Telemetry entries persisted",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "dispatched_total",
			Help:      "Commands dispatched to devices",
		}, []string{"source", "result"}),
		acksRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ack",
			Name:      "relayed_total",
			Help:      "Device acknowledgments relayed to subscribers",
		}),
		acksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ack",
			Name:      "dropped_total",
			Help:      "Device acknowledgments dropped before relay",
		}, []string{"reason"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "broadcasts_total",
			Help:      "Room broadcasts by event name",
		}, []string{"event"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "events_dropped_total",
			Help:      "Events not delivered because a connection's send buffer was full",
		}),
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "clients_connected",
			Help:      "Number of currently connected WebSocket clients",
		}),
		brokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "connected",
			Help:      "1 when the broker session is up",
		}),
	}

	reg.MustRegister(
		m.entriesIngested,
		m.commands,
		m.acksRelayed,
		m.acksDropped,
		m.broadcasts,
		m.eventsDropped,
		m.clientsConnected,
		m.brokerConnected,
	)
	return m
}

// EntryIngested counts one persisted telemetry entry.
func (m *Metrics) EntryIngested() {
	if m == nil {
		return
	}
	m.entriesIngested.Inc()
}

// CommandDispatched counts a dispatch attempt. result is "ok" or an
// error class.
func (m *Metrics) CommandDispatched(source, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(source, result).Inc()
}

// AckRelayed counts one acknowledgment delivered to a room.
func (m *Metrics) AckRelayed() {
	if m == nil {
		return
	}
	m.acksRelayed.Inc()
}

// AckDropped counts one acknowledgment discarded for reason.
func (m *Metrics) AckDropped(reason string) {
	if m == nil {
		return
	}
	m.acksDropped.WithLabelValues(reason).Inc()
}

// Broadcast counts one room broadcast.
func (m *Metrics) Broadcast(event string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(event).Inc()
}

// EventDropped counts one event skipped for a slow connection.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

// ClientConnected and ClientDisconnected track the live connection
// gauge.
func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.clientsConnected.Inc()
}

// ClientDisconnected decrements the live connection gauge.
func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.clientsConnected.Dec()
}

// SetBrokerConnected records the broker session state.
func (m *Metrics) SetBrokerConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.brokerConnected.Set(1)
	} else {
		m.brokerConnected.Set(0)
	}
}
