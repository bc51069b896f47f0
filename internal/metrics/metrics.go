// Package metrics exposes Prometheus instrumentation for the relay hub.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ticko_relay"

// Metrics groups the collectors updated by the relay and the HTTP layer.
type Metrics struct {
	connections        prometheus.Gauge
	onlineUsers        prometheus.Gauge
	rooms              prometheus.Gauge
	events             *prometheus.CounterVec
	malformed          *prometheus.CounterVec
	deliveries         *prometheus.CounterVec
	deliveryFailures   *prometheus.CounterVec
	presenceBroadcasts prometheus.Counter
	handshakeRejects   *prometheus.CounterVec
}

// New builds the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is handy in tests that only read values back.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live websocket connections attached to the hub.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Users with at least one identified connection.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Rooms with at least one joined connection.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound events accepted, by event name.",
		}, []string{"event"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_events_total",
			Help:      "Inbound events dropped, by reason.",
		}, []string{"reason"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Frames queued to peers, by kind.",
		}, []string{"kind"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Frames that could not be queued, by kind and reason.",
		}, []string{"kind", "reason"}),
		presenceBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_broadcasts_total",
			Help:      "Online user list broadcasts sent to all connections.",
		}),
		handshakeRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_rejections_total",
			Help:      "Websocket handshakes refused before upgrade, by reason.",
		}, []string{"reason"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.connections,
			m.onlineUsers,
			m.rooms,
			m.events,
			m.malformed,
			m.deliveries,
			m.deliveryFailures,
			m.presenceBroadcasts,
			m.handshakeRejects,
		)
	}
	return m
}

// SetConnections records the number of peers attached to the hub.
func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

// SetOnlineUsers records the size of the online user set.
func (m *Metrics) SetOnlineUsers(n int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(n))
}

// SetRooms records how many rooms have members.
func (m *Metrics) SetRooms(n int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(n))
}

// Event counts one accepted inbound event.
func (m *Metrics) Event(name string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Inc()
}

// Malformed counts one dropped inbound event with the reason it was dropped.
func (m *Metrics) Malformed(reason string) {
	if m == nil {
		return
	}
	m.malformed.WithLabelValues(reason).Inc()
}

// Delivered counts one frame queued to a peer.
func (m *Metrics) Delivered(kind string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(kind).Inc()
}

// DeliveryFailed counts one frame a peer could not accept.
func (m *Metrics) DeliveryFailed(kind, reason string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(kind, reason).Inc()
}

// PresenceBroadcast counts one online list broadcast.
func (m *Metrics) PresenceBroadcast() {
	if m == nil {
		return
	}
	m.presenceBroadcasts.Inc()
}

// HandshakeRejected counts one refused websocket handshake, such as a
// disallowed origin or a missing token.
func (m *Metrics) HandshakeRejected(reason string) {
	if m == nil {
		return
	}
	m.handshakeRejects.WithLabelValues(reason).Inc()
}
