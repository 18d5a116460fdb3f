// Package metrics provides Prometheus metrics for the overlay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for one node.
type Metrics struct {
	// Connection metrics
	OpenConnections    prometheus.Gauge
	PendingConnections prometheus.Gauge
	Admissions         *prometheus.CounterVec
	Pruned             *prometheus.CounterVec
	FramesReceived     *prometheus.CounterVec
	TransportErrors    *prometheus.CounterVec

	// Maintenance metrics
	MaintenanceTicks prometheus.Counter
	GossipRounds     prometheus.Counter

	// Presence metrics
	PresenceStatus   prometheus.Gauge
	PresenceFailures prometheus.Counter
	PresenceDropped  prometheus.Counter
	HubPulses        prometheus.Counter

	// Router metrics
	MessagesAccepted  prometheus.Counter
	MessagesDuplicate prometheus.Counter
}

// New creates metrics under namespace and registers them with reg.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OpenConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Number of open overlay links",
		}),
		PendingConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_connections",
			Help:      "Number of links still awaiting setup",
		}),
		Admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Inbound links by admission result",
		}, []string{"result"}),
		Pruned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_connections_total",
			Help:      "Connections removed by maintenance",
		}, []string{"reason"}),
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound overlay frames by kind",
		}, []string{"kind"}),
		TransportErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Transport errors by class",
		}, []string{"class"}),

		MaintenanceTicks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_ticks_total",
			Help:      "Completed maintenance ticks",
		}),
		GossipRounds: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_rounds_total",
			Help:      "Gossip rounds sent",
		}),

		PresenceStatus: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "presence_status",
			Help:      "Presence session status (0 offline, 1 connecting, 2 online, 3 failed, 4 lost)",
		}),
		PresenceFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_failures_total",
			Help:      "Failed or lost presence sessions",
		}),
		PresenceDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_dropped_total",
			Help:      "Presence payloads discarded as stale or malformed",
		}),
		HubPulses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_pulses_total",
			Help:      "Hub pulses observed on the presence channel",
		}),

		MessagesAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_accepted_total",
			Help:      "Chat messages accepted by the router",
		}),
		MessagesDuplicate: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_duplicate_total",
			Help:      "Chat messages dropped as already seen",
		}),
	}
}

// NewUnregistered creates metrics on a private registry.
func NewUnregistered() *Metrics {
	return New("m2", prometheus.NewRegistry())
}
