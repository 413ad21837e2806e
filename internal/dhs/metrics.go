package dhs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors for a coordinator.
type Metrics struct {
	Events       *prometheus.CounterVec
	InFlight     *prometheus.GaugeVec
	Forwards     *prometheus.CounterVec
	DecodeErrors prometheus.Counter
}

// Negotiation kinds for the in-flight gauge.
const (
	kindOutbound  = "outbound"
	kindTracker   = "tracker"
	kindGateway   = "gateway"
	kindTransient = "transient"
	kindForward   = "forward"
	kindPending   = "pending_conn"
)

// Forward outcomes.
const (
	forwardAccepted  = "accepted"
	forwardRejected  = "rejected"
	forwardExhausted = "exhausted"
	forwardDuplicate = "duplicate"
	forwardDispatch  = "dispatched"
)

// NewMetrics creates the collectors and registers them on reg.
// A nil reg leaves the collectors unregistered, which is convenient in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dragongate",
				Subsystem: "handshake",
				Name:      "events_total",
				Help:      "Events emitted by the handshake coordinator.",
			},
			[]string{"event"},
		),
		InFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "dragongate",
				Subsystem: "handshake",
				Name:      "negotiations_in_flight",
				Help:      "Negotiation records currently held by the coordinator.",
			},
			[]string{"kind"},
		),
		Forwards: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dragongate",
				Subsystem: "handshake",
				Name:      "forwards_total",
				Help:      "Join requests handled, by outcome.",
			},
			[]string{"outcome"},
		),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dragongate",
			Subsystem: "handshake",
			Name:      "decode_errors_total",
			Help:      "Malformed messages received during negotiations.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.Events, m.InFlight, m.Forwards, m.DecodeErrors)
	}

	return m
}
