package metrics

import "github.com/prometheus/client_golang/prometheus"

// UpstreamMetrics holds Prometheus metrics for upstream EventSub sessions.
type UpstreamMetrics struct {
	Transitions    *prometheus.CounterVec
	ActiveSessions prometheus.Gauge
	Notifications  *prometheus.CounterVec
	ProtocolErrors prometheus.Counter
	Reconnects     prometheus.Counter
	Dials          *prometheus.CounterVec
}

// NewUpstreamMetrics creates and registers upstream session metrics on the given registry.
func NewUpstreamMetrics(reg prometheus.Registerer) *UpstreamMetrics {
	m := &UpstreamMetrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "state_transitions_total",
			Help:      "Total number of session state transitions, by target state.",
		}, []string{"state"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "sessions",
			Help:      "Number of sessions currently held in the registry.",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "notifications_total",
			Help:      "Total number of notifications received, by event type.",
		}, []string{"event_type"}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "protocol_errors_total",
			Help:      "Total number of malformed or unexpected upstream messages dropped.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "reconnects_total",
			Help:      "Total number of reconnect directives followed.",
		}),
		Dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "dials_total",
			Help:      "Total number of upstream dial attempts, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(m.Transitions, m.ActiveSessions, m.Notifications, m.ProtocolErrors, m.Reconnects, m.Dials)
	return m
}
