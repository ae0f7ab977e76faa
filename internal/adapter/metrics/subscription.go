package metrics

import "github.com/prometheus/client_golang/prometheus"

// SubscriptionMetrics holds Prometheus metrics for topic registration.
type SubscriptionMetrics struct {
	Requests    *prometheus.CounterVec
	Revocations prometheus.Counter
}

// NewSubscriptionMetrics creates and registers topic registration metrics on the given registry.
func NewSubscriptionMetrics(reg prometheus.Registerer) *SubscriptionMetrics {
	m := &SubscriptionMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "requests_total",
			Help:      "Total number of topic registration requests, by topic and result.",
		}, []string{"topic", "result"}),
		Revocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "revocations_total",
			Help:      "Total number of credentials revoked after the upstream rejected them.",
		}),
	}

	reg.MustRegister(m.Requests, m.Revocations)
	return m
}
