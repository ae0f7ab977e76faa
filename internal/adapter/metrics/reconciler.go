package metrics

import "github.com/prometheus/client_golang/prometheus"

// ReconcilerMetrics holds Prometheus metrics for the startup credential pass.
type ReconcilerMetrics struct {
	Validations *prometheus.CounterVec
	Duration    prometheus.Histogram
}

// NewReconcilerMetrics creates and registers reconciler metrics on the given registry.
func NewReconcilerMetrics(reg prometheus.Registerer) *ReconcilerMetrics {
	m := &ReconcilerMetrics{
		Validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "validations_total",
			Help:      "Total number of stored credentials validated at startup, by result.",
		}, []string{"result"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "run_duration_seconds",
			Help:      "Duration of a full reconciliation pass in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}

	reg.MustRegister(m.Validations, m.Duration)
	return m
}
