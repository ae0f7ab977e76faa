package metrics

import "github.com/prometheus/client_golang/prometheus"

// BroadcastMetrics holds Prometheus metrics for downstream listener fan-out.
type BroadcastMetrics struct {
	Listeners     prometheus.Gauge
	Broadcasts    prometheus.Counter
	Deliveries    prometheus.Counter
	Dropped       prometheus.Counter
	WriteDuration prometheus.Histogram
	PingFailures  prometheus.Counter
}

// NewBroadcastMetrics creates and registers broadcast metrics on the given registry.
func NewBroadcastMetrics(reg prometheus.Registerer) *BroadcastMetrics {
	m := &BroadcastMetrics{
		Listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "listeners",
			Help:      "Number of registered listener connections.",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "envelopes_total",
			Help:      "Total number of envelopes fanned out.",
		}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "deliveries_total",
			Help:      "Total number of envelopes queued to a listener.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "dropped_total",
			Help:      "Total number of envelopes dropped because a listener queue was full.",
		}),
		WriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "write_duration_seconds",
			Help:      "Duration of a single listener write in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		PingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "ping_failures_total",
			Help:      "Total number of failed listener pings.",
		}),
	}

	reg.MustRegister(m.Listeners, m.Broadcasts, m.Deliveries, m.Dropped, m.WriteDuration, m.PingFailures)
	return m
}
