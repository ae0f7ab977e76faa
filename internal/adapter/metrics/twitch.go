package metrics

import "github.com/prometheus/client_golang/prometheus"

// TwitchAPIMetrics holds Prometheus metrics for outbound Twitch API calls.
type TwitchAPIMetrics struct {
	Requests     *prometheus.CounterVec
	Duration     *prometheus.HistogramVec
	BreakerState prometheus.Gauge
}

// NewTwitchAPIMetrics creates and registers Twitch API metrics on the given registry.
func NewTwitchAPIMetrics(reg prometheus.Registerer) *TwitchAPIMetrics {
	m := &TwitchAPIMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "twitch_api",
			Name:      "requests_total",
			Help:      "Total number of Twitch API requests, by endpoint and status class.",
		}, []string{"endpoint", "status"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "twitch_api",
			Name:      "request_duration_seconds",
			Help:      "Duration of Twitch API requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "twitch_api",
			Name:      "circuit_breaker_state",
			Help:      "Twitch API circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
	}

	reg.MustRegister(m.Requests, m.Duration, m.BreakerState)
	return m
}
