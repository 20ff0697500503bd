package worker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce         sync.Once
	healthCheckLatency  *prometheus.HistogramVec
	healthCheckOutcomes *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		healthCheckLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lyra",
			Subsystem: "worker",
			Name:      "health_check_duration_seconds",
			Help:      "Latency of worker health probes",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"status"})
		healthCheckOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lyra",
			Subsystem: "worker",
			Name:      "health_checks_total",
			Help:      "Worker health probes by outcome and cache use",
		}, []string{"status", "cached"})

		for _, collector := range []prometheus.Collector{healthCheckLatency, healthCheckOutcomes} {
			if err := prometheus.Register(collector); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					switch v := are.ExistingCollector.(type) {
					case *prometheus.HistogramVec:
						healthCheckLatency = v
					case *prometheus.CounterVec:
						healthCheckOutcomes = v
					}
				}
			}
		}
	})
}

func observeHealth(result HealthResult, cached bool) {
	initMetrics()
	label := "false"
	if cached {
		label = "true"
	} else {
		healthCheckLatency.WithLabelValues(string(result.Status)).Observe(result.Latency.Seconds())
	}
	healthCheckOutcomes.WithLabelValues(string(result.Status), label).Inc()
}
