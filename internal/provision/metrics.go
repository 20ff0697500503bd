package provision

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce        sync.Once
	provisionOutcomes  *prometheus.CounterVec
	provisionDurations prometheus.Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		provisionOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lyra",
			Subsystem: "provision",
			Name:      "outcomes_total",
			Help:      "Provisioning runs by outcome (running, failed, skipped)",
		}, []string{"outcome", "stage"})
		provisionDurations = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lyra",
			Subsystem: "provision",
			Name:      "duration_seconds",
			Help:      "Wall time from dequeue to running or failed",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		})

		for _, collector := range []prometheus.Collector{provisionOutcomes, provisionDurations} {
			if err := prometheus.Register(collector); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					switch v := are.ExistingCollector.(type) {
					case *prometheus.CounterVec:
						provisionOutcomes = v
					case prometheus.Histogram:
						provisionDurations = v
					}
				}
			}
		}
	})
}

func observeOutcome(outcome, stage string, started time.Time) {
	initMetrics()
	provisionOutcomes.WithLabelValues(outcome, stage).Inc()
	if outcome != outcomeSkipped {
		provisionDurations.Observe(time.Since(started).Seconds())
	}
}
