package environment

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce       sync.Once
	allocationRetries prometheus.Counter
	lifecycleActions  *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		allocationRetries = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lyra",
			Subsystem: "allocator",
			Name:      "insert_retries_total",
			Help:      "Environment inserts retried after a port uniqueness violation",
		})
		lifecycleActions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lyra",
			Subsystem: "environment",
			Name:      "actions_total",
			Help:      "Environment lifecycle actions by action, placement and outcome",
		}, []string{"action", "placement", "outcome"})

		for _, collector := range []prometheus.Collector{allocationRetries, lifecycleActions} {
			if err := prometheus.Register(collector); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					switch v := are.ExistingCollector.(type) {
					case prometheus.Counter:
						allocationRetries = v
					case *prometheus.CounterVec:
						lifecycleActions = v
					}
				}
			}
		}
	})
}

func observeAllocationRetry() {
	initMetrics()
	allocationRetries.Inc()
}

func observeAction(action string, remote bool, err error) {
	initMetrics()
	placement := "host"
	if remote {
		placement = "worker"
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	lifecycleActions.WithLabelValues(action, placement, outcome).Inc()
}
