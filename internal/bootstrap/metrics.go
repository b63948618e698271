package bootstrap

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	bootstrapActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devstack",
			Subsystem: "bootstrap",
			Name:      "actions_total",
			Help:      "Total number of secrets backend bootstrap actions completed",
		},
		[]string{"action"},
	)

	bootstrapFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devstack",
			Subsystem: "bootstrap",
			Name:      "failures_total",
			Help:      "Total number of secrets backend bootstrap passes that returned an error",
		},
		[]string{"action"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		bootstrapActionsTotal,
		bootstrapFailuresTotal,
	)
}

func recordAction(action Action) {
	bootstrapActionsTotal.WithLabelValues(string(action)).Inc()
}

func recordFailure(action Action) {
	bootstrapFailuresTotal.WithLabelValues(string(action)).Inc()
}
