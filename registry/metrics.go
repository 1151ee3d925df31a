package registry

import "github.com/prometheus/client_golang/prometheus"

var (
	CounterProvisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sheetsmith_registry",
			Name:      "provisions_total",
			Help:      "Finished provisioning operations by result.",
		},
		[]string{
			"result",
		},
	)
	CounterProvisionRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sheetsmith_registry",
			Name:      "provision_retries_total",
			Help:      "Provisioning attempts retried after a transient failure.",
		},
	)
	CounterPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sheetsmith_registry",
			Name:      "polls_total",
			Help:      "Upstream polls by result.",
		},
		[]string{
			"result",
		},
	)
)

func init() {
	prometheus.MustRegister(CounterProvisions)
	prometheus.MustRegister(CounterProvisionRetries)
	prometheus.MustRegister(CounterPolls)
}
