package host

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters exposed on the local state API's /metrics endpoint.
var (
	relayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_manager_relay_requests_total",
		Help: "Execution requests relayed to the guest, by command.",
	}, []string{"command"})

	metricPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_manager_metric_publish_failures_total",
		Help: "Failed worker-metrics publishes to the orchestrator.",
	})

	guestConnectedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "worker_manager_guest_connected",
		Help: "Whether a guest is bound on the persistent channel.",
	})
)
