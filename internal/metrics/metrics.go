package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector the chat backend exports.
var Registry = prometheus.NewRegistry()

var (
	MessagesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "messages_created_total",
			Help:      "Messages durably written, by sender role.",
		},
		[]string{"role"},
	)

	WriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "write_failures_total",
			Help:      "Message writes rejected by the store.",
		},
	)

	SnapshotsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "snapshots_delivered_total",
			Help:      "Full result sets pushed to subscribers.",
		},
	)

	ActiveSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "active_subscriptions",
			Help:      "Live snapshot subscriptions.",
		},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "rate_limited_requests_total",
			Help:      "Requests rejected by the send limiter.",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		MessagesCreated,
		WriteFailures,
		SnapshotsDelivered,
		ActiveSubscriptions,
		RateLimited,
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
