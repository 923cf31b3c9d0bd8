// Package metrics holds the service's prometheus collectors. They register
// with the default registry and are served by promhttp on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "negotiation_events_appended_total",
			Help: "Negotiation events written, by event type.",
		},
		[]string{"event_type"},
	)

	Rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "negotiation_rejections_total",
			Help: "Rejected negotiation and action requests, by error code.",
		},
		[]string{"code"},
	)

	ActionsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "negotiation_actions_applied_total",
			Help: "Action block responses applied, by block type and action.",
		},
		[]string{"block_type", "action"},
	)

	Exports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "negotiation_exports_total",
			Help: "Audit exports produced, by format and attestation.",
		},
		[]string{"format", "attested"},
	)

	Verifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "negotiation_export_verifications_total",
			Help: "Export verification attempts, by outcome reason.",
		},
		[]string{"reason"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "negotiation_http_request_duration_seconds",
			Help:    "HTTP request latency, by route pattern and status.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	prometheus.MustRegister(EventsAppended, Rejections, ActionsApplied, Exports, Verifications, RequestDuration)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one request against its route pattern.
func ObserveRequest(method, route string, status int, started time.Time) {
	if route == "" {
		route = "unmatched"
	}
	RequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(time.Since(started).Seconds())
}
