package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	MetricSnapshotsPushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flexrewrite_snapshots_pushed_total",
			Help: "Total number of snapshots pushed to the cache",
		},
	)
	MetricServicesDiscovered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flexrewrite_services_discovered",
			Help: "Number of upstream services with discovered instances",
		},
	)
	MetricUpstreamInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flexrewrite_upstream_instances",
			Help: "Number of instances currently serving an upstream host",
		},
		[]string{"upstream"},
	)
	MetricRewritesMatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flexrewrite_rewrites_matched_total",
			Help: "Requests rewritten, by rule source pattern",
		},
		[]string{"source"},
	)
	MetricRewritesUnmatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flexrewrite_rewrites_unmatched_total",
			Help: "Requests that matched no rewrite rule",
		},
	)
	MetricUpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flexrewrite_upstream_errors_total",
			Help: "Forwarding failures, by upstream host",
		},
		[]string{"upstream"},
	)
)

// InitMetrics registers Prometheus metrics
func InitMetrics() {
	prometheus.MustRegister(MetricSnapshotsPushed)
	prometheus.MustRegister(MetricServicesDiscovered)
	prometheus.MustRegister(MetricUpstreamInstances)
	prometheus.MustRegister(MetricRewritesMatched)
	prometheus.MustRegister(MetricRewritesUnmatched)
	prometheus.MustRegister(MetricUpstreamErrors)
}
