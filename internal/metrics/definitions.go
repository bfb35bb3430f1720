package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics for the gateway
var (
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	HTTPRequestsTotal    *prometheus.CounterVec
)

// Connection pool metrics
var (
	PoolConnections   *prometheus.GaugeVec
	PoolHandles       *prometheus.GaugeVec
	KeepaliveFailures *prometheus.CounterVec
)

// Health checker metrics
var (
	EndpointHealthStatus *prometheus.GaugeVec
	HealthCheckDuration  *prometheus.HistogramVec
	HealthCheckTotal     *prometheus.CounterVec
)

func init() {
	initHTTPMetrics()
	initPoolMetrics()
	initHealthMetrics()
}

// initHTTPMetrics initializes gateway HTTP metrics
func initHTTPMetrics() {
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainmux_http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"code", "method", "route"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainmux_http_requests_in_flight",
			Help: "Current number of in-flight HTTP requests.",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainmux_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"code", "method", "route"},
	)
}

// initPoolMetrics initializes connection pool metrics
func initPoolMetrics() {
	PoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainmux_pool_connections",
			Help: "Live pooled connections per chain (0 or 1).",
		},
		[]string{"chain"},
	)

	PoolHandles = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainmux_pool_handles",
			Help: "Active borrower handles per chain.",
		},
		[]string{"chain"},
	)

	KeepaliveFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainmux_keepalive_failures_total",
			Help: "Keepalive probes that failed, per chain.",
		},
		[]string{"chain"},
	)
}

// initHealthMetrics initializes health checker metrics
func initHealthMetrics() {
	EndpointHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainmux_endpoint_health_status",
			Help: "Endpoint health (1 = healthy, 0 = unhealthy).",
		},
		[]string{"chain", "url"},
	)

	HealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainmux_health_check_duration_seconds",
			Help:    "Duration of endpoint health checks.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "url"},
	)

	HealthCheckTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainmux_health_check_total",
			Help: "Total number of endpoint health checks.",
		},
		[]string{"chain", "url", "result"},
	)
}
