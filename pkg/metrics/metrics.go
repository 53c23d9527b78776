package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// API metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podup_http_requests_total",
			Help: "Total number of HTTP requests by method and status",
		},
		[]string{"method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "podup_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Webhook metrics
	WebhooksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podup_webhooks_received_total",
			Help: "Total number of GitHub webhook deliveries by outcome",
		},
		[]string{"outcome"},
	)

	// Task metrics
	TasksDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podup_tasks_dispatched_total",
			Help: "Total number of tasks dispatched by kind",
		},
		[]string{"kind"},
	)

	TasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podup_tasks_finished_total",
			Help: "Total number of finished tasks by terminal status",
		},
		[]string{"status"},
	)

	// Rate limiting
	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podup_rate_limit_rejections_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"scope"},
	)

	ImageLockTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "podup_image_lock_timeouts_total",
			Help: "Total number of image lock acquisition timeouts",
		},
	)

	// Registry digest cache
	DigestCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podup_digest_cache_lookups_total",
			Help: "Total number of digest cache lookups by result",
		},
		[]string{"result"},
	)

	// Scheduler metrics
	SchedulerTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podup_scheduler_ticks_total",
			Help: "Total number of scheduler ticks by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(WebhooksReceived)
	prometheus.MustRegister(TasksDispatched)
	prometheus.MustRegister(TasksFinished)
	prometheus.MustRegister(RateLimitRejections)
	prometheus.MustRegister(ImageLockTimeouts)
	prometheus.MustRegister(DigestCacheLookups)
	prometheus.MustRegister(SchedulerTicks)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
