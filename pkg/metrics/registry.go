package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry manages all Prometheus metrics for the service. It is built once
// at process start and passed to each component; there is no package-level
// instance.
type Registry struct {
	config   Config
	registry *prometheus.Registry

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Inbound webhook metrics
	webhookDeliveriesTotal  *prometheus.CounterVec
	webhookHandlingDuration *prometheus.HistogramVec

	// Retry metrics
	retryAttemptsTotal *prometheus.CounterVec
	sweepRunsTotal     prometheus.Counter
	sweepItemsTotal    *prometheus.CounterVec
}

// NewRegistry creates a new metrics registry with the given configuration.
func NewRegistry(config Config) *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		config:   config,
		registry: reg,
	}

	r.registerHTTPMetrics()
	r.registerWebhookMetrics()

	if config.EnableProcessMetrics {
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	if config.EnableRuntimeMetrics {
		reg.MustRegister(collectors.NewGoCollector())
	}

	return r
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// Config returns the registry configuration.
func (r *Registry) Config() Config {
	return r.config
}

func (r *Registry) registerHTTPMetrics() {
	ns := r.config.Namespace

	r.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status_code"},
	)

	r.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   r.config.HistogramBuckets.HTTPDuration,
		},
		[]string{"method", "path"},
	)

	r.registry.MustRegister(
		r.httpRequestsTotal,
		r.httpRequestDuration,
	)
}

func (r *Registry) registerWebhookMetrics() {
	ns := r.config.Namespace

	r.webhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Total number of inbound webhook deliveries by outcome",
		},
		[]string{"webhook_type", "outcome"},
	)

	r.webhookHandlingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "webhook",
			Name:      "handling_duration_seconds",
			Help:      "Inbound webhook processing duration in seconds",
			Buckets:   r.config.HistogramBuckets.WebhookDuration,
		},
		[]string{"webhook_type"},
	)

	r.retryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Total number of retry deliveries by outcome",
		},
		[]string{"outcome"},
	)

	r.sweepRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "retry",
			Name:      "sweep_runs_total",
			Help:      "Total number of failed-webhook sweep passes",
		},
	)

	r.sweepItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "retry",
			Name:      "sweep_items_total",
			Help:      "Total number of sweep items by result",
		},
		[]string{"result"},
	)

	r.registry.MustRegister(
		r.webhookDeliveriesTotal,
		r.webhookHandlingDuration,
		r.retryAttemptsTotal,
		r.sweepRunsTotal,
		r.sweepItemsTotal,
	)
}

// RecordRequest records one completed HTTP request.
func (r *Registry) RecordRequest(method, path string, status int, duration time.Duration) {
	r.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ObserveInbound records one inbound webhook delivery.
func (r *Registry) ObserveInbound(webhookType, outcome string, duration time.Duration) {
	r.webhookDeliveriesTotal.WithLabelValues(webhookType, outcome).Inc()
	r.webhookHandlingDuration.WithLabelValues(webhookType).Observe(duration.Seconds())
}

// ObserveRetry records one retry delivery outcome.
func (r *Registry) ObserveRetry(outcome string) {
	r.retryAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSweep records one sweep pass.
func (r *Registry) ObserveSweep(processed, successes, failures int) {
	r.sweepRunsTotal.Inc()
	if skipped := processed - successes - failures; skipped > 0 {
		r.sweepItemsTotal.WithLabelValues("skipped").Add(float64(skipped))
	}
	r.sweepItemsTotal.WithLabelValues("success").Add(float64(successes))
	r.sweepItemsTotal.WithLabelValues("failure").Add(float64(failures))
}
