// Package metrics provides Prometheus metrics collection for the report
// webhook service.
package metrics

// Config holds configuration for the metrics module.
type Config struct {
	// Namespace is the prefix for all metrics (default: "reporthooks")
	Namespace string

	// EnableProcessMetrics enables Go process metrics (CPU, memory, goroutines)
	EnableProcessMetrics bool

	// EnableRuntimeMetrics enables Go runtime metrics
	EnableRuntimeMetrics bool

	// HistogramBuckets allows customizing default histogram buckets
	HistogramBuckets HistogramBucketsConfig
}

// HistogramBucketsConfig holds custom bucket configurations for different metric types.
type HistogramBucketsConfig struct {
	// HTTPDuration buckets for HTTP request duration in seconds
	HTTPDuration []float64

	// WebhookDuration buckets for inbound webhook processing in seconds
	WebhookDuration []float64

	// DeliveryDuration buckets for outbound delivery duration in seconds
	DeliveryDuration []float64
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:            "reporthooks",
		EnableProcessMetrics: true,
		EnableRuntimeMetrics: true,
		HistogramBuckets:     DefaultHistogramBuckets(),
	}
}

// DefaultHistogramBuckets returns the default histogram bucket configurations.
func DefaultHistogramBuckets() HistogramBucketsConfig {
	return HistogramBucketsConfig{
		HTTPDuration:     []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		WebhookDuration:  []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		DeliveryDuration: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}
}
