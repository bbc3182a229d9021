package reqresp

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "reqresp"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Requests started, by method and direction.
	Requests metrics.Counter
	// Requests that ended in an error, by method and direction.
	RequestErrors metrics.Counter
	// Response chunks sent or received, by method and direction.
	Chunks metrics.Counter
	// Request duration in seconds, by method and direction.
	RequestDuration metrics.Histogram
	// Inbound requests refused because of rate or concurrency limits.
	RateLimited metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	perMethod := append(labels, "method", "direction")
	return &Metrics{
		Requests: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "requests_total",
			Help:      "Number of requests started.",
		}, perMethod).With(labelsAndValues...),
		RequestErrors: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "request_errors_total",
			Help:      "Number of requests that ended in an error.",
		}, perMethod).With(labelsAndValues...),
		Chunks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "chunks_total",
			Help:      "Number of response chunks sent or received.",
		}, perMethod).With(labelsAndValues...),
		RequestDuration: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "request_duration_seconds",
			Help:      "Time taken by a request.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2, 5, 10},
		}, perMethod).With(labelsAndValues...),
		RateLimited: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "rate_limited_total",
			Help:      "Number of inbound requests refused by a limit.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Requests:        discard.NewCounter(),
		RequestErrors:   discard.NewCounter(),
		Chunks:          discard.NewCounter(),
		RequestDuration: discard.NewHistogram(),
		RateLimited:     discard.NewCounter(),
	}
}

const (
	directionInbound  = "inbound"
	directionOutbound = "outbound"
)
