// Package metrics provides internal Prometheus metrics collection.
// This package is internal and should not be imported by external
// projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector records chat turn outcomes, retries, and stream timings.
type Collector struct {
	turnsTotal     *prometheus.CounterVec
	chunksTotal    prometheus.Counter
	retriesTotal   *prometheus.CounterVec
	errorsTotal    *prometheus.CounterVec
	streamDuration prometheus.Histogram
	contextSize    prometheus.Gauge
}

// NewCollector builds and registers the collector on reg. Pass
// prometheus.NewRegistry() in tests to avoid global registration
// conflicts.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	c := &Collector{
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed chat turns by outcome (succeeded/failed).",
		}, []string{"outcome"}),
		chunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Streamed completion deltas delivered to the consumer.",
		}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retry waits entered, by classified error kind.",
		}, []string{"kind"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Terminal turn failures, by classified error kind.",
		}, []string{"kind"}),
		streamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Wall-clock duration of one turn including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		contextSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "context_messages",
			Help:      "Messages included in the most recent context window.",
		}),
	}

	reg.MustRegister(
		c.turnsTotal,
		c.chunksTotal,
		c.retriesTotal,
		c.errorsTotal,
		c.streamDuration,
		c.contextSize,
	)
	return c
}

// TurnSucceeded counts a completed turn. Nil-safe.
func (c *Collector) TurnSucceeded(elapsed time.Duration) {
	if c == nil {
		return
	}
	c.turnsTotal.WithLabelValues("succeeded").Inc()
	c.streamDuration.Observe(elapsed.Seconds())
}

// TurnFailed counts a failed turn with its error kind. Nil-safe.
func (c *Collector) TurnFailed(kind string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.turnsTotal.WithLabelValues("failed").Inc()
	c.errorsTotal.WithLabelValues(kind).Inc()
	c.streamDuration.Observe(elapsed.Seconds())
}

// ChunkDelivered counts one emitted delta. Nil-safe.
func (c *Collector) ChunkDelivered() {
	if c == nil {
		return
	}
	c.chunksTotal.Inc()
}

// RetryEntered counts one retry wait. Nil-safe.
func (c *Collector) RetryEntered(kind string) {
	if c == nil {
		return
	}
	c.retriesTotal.WithLabelValues(kind).Inc()
}

// ContextWindow records the size of the last context build. Nil-safe.
func (c *Collector) ContextWindow(messages int) {
	if c == nil {
		return
	}
	c.contextSize.Set(float64(messages))
}
