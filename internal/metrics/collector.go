// Package metrics exposes coordinator telemetry as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dyluth/fedloop/internal/flow"
)

// Collector records round and dispatch metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	roundsTotal    *prometheus.CounterVec
	roundDuration  *prometheus.HistogramVec
	contributors   *prometheus.GaugeVec
	currentRound   *prometheus.GaugeVec
	bestRound      *prometheus.GaugeVec
	roundMetric    *prometheus.GaugeVec
	workerResults  *prometheus.CounterVec
	dispatchErrors *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector whose metrics are prefixed with namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.roundsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Total number of completed rounds",
		},
		[]string{"job"},
	)

	c.roundDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_duration_seconds",
			Help:      "Round duration in seconds, from dispatch to evaluation",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"job"},
	)

	c.contributors = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "round_contributors",
			Help:      "Number of sites that contributed to the last round",
		},
		[]string{"job"},
	)

	c.currentRound = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_round",
			Help:      "Index of the last completed round",
		},
		[]string{"job"},
	)

	c.bestRound = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_round",
			Help:      "Round that produced the current best artifact",
		},
		[]string{"job"},
	)

	c.roundMetric = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "round_metric",
			Help:      "Aggregated metric values of the last round",
		},
		[]string{"job", "metric"},
	)

	c.workerResults = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_results_total",
			Help:      "Total number of worker results by status",
		},
		[]string{"task", "status"},
	)

	c.dispatchErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_errors_total",
			Help:      "Total number of failed task dispatches",
		},
		[]string{"task"},
	)

	return c
}

// Registry returns the registry holding the collector's metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveResult counts a worker result.
func (c *Collector) ObserveResult(task string, status flow.Status) {
	c.workerResults.WithLabelValues(task, string(status)).Inc()
}

// ObserveDispatchError counts a failed dispatch.
func (c *Collector) ObserveDispatchError(task string) {
	c.dispatchErrors.WithLabelValues(task).Inc()
}

// ObserveRound records a completed round.
func (c *Collector) ObserveRound(summary flow.RoundSummary, elapsed time.Duration) {
	c.roundsTotal.WithLabelValues(summary.Job).Inc()
	c.roundDuration.WithLabelValues(summary.Job).Observe(elapsed.Seconds())
	c.contributors.WithLabelValues(summary.Job).Set(float64(summary.Contributors))
	c.currentRound.WithLabelValues(summary.Job).Set(float64(summary.Round))
	if summary.Best {
		c.bestRound.WithLabelValues(summary.Job).Set(float64(summary.Round))
	}
	for name, value := range summary.Metrics {
		c.roundMetric.WithLabelValues(summary.Job, name).Set(value)
	}

	c.logger.Debug("round observed",
		zap.String("job", summary.Job),
		zap.Int("round", summary.Round),
		zap.Duration("elapsed", elapsed))
}
