// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector registers and records the engine's Prometheus metrics.
// All record methods are nil-safe: a nil collector is a no-op, so
// library code can carry an optional *Collector without guards.
type Collector struct {
	// Matching
	matchDecisionsTotal *prometheus.CounterVec
	matchScore          prometheus.Histogram

	// Execution
	executionsTotal   *prometheus.CounterVec
	executionDuration prometheus.Histogram

	// Learning sessions
	sessionTransitions *prometheus.CounterVec
	patternsLearned    prometheus.Counter

	// Store
	patternsStored prometheus.Gauge
	avgConfidence  prometheus.Gauge

	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector creates a collector and registers its metrics on the
// default registry. Construct it once per process.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.matchDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "match_decisions_total",
			Help:      "Total number of match decisions by kind",
		},
		[]string{"action_type", "kind"},
	)

	c.matchScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "match_best_score",
			Help:      "Similarity score of the best candidate per matching attempt",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 0.95, 1},
		},
	)

	c.executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of pattern executions by outcome",
		},
		[]string{"action_type", "outcome"},
	)

	c.executionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Pattern execution duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	c.sessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Total number of learning session state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	c.patternsLearned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patterns_learned_total",
			Help:      "Total number of patterns committed from learning sessions",
		},
	)

	c.patternsStored = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "patterns_stored",
			Help:      "Number of patterns currently in the store",
		},
	)

	c.avgConfidence = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "patterns_avg_confidence",
			Help:      "Average confidence across stored patterns",
		},
	)

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordMatchDecision records one matching attempt.
func (c *Collector) RecordMatchDecision(actionType, kind string, bestScore float64) {
	if c == nil {
		return
	}
	c.matchDecisionsTotal.WithLabelValues(actionType, kind).Inc()
	if bestScore > 0 {
		c.matchScore.Observe(bestScore)
	}
}

// RecordExecution records one pattern execution.
func (c *Collector) RecordExecution(actionType string, success bool, duration time.Duration) {
	if c == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.executionsTotal.WithLabelValues(actionType, outcome).Inc()
	c.executionDuration.Observe(duration.Seconds())
}

// RecordSessionTransition records a learning session state change.
func (c *Collector) RecordSessionTransition(fromState, toState string) {
	if c == nil {
		return
	}
	c.sessionTransitions.WithLabelValues(fromState, toState).Inc()
}

// RecordPatternLearned records a pattern committed from a session.
func (c *Collector) RecordPatternLearned() {
	if c == nil {
		return
	}
	c.patternsLearned.Inc()
}

// RecordStoreStats updates the store gauges.
func (c *Collector) RecordStoreStats(totalPatterns int64, avgConfidence float64) {
	if c == nil {
		return
	}
	c.patternsStored.Set(float64(totalPatterns))
	c.avgConfidence.Set(avgConfidence)
}

// RecordHTTPRequest records an HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// statusCode maps an HTTP status to its class label.
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
