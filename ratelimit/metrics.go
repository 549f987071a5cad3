/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsLabelRule      = "rule"
	metricsLabelAlgorithm = "algorithm"
	metricsLabelResult    = "result"
	metricsLabelPolicy    = "policy"
)

// Values of the "result" label.
const (
	metricsResultAllowed          = "allowed"
	metricsResultRejected         = "rejected"
	metricsResultSkipped          = "skipped"
	metricsResultFailedOpen       = "failed_open"
	metricsResultFailedClosed     = "failed_closed"
	metricsResultFallbackAllowed  = "fallback_allowed"
	metricsResultFallbackRejected = "fallback_rejected"
)

// DefaultDecisionDurationBuckets is default buckets for the decision duration histogram.
var DefaultDecisionDurationBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

// MetricsCollector collects metrics of rate limiting decisions.
type MetricsCollector interface {
	ObserveDecision(rule string, algorithm Type, result string, duration time.Duration)
	IncStoreErrors(rule string, policy FailurePolicy)
}

// PrometheusMetrics represents a collector of Prometheus metrics for rate limiting decisions.
type PrometheusMetrics struct {
	Decisions        *prometheus.CounterVec
	StoreErrors      *prometheus.CounterVec
	DecisionDuration *prometheus.HistogramVec
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates a new instance of PrometheusMetrics.
func NewPrometheusMetrics(namespace string, durationBuckets []float64) *PrometheusMetrics {
	if durationBuckets == nil {
		durationBuckets = DefaultDecisionDurationBuckets
	}
	return &PrometheusMetrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Number of rate limiting decisions.",
		}, []string{metricsLabelRule, metricsLabelAlgorithm, metricsLabelResult}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_store_errors_total",
			Help:      "Number of rate limiting decisions made without the store because it failed.",
		}, []string{metricsLabelRule, metricsLabelPolicy}),
		DecisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limit_decision_duration_seconds",
			Help:      "A histogram of the rate limiting decision durations.",
			Buckets:   durationBuckets,
		}, []string{metricsLabelRule}),
	}
}

// MustCurryWith curries the metrics collector with the provided labels.
func (pm *PrometheusMetrics) MustCurryWith(labels prometheus.Labels) *PrometheusMetrics {
	return &PrometheusMetrics{
		Decisions:        pm.Decisions.MustCurryWith(labels),
		StoreErrors:      pm.StoreErrors.MustCurryWith(labels),
		DecisionDuration: pm.DecisionDuration.MustCurryWith(labels).(*prometheus.HistogramVec),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.Decisions, pm.StoreErrors, pm.DecisionDuration)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.Decisions)
	prometheus.Unregister(pm.StoreErrors)
	prometheus.Unregister(pm.DecisionDuration)
}

// ObserveDecision counts the decision and observes its duration.
func (pm *PrometheusMetrics) ObserveDecision(rule string, algorithm Type, result string, duration time.Duration) {
	pm.Decisions.With(prometheus.Labels{
		metricsLabelRule:      rule,
		metricsLabelAlgorithm: string(algorithm),
		metricsLabelResult:    result,
	}).Inc()
	pm.DecisionDuration.With(prometheus.Labels{metricsLabelRule: rule}).Observe(duration.Seconds())
}

// IncStoreErrors counts a decision made without the store.
func (pm *PrometheusMetrics) IncStoreErrors(rule string, policy FailurePolicy) {
	pm.StoreErrors.With(prometheus.Labels{metricsLabelRule: rule, metricsLabelPolicy: string(policy)}).Inc()
}

type disabledMetrics struct{}

func (disabledMetrics) ObserveDecision(string, Type, string, time.Duration) {}
func (disabledMetrics) IncStoreErrors(string, FailurePolicy) {}
