/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package throttle

import "github.com/prometheus/client_golang/prometheus"

const (
	metricsLabelDryRun        = "dry_run"
	metricsLabelRule          = "rule"
	metricsLabelRateLimitRule = "rate_limit_rule"
)

const (
	metricsValYes = "yes"
	metricsValNo  = "no"
)

// MetricsCollector represents collector of metrics for the throttling dispatcher.
type MetricsCollector interface {
	// IncRequests counts a request matched by the throttling rule.
	IncRequests(rule string)
	// IncRateLimitRejects counts a request rejected by the rate limiter rule within the throttling rule.
	IncRateLimitRejects(rule, rateLimitRule string, dryRun bool)
}

// PrometheusMetrics represents a collector of Prometheus metrics for the throttling dispatcher.
type PrometheusMetrics struct {
	Requests         *prometheus.CounterVec
	RateLimitRejects *prometheus.CounterVec
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates a new instance of PrometheusMetrics.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	return &PrometheusMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttle_requests_total",
			Help:      "Number of requests matched by throttling rules.",
		}, []string{metricsLabelRule}),
		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttle_rate_limit_rejects_total",
			Help:      "Number of rejected requests due to rate limit exceeded.",
		}, []string{metricsLabelDryRun, metricsLabelRule, metricsLabelRateLimitRule}),
	}
}

// MustCurryWith curries the metrics collector with the provided labels.
func (pm *PrometheusMetrics) MustCurryWith(labels prometheus.Labels) *PrometheusMetrics {
	return &PrometheusMetrics{
		Requests:         pm.Requests.MustCurryWith(labels),
		RateLimitRejects: pm.RateLimitRejects.MustCurryWith(labels),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.Requests, pm.RateLimitRejects)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.Requests)
	prometheus.Unregister(pm.RateLimitRejects)
}

// IncRequests increments the counter of matched requests.
func (pm *PrometheusMetrics) IncRequests(rule string) {
	pm.Requests.With(prometheus.Labels{metricsLabelRule: rule}).Inc()
}

// IncRateLimitRejects increments the counter of rejected requests.
func (pm *PrometheusMetrics) IncRateLimitRejects(rule, rateLimitRule string, dryRun bool) {
	dryRunVal := metricsValNo
	if dryRun {
		dryRunVal = metricsValYes
	}
	pm.RateLimitRejects.With(prometheus.Labels{
		metricsLabelDryRun:        dryRunVal,
		metricsLabelRule:          rule,
		metricsLabelRateLimitRule: rateLimitRule,
	}).Inc()
}

type disabledMetrics struct{}

func (disabledMetrics) IncRequests(string)                       {}
func (disabledMetrics) IncRateLimitRejects(string, string, bool) {}
