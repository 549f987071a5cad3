/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package queue

import "github.com/prometheus/client_golang/prometheus"

const (
	metricsLabelQueue  = "queue"
	metricsLabelResult = "result"
)

// Values of the "result" label of the processed items counter.
const (
	metricsResultSucceeded = "succeeded"
	metricsResultFailed    = "failed"
	metricsResultPanicked  = "panicked"
)

// MetricsCollector collects metrics of the priority queue.
type MetricsCollector interface {
	SetSize(queue string, size int)
	IncEnqueued(queue string)
	IncRejected(queue string)
	IncTimeouts(queue string)
	IncProcessed(queue string, result string)
}

// PrometheusMetrics represents a collector of Prometheus metrics for priority queues.
type PrometheusMetrics struct {
	Size      *prometheus.GaugeVec
	Enqueued  *prometheus.CounterVec
	Rejected  *prometheus.CounterVec
	Timeouts  *prometheus.CounterVec
	Processed *prometheus.CounterVec
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates a new instance of PrometheusMetrics.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	return &PrometheusMetrics{
		Size: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rate_limit_queue_size",
			Help:      "Current number of items waiting in the queue.",
		}, []string{metricsLabelQueue}),
		Enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_queue_enqueued_total",
			Help:      "Number of items added to the queue.",
		}, []string{metricsLabelQueue}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_queue_rejected_total",
			Help:      "Number of items rejected because the queue was full.",
		}, []string{metricsLabelQueue}),
		Timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_queue_timeouts_total",
			Help:      "Number of items dropped from the queue after their timeout.",
		}, []string{metricsLabelQueue}),
		Processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_queue_processed_total",
			Help:      "Number of items handled by the queue processor.",
		}, []string{metricsLabelQueue, metricsLabelResult}),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.Size, pm.Enqueued, pm.Rejected, pm.Timeouts, pm.Processed)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.Size)
	prometheus.Unregister(pm.Enqueued)
	prometheus.Unregister(pm.Rejected)
	prometheus.Unregister(pm.Timeouts)
	prometheus.Unregister(pm.Processed)
}

// SetSize sets the current queue size.
func (pm *PrometheusMetrics) SetSize(queue string, size int) {
	pm.Size.With(prometheus.Labels{metricsLabelQueue: queue}).Set(float64(size))
}

// IncEnqueued counts an enqueued item.
func (pm *PrometheusMetrics) IncEnqueued(queue string) {
	pm.Enqueued.With(prometheus.Labels{metricsLabelQueue: queue}).Inc()
}

// IncRejected counts an item rejected by the full queue.
func (pm *PrometheusMetrics) IncRejected(queue string) {
	pm.Rejected.With(prometheus.Labels{metricsLabelQueue: queue}).Inc()
}

// IncTimeouts counts an expired item.
func (pm *PrometheusMetrics) IncTimeouts(queue string) {
	pm.Timeouts.With(prometheus.Labels{metricsLabelQueue: queue}).Inc()
}

// IncProcessed counts an item handled by the processor.
func (pm *PrometheusMetrics) IncProcessed(queue string, result string) {
	pm.Processed.With(prometheus.Labels{metricsLabelQueue: queue, metricsLabelResult: result}).Inc()
}

type disabledMetrics struct{}

func (disabledMetrics) SetSize(string, int) {}
func (disabledMetrics) IncEnqueued(string) {}
func (disabledMetrics) IncRejected(string) {}
func (disabledMetrics) IncTimeouts(string) {}
func (disabledMetrics) IncProcessed(string, string) {}
