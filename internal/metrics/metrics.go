// Package metrics exposes client activity as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dalfonso89/resilient-rpc/internal/health"
	"github.com/dalfonso89/resilient-rpc/internal/rpc"
)

const namespace = "rpc_client"

// SnapshotFunc returns the current endpoint health.
type SnapshotFunc func() []health.EndpointSnapshot

// Recorder implements rpc.Observer and rpc.CacheObserver on top of Prometheus collectors.
type Recorder struct {
	attempts      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	bytesReceived *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
}

// NewRecorder creates the collectors and registers them with registerer.
// snapshot may be nil, in which case no endpoint gauges are exported.
func NewRecorder(registerer prometheus.Registerer, snapshot SnapshotFunc) (*Recorder, error) {
	recorder := &Recorder{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Number of network attempts by endpoint, method and outcome",
			},
			[]string{"endpoint", "method", "outcome"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attempt_duration_seconds",
				Help:      "Latency of network attempts",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"endpoint", "method"},
		),
		bytesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "received_bytes_total",
				Help:      "Response payload bytes received per endpoint",
			},
			[]string{"endpoint"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Response cache lookups by method and result",
			},
			[]string{"method", "result"},
		),
	}

	collectors := []prometheus.Collector{
		recorder.attempts,
		recorder.latency,
		recorder.bytesReceived,
		recorder.cacheLookups,
	}
	if snapshot != nil {
		collectors = append(collectors, newEndpointCollector(snapshot))
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return recorder, nil
}

// ObserveAttempt records one network attempt.
func (recorder *Recorder) ObserveAttempt(event rpc.AttemptEvent) {
	recorder.attempts.WithLabelValues(event.EndpointID, event.Method, event.Outcome).Inc()
	recorder.latency.WithLabelValues(event.EndpointID, event.Method).Observe(event.Latency.Seconds())
	if event.Bytes > 0 {
		recorder.bytesReceived.WithLabelValues(event.EndpointID).Add(float64(event.Bytes))
	}
}

// ObserveCache records one cache lookup.
func (recorder *Recorder) ObserveCache(method string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	recorder.cacheLookups.WithLabelValues(method, result).Inc()
}

// endpointCollector reads endpoint state at scrape time.
type endpointCollector struct {
	snapshot SnapshotFunc

	status              *prometheus.Desc
	consecutiveFailures *prometheus.Desc
	rollingLatency      *prometheus.Desc
}

func newEndpointCollector(snapshot SnapshotFunc) *endpointCollector {
	return &endpointCollector{
		snapshot: snapshot,
		status: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "endpoint", "status"),
			"Endpoint health: 0 healthy, 1 degraded, 2 unhealthy",
			[]string{"endpoint"}, nil,
		),
		consecutiveFailures: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "endpoint", "consecutive_failures"),
			"Consecutive transient failures of the endpoint",
			[]string{"endpoint"}, nil,
		),
		rollingLatency: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "endpoint", "rolling_latency_seconds"),
			"Exponentially weighted latency of successful attempts",
			[]string{"endpoint"}, nil,
		),
	}
}

func (collector *endpointCollector) Describe(descriptions chan<- *prometheus.Desc) {
	descriptions <- collector.status
	descriptions <- collector.consecutiveFailures
	descriptions <- collector.rollingLatency
}

func (collector *endpointCollector) Collect(metrics chan<- prometheus.Metric) {
	for _, endpoint := range collector.snapshot() {
		metrics <- prometheus.MustNewConstMetric(collector.status, prometheus.GaugeValue, float64(endpoint.Status), endpoint.ID)
		metrics <- prometheus.MustNewConstMetric(collector.consecutiveFailures, prometheus.GaugeValue, float64(endpoint.ConsecutiveFailures), endpoint.ID)
		metrics <- prometheus.MustNewConstMetric(collector.rollingLatency, prometheus.GaugeValue, endpoint.RollingLatency.Seconds(), endpoint.ID)
	}
}
