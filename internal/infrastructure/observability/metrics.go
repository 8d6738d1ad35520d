// Package observability provides logging, metrics and tracing for the sync
// engine.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics of the sync engine. Each Collector
// owns its registry, so tests can create as many as they need.
type Collector struct {
	registry *prometheus.Registry

	// Queue metrics
	QueueDepth      prometheus.Gauge
	Enqueued        *prometheus.CounterVec
	Deliveries      *prometheus.CounterVec
	DeliveryLatency *prometheus.HistogramVec
	Dropped         *prometheus.CounterVec
	StorageErrors   *prometheus.CounterVec

	// Remote store metrics
	RemoteCalls    *prometheus.CounterVec
	RemoteDuration *prometheus.HistogramVec
	BreakerState   *prometheus.GaugeVec

	// Reconciliation metrics
	FeedEvents *prometheus.CounterVec
	FeedState  prometheus.Gauge
	StaleCount prometheus.Gauge
}

// NewCollector creates and registers every metric under namespace.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Pending operations in the durable queue",
		}),
		Enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_enqueued_total",
			Help:      "Operations accepted by the durable queue",
		}, []string{"collection", "kind"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_deliveries_total",
			Help:      "Delivery attempts by outcome",
		}, []string{"collection", "kind", "outcome"}),
		DeliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_delivery_duration_seconds",
			Help:      "Duration of delivery attempts",
			Buckets:   prometheus.DefBuckets,
		}, []string{"collection", "kind"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dropped_total",
			Help:      "Operations permanently dropped",
		}, []string{"collection", "reason"}),
		StorageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_storage_errors_total",
			Help:      "Queue persistence failures",
		}, []string{"op"}),
		RemoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_calls_total",
			Help:      "Remote store calls by outcome",
		}, []string{"operation", "collection", "status"}),
		RemoteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_call_duration_seconds",
			Help:      "Remote store call duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "collection"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remote_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"name"}),
		FeedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_events_total",
			Help:      "Realtime events by collection, type and outcome",
		}, []string{"collection", "event", "outcome"}),
		FeedState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_state",
			Help:      "Realtime feed state (0 disconnected, 1 connecting, 2 open, 3 erroring)",
		}),
		StaleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stale_entities",
			Help:      "Local entities whose pending operation was dropped",
		}),
	}

	registry.MustRegister(
		c.QueueDepth, c.Enqueued, c.Deliveries, c.DeliveryLatency, c.Dropped, c.StorageErrors,
		c.RemoteCalls, c.RemoteDuration, c.BreakerState,
		c.FeedEvents, c.FeedState, c.StaleCount,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry holding this collector's metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveDelivery records one delivery attempt.
func (c *Collector) ObserveDelivery(collection, kind, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.Deliveries.WithLabelValues(collection, kind, outcome).Inc()
	c.DeliveryLatency.WithLabelValues(collection, kind).Observe(d.Seconds())
}

// ObserveRemoteCall records one remote store call.
func (c *Collector) ObserveRemoteCall(operation, collection string, err error, d time.Duration) {
	if c == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.RemoteCalls.WithLabelValues(operation, collection, status).Inc()
	c.RemoteDuration.WithLabelValues(operation, collection).Observe(d.Seconds())
}
