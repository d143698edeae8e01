// Package metrics provides Prometheus metrics for the virtual file system.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfs_cache_lookups_total",
			Help: "Total cache lookups by operation and result",
		},
		[]string{"op", "result"},
	)

	cacheInvalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfs_cache_invalidations_total",
			Help: "Total cache invalidations by reason",
		},
		[]string{"reason"},
	)

	dedupedCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfs_deduplicated_calls_total",
			Help: "Callers that attached to an in-flight backend call instead of issuing their own",
		},
		[]string{"op"},
	)

	indexSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vfs_index_entries",
			Help: "Number of entries in the file system index",
		},
	)

	// Adapter metrics
	adapterOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfs_adapter_operations_total",
			Help: "Total backend adapter operations",
		},
		[]string{"adapter", "op", "status"},
	)

	adapterOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vfs_adapter_operation_duration_seconds",
			Help:    "Backend adapter operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"adapter", "op"},
	)

	// Notification metrics
	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfs_notifications_total",
			Help: "Change notifications delivered to subscribers",
		},
		[]string{"kind"},
	)

	rawEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vfs_raw_events_total",
			Help: "Raw backend events received by the notifier",
		},
	)

	coalescedEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vfs_coalesced_events_total",
			Help: "Raw backend events folded into another notification",
		},
	)

	activeWatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vfs_active_watches",
			Help: "Number of paths with a backend watch registered",
		},
	)

	degradedWatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vfs_degraded_watches",
			Help: "Number of watched subtrees in unknown state",
		},
	)

	handlerPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vfs_handler_panics_total",
			Help: "Change handlers that panicked",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCacheLookup records a cache hit or miss for an operation.
func RecordCacheLookup(op string, hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	cacheLookupsTotal.WithLabelValues(op, result).Inc()
}

// RecordInvalidation records a cache invalidation.
func RecordInvalidation(reason string) {
	cacheInvalidationsTotal.WithLabelValues(reason).Inc()
}

// RecordDeduped records a caller that shared an in-flight call.
func RecordDeduped(op string) {
	dedupedCallsTotal.WithLabelValues(op).Inc()
}

// SetIndexSize sets the current index size.
func SetIndexSize(n int) {
	indexSize.Set(float64(n))
}

// RecordAdapterOperation records a backend adapter call.
func RecordAdapterOperation(adapter, op string, duration time.Duration, err error) {
	adapterOperationDuration.WithLabelValues(adapter, op).Observe(duration.Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	adapterOperationsTotal.WithLabelValues(adapter, op, status).Inc()
}

// RecordNotification records a delivered change notification.
func RecordNotification(kind string) {
	notificationsTotal.WithLabelValues(kind).Inc()
}

// RecordRawEvent records a raw backend event entering the notifier.
func RecordRawEvent() {
	rawEventsTotal.Inc()
}

// RecordCoalesced records raw events folded into an existing notification.
func RecordCoalesced(n int) {
	coalescedEventsTotal.Add(float64(n))
}

// SetActiveWatches sets the number of registered backend watches.
func SetActiveWatches(n int) {
	activeWatches.Set(float64(n))
}

// SetDegradedWatches sets the number of degraded subtrees.
func SetDegradedWatches(n int) {
	degradedWatches.Set(float64(n))
}

// RecordHandlerPanic records a recovered panic in a change handler.
func RecordHandlerPanic() {
	handlerPanicsTotal.Inc()
}
