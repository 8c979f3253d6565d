// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_operations_total",
			Help: "Total number of record store operations by outcome",
		},
		[]string{"entity", "operation", "outcome"},
	)

	StoreLockFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_lock_failures_total",
			Help: "Total number of conditional writes rejected by the lock-number or status predicate",
		},
		[]string{"entity", "operation"},
	)

	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "store_operation_duration_seconds",
			Help: "Duration of record store operations in seconds",
		},
		[]string{"entity", "operation"},
	)

	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "template_events_processed_total",
			Help: "Total number of template lifecycle events processed by the pruner",
		},
		[]string{"event_type", "outcome"},
	)
)
