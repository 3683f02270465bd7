package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StoreMetrics contains Prometheus metrics for the persistence gateway.
type StoreMetrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	ConnectionsActive prometheus.Gauge
}

// NewStoreMetrics creates and registers persistence gateway metrics.
func NewStoreMetrics(namespace string) *StoreMetrics {
	m := &StoreMetrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "operations_total",
				Help:      "Total number of database operations",
			},
			[]string{"operation", "table", "status"}, // operation: insert, update, select, delete
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "operation_duration_seconds",
				Help:      "Duration of database operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),
		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "connections_active",
				Help:      "Number of active database connections",
			},
		),
	}

	MustRegister(
		m.OperationsTotal,
		m.OperationDuration,
		m.ConnectionsActive,
	)

	return m
}
