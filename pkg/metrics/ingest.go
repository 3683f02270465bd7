package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// IngestMetrics contains Prometheus metrics for the ingestion service.
type IngestMetrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec
	SubmissionsTotal     *prometheus.CounterVec
	ReadingsPersisted    prometheus.Counter
	DevicesResolved      *prometheus.CounterVec
	PipelineDuration     *prometheus.HistogramVec
}

// NewIngestMetrics creates and registers ingestion service metrics.
func NewIngestMetrics(namespace string) *IngestMetrics {
	m := &IngestMetrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),
		SubmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "submissions_total",
				Help:      "Total number of reading submissions by format and outcome",
			},
			[]string{"format", "outcome"}, // format: json, binary; outcome: accepted, rejected_validation, rejected_store
		),
		ReadingsPersisted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "readings_persisted_total",
				Help:      "Total number of readings written to the store",
			},
		),
		DevicesResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "devices_resolved_total",
				Help:      "Total number of device resolutions by resolution path",
			},
			[]string{"path"}, // path: device_id, camera_id, ip_address, unresolved
		),
		PipelineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "stage_duration_seconds",
				Help:      "Duration of ingestion pipeline stages",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage"}, // stage: resolve, normalize, persist, publish
		),
	}

	MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.SubmissionsTotal,
		m.ReadingsPersisted,
		m.DevicesResolved,
		m.PipelineDuration,
	)

	return m
}
