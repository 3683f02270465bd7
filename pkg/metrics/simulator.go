package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SimulatorMetrics contains Prometheus metrics for the edge-device simulator.
type SimulatorMetrics struct {
	ReadingsPosted *prometheus.CounterVec
	PostFailures   *prometheus.CounterVec
	PostDuration   *prometheus.HistogramVec
	ActiveDevices  prometheus.Gauge
	DevicesSeeded  prometheus.Counter
	ArrivalsPosted prometheus.Counter
}

// NewSimulatorMetrics creates and registers simulator metrics.
func NewSimulatorMetrics(namespace string) *SimulatorMetrics {
	m := &SimulatorMetrics{
		ReadingsPosted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "readings_posted_total",
				Help:      "Total number of readings posted to the ingestion endpoint",
			},
			[]string{"format"}, // format: json, binary
		),
		PostFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "post_failures_total",
				Help:      "Total number of failed reading submissions",
			},
			[]string{"format", "reason"},
		),
		PostDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "post_duration_seconds",
				Help:      "Duration of reading submissions",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"format"},
		),
		ActiveDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "active_devices",
				Help:      "Number of simulated devices currently running",
			},
		),
		DevicesSeeded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "devices_seeded_total",
				Help:      "Total number of simulated devices seeded into the registry",
			},
		),
		ArrivalsPosted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "arrivals_posted_total",
				Help:      "Total number of vehicle arrivals posted",
			},
		),
	}

	MustRegister(
		m.ReadingsPosted,
		m.PostFailures,
		m.PostDuration,
		m.ActiveDevices,
		m.DevicesSeeded,
		m.ArrivalsPosted,
	)

	return m
}
