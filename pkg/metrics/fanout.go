package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// FanoutMetrics contains Prometheus metrics for the realtime fanout hub.
type FanoutMetrics struct {
	Subscribers      prometheus.Gauge
	PublishedTotal   *prometheus.CounterVec
	DroppedTotal     *prometheus.CounterVec
	WebsocketClients prometheus.Gauge
}

// NewFanoutMetrics creates and registers fanout metrics.
func NewFanoutMetrics(namespace string) *FanoutMetrics {
	m := &FanoutMetrics{
		Subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "fanout",
				Name:      "subscribers",
				Help:      "Number of currently registered hub subscribers",
			},
		),
		PublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fanout",
				Name:      "published_total",
				Help:      "Total number of updates published to the hub",
			},
			[]string{"type"}, // type: crowd_change, vehicle_arrival, device_status
		),
		DroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fanout",
				Name:      "dropped_total",
				Help:      "Total number of updates dropped per subscriber",
			},
			[]string{"reason"}, // reason: buffer_full, closed
		),
		WebsocketClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "fanout",
				Name:      "websocket_clients",
				Help:      "Number of connected websocket consumers",
			},
		),
	}

	MustRegister(
		m.Subscribers,
		m.PublishedTotal,
		m.DroppedTotal,
		m.WebsocketClients,
	)

	return m
}
