package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ProducerMetrics contains Prometheus metrics for the simulated soil sensor fleet.
type ProducerMetrics struct {
	MessagesGenerated     *prometheus.CounterVec
	GenerationFailures    *prometheus.CounterVec
	GenerationDuration    *prometheus.HistogramVec
	ActiveProducers       prometheus.Gauge
	SensorsSimulated      prometheus.Counter
	SensorReadingsCreated prometheus.Counter
}

// NewProducerMetrics creates and registers producer metrics.
func NewProducerMetrics(namespace string) *ProducerMetrics {
	m := &ProducerMetrics{
		MessagesGenerated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "messages_generated_total",
				Help:      "Total number of messages generated",
			},
			[]string{"type"}, // type: sensor_reading
		),
		GenerationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "generation_failures_total",
				Help:      "Total number of message generation failures",
			},
			[]string{"type", "reason"},
		),
		GenerationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "generation_duration_seconds",
				Help:      "Duration of message generation operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		ActiveProducers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "active_producers",
				Help:      "Number of currently active producers",
			},
		),
		SensorsSimulated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "sensors_simulated_total",
				Help:      "Total number of simulated soil sensors",
			},
		),
		SensorReadingsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "sensor_readings_created_total",
				Help:      "Total number of sensor readings created",
			},
		),
	}

	MustRegister(
		m.MessagesGenerated,
		m.GenerationFailures,
		m.GenerationDuration,
		m.ActiveProducers,
		m.SensorsSimulated,
		m.SensorReadingsCreated,
	)

	return m
}
