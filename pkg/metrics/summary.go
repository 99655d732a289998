package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SummaryMetrics contains Prometheus metrics for the daily summary job.
type SummaryMetrics struct {
	RunsTotal          *prometheus.CounterVec
	RunDuration        prometheus.Histogram
	LastRunTimestamp   prometheus.Gauge
	ReadingsAggregated prometheus.Gauge
	DeliveriesTotal    *prometheus.CounterVec
	DeliveryDuration   prometheus.Histogram
}

// NewSummaryMetrics creates and registers daily summary metrics.
func NewSummaryMetrics(namespace string) *SummaryMetrics {
	m := &SummaryMetrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "summary",
				Name:      "runs_total",
				Help:      "Total number of daily summary runs",
			},
			[]string{"outcome"}, // outcome: sent, no_data, error
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "summary",
				Name:      "run_duration_seconds",
				Help:      "Duration of daily summary runs",
				Buckets:   prometheus.DefBuckets,
			},
		),
		LastRunTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "summary",
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time of the last completed daily summary run",
			},
		),
		ReadingsAggregated: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "summary",
				Name:      "readings_aggregated",
				Help:      "Number of readings in the last computed aggregate",
			},
		),
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "summary",
				Name:      "deliveries_total",
				Help:      "Total number of per-subscriber notification deliveries",
			},
			[]string{"status"}, // status: success, error
		),
		DeliveryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "summary",
				Name:      "delivery_duration_seconds",
				Help:      "Duration of a single notification delivery",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.LastRunTimestamp,
		m.ReadingsAggregated,
		m.DeliveriesTotal,
		m.DeliveryDuration,
	)

	return m
}
