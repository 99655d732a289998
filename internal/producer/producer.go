// Package producer simulates a field of soil sensors that publish readings
// to the ingest queue.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"agrisense.dev/soil-monitor/pkg/generator"
	"agrisense.dev/soil-monitor/pkg/metrics"
	"agrisense.dev/soil-monitor/pkg/mq"
)

const readingType = "sensor_reading"

// SimulatedSensor pairs a sensor identity with its reading generator.
type SimulatedSensor struct {
	Sensor    *generator.Sensor
	Generator *generator.SoilGenerator
}

// Producer publishes readings for a small set of simulated sensors.
type Producer struct {
	MQClient mq.ClientInterface
	Sensors  []SimulatedSensor
	now      func() time.Time
	metrics  *metrics.ProducerMetrics
}

// NewProducer creates a producer with between one and five sensors.
// Note: Uses math/rand which is acceptable for simulation data.
func NewProducer(mqClient mq.ClientInterface) *Producer {
	count := rand.Intn(5) + 1 // #nosec G404 - weak random is acceptable for simulation

	sensors := make([]SimulatedSensor, 0, count)
	for i := 0; i < count; i++ {
		sensor := generator.NewSensor()
		if sensor == nil {
			continue
		}
		sensors = append(sensors, SimulatedSensor{
			Sensor:    sensor,
			Generator: generator.NewSoilGenerator(sensor.SensorID),
		})
	}

	return &Producer{
		MQClient: mqClient,
		Sensors:  sensors,
		now:      time.Now,
	}
}

// SetMetrics enables Prometheus metrics collection for this producer.
func (p *Producer) SetMetrics(m *metrics.ProducerMetrics) {
	p.metrics = m
	if m != nil {
		m.SensorsSimulated.Add(float64(len(p.Sensors)))
	}
}

// RandomDataPoint publishes one reading from a randomly chosen sensor.
func (p *Producer) RandomDataPoint(ctx context.Context) error {
	if len(p.Sensors) == 0 {
		return fmt.Errorf("producer has no sensors")
	}

	var timer *prometheus.Timer
	if p.metrics != nil {
		timer = prometheus.NewTimer(p.metrics.GenerationDuration.WithLabelValues(readingType))
		defer timer.ObserveDuration()
	}

	sensor := p.Sensors[rand.Intn(len(p.Sensors))] // #nosec G404
	reading := sensor.Generator.Next(p.now().UTC())

	data, err := json.Marshal(reading)
	if err != nil {
		if p.metrics != nil {
			p.metrics.GenerationFailures.WithLabelValues(readingType, "marshal_error").Inc()
		}
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	if err := p.MQClient.Push(ctx, data); err != nil {
		if p.metrics != nil {
			p.metrics.GenerationFailures.WithLabelValues(readingType, "push_error").Inc()
		}
		return fmt.Errorf("failed to push reading: %w", err)
	}

	if p.metrics != nil {
		p.metrics.MessagesGenerated.WithLabelValues(readingType).Inc()
		p.metrics.SensorReadingsCreated.Inc()
	}

	return nil
}
