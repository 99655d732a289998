package producer_test

import (
	"context"
	"encoding/json"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"agrisense.dev/soil-monitor/internal/producer"
	"agrisense.dev/soil-monitor/pkg/generator"
	"agrisense.dev/soil-monitor/pkg/metrics"
	"agrisense.dev/soil-monitor/pkg/mq/mock"
)

var producerMetrics = metrics.NewProducerMetrics("producer_unit")

var _ = Describe("Soil Producer", func() {
	var mqClient *mock.MockClient

	BeforeEach(func() {
		mqClient = mock.NewMockClient()
	})

	Describe("NewProducer", func() {
		It("should simulate between one and five sensors", func() {
			prod := producer.NewProducer(mqClient)
			Expect(prod).NotTo(BeNil())
			Expect(prod.MQClient).To(Equal(mqClient))
			Expect(len(prod.Sensors)).To(BeNumerically(">=", 1))
			Expect(len(prod.Sensors)).To(BeNumerically("<=", 5))

			for _, s := range prod.Sensors {
				Expect(s.Sensor.SensorID).NotTo(BeEmpty())
				Expect(s.Generator).NotTo(BeNil())
			}
		})

		It("should give each producer its own sensors", func() {
			prod1 := producer.NewProducer(mqClient)
			prod2 := producer.NewProducer(mqClient)
			Expect(prod1.Sensors[0].Sensor.SensorID).NotTo(Equal(prod2.Sensors[0].Sensor.SensorID))
		})
	})

	Describe("RandomDataPoint", func() {
		It("should push a JSON reading from one of its sensors", func() {
			prod := producer.NewProducer(mqClient)
			Expect(prod.RandomDataPoint(context.Background())).To(Succeed())

			Expect(mqClient.PushCalls).To(HaveLen(1))

			var reading generator.Reading
			Expect(json.Unmarshal(mqClient.PushCalls[0].Data, &reading)).To(Succeed())
			Expect(reading.Timestamp.IsZero()).To(BeFalse())
			Expect(reading.PH).To(BeNumerically(">", 0))

			ids := make([]string, 0, len(prod.Sensors))
			for _, s := range prod.Sensors {
				ids = append(ids, s.Sensor.SensorID)
			}
			Expect(ids).To(ContainElement(reading.SensorID))
		})

		It("should carry every field the ingest endpoint requires", func() {
			prod := producer.NewProducer(mqClient)
			Expect(prod.RandomDataPoint(context.Background())).To(Succeed())

			var raw map[string]any
			Expect(json.Unmarshal(mqClient.PushCalls[0].Data, &raw)).To(Succeed())
			Expect(raw).To(HaveKey("timestamp"))
			Expect(raw).To(HaveKey("temperature"))
			Expect(raw).To(HaveKey("ph"))
			Expect(raw).To(HaveKey("nitrogen"))
			Expect(raw).To(HaveKey("phosphorus"))
			Expect(raw).To(HaveKey("potassium"))
		})

		It("should wrap push errors", func() {
			mqClient.PushError = errors.New("broker gone")
			prod := producer.NewProducer(mqClient)

			err := prod.RandomDataPoint(context.Background())
			Expect(err).To(MatchError(ContainSubstring("failed to push reading")))
			Expect(errors.Is(err, mqClient.PushError)).To(BeTrue())
		})

		It("should fail when no sensors are configured", func() {
			prod := &producer.Producer{MQClient: mqClient}
			Expect(prod.RandomDataPoint(context.Background())).NotTo(Succeed())
			Expect(mqClient.PushCalls).To(BeEmpty())
		})
	})

	Describe("metrics", func() {
		It("should count simulated sensors and published readings", func() {
			sensorsBefore := testutil.ToFloat64(producerMetrics.SensorsSimulated)
			readingsBefore := testutil.ToFloat64(producerMetrics.SensorReadingsCreated)
			generated := producerMetrics.MessagesGenerated.WithLabelValues("sensor_reading")
			generatedBefore := testutil.ToFloat64(generated)

			prod := producer.NewProducer(mqClient)
			prod.SetMetrics(producerMetrics)
			Expect(prod.RandomDataPoint(context.Background())).To(Succeed())

			Expect(testutil.ToFloat64(producerMetrics.SensorsSimulated) - sensorsBefore).
				To(BeNumerically("==", len(prod.Sensors)))
			Expect(testutil.ToFloat64(producerMetrics.SensorReadingsCreated) - readingsBefore).To(BeNumerically("==", 1))
			Expect(testutil.ToFloat64(generated) - generatedBefore).To(BeNumerically("==", 1))
		})

		It("should count push failures", func() {
			failures := producerMetrics.GenerationFailures.WithLabelValues("sensor_reading", "push_error")
			before := testutil.ToFloat64(failures)

			mqClient.PushError = errors.New("nack")
			prod := producer.NewProducer(mqClient)
			prod.SetMetrics(producerMetrics)
			Expect(prod.RandomDataPoint(context.Background())).NotTo(Succeed())

			Expect(testutil.ToFloat64(failures) - before).To(BeNumerically("==", 1))
		})
	})
})
