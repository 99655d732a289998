package summary_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"agrisense.dev/soil-monitor/internal/summary"
)

var _ = Describe("Message", func() {
	agg := summary.DailyAggregate{
		Count:          2,
		TemperatureAvg: 25.0,
		PHAvg:          6.6,
		NitrogenAvg:    11.0,
		PhosphorusAvg:  6.0,
		PotassiumAvg:   9.0,
	}

	It("should carry title, summary line, timestamp and figures", func() {
		manila := time.FixedZone("PHT", 8*3600)
		at := time.Date(2025, 6, 2, 0, 0, 5, 0, manila)

		msg := summary.NewMessage("run-1", agg, at)

		Expect(msg.ID).To(Equal("run-1"))
		Expect(msg.Title).To(Equal("🌿 Daily Soil Summary"))
		Expect(msg.Message).To(Equal("🌡 25.0°C | 💧 pH: 6.60 | 🌿 N:11.0 P:6.0 K:9.0"))
		Expect(msg.Date).To(Equal("2025-06-02T00:00:05+08:00"))
		Expect(msg.Summary).To(Equal(agg.Rounded()))
	})

	It("should round-trip through the transport envelope", func() {
		msg := summary.NewMessage("run-2", agg, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC))

		data, err := summary.Encode(msg)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring(`"type":"send_notification"`))
		Expect(string(data)).To(ContainSubstring(`"ph":6.6`))

		n, err := summary.Decode(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(n.Type).To(Equal(summary.NotificationType))
		Expect(n.Timestamp).To(Equal(msg.Date))
		Expect(n.Message).To(Equal(msg))
	})

	It("should reject malformed envelopes", func() {
		_, err := summary.Decode([]byte("{"))
		Expect(err).To(HaveOccurred())
	})
})
