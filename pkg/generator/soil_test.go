package generator_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"agrisense.dev/soil-monitor/pkg/generator"
)

var _ = Describe("Soil generator", func() {
	It("should create sensors with fake identities", func() {
		a, b := generator.NewSensor(), generator.NewSensor()
		Expect(a).NotTo(BeNil())
		Expect(a.SensorID).NotTo(BeEmpty())
		Expect(a.Field).To(ContainSubstring("plot"))
		Expect(a.SensorID).NotTo(Equal(b.SensorID))
	})

	It("should keep readings within agronomic bounds", func() {
		g := generator.NewSoilGenerator("sensor-1")
		start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

		for i := 0; i < 24*60; i++ {
			t := start.Add(time.Duration(i) * time.Minute)
			r := g.Next(t)

			Expect(r.Timestamp).To(Equal(t))
			Expect(r.SensorID).To(Equal("sensor-1"))
			Expect(r.PH).To(BeNumerically(">=", 4.5))
			Expect(r.PH).To(BeNumerically("<=", 8.5))
			Expect(r.Temperature).To(BeNumerically(">", 10))
			Expect(r.Temperature).To(BeNumerically("<", 40))
			Expect(r.Nitrogen).To(BeNumerically(">=", 0))
			Expect(r.Phosphorus).To(BeNumerically(">=", 0))
			Expect(r.Potassium).To(BeNumerically(">=", 0))
		}
	})

	It("should peak soil temperature in the afternoon", func() {
		g := generator.NewSoilGenerator("sensor-2")
		day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

		var dawn, afternoon float64
		for i := 0; i < 50; i++ {
			dawn += g.Temperature(day.Add(4 * time.Hour))
			afternoon += g.Temperature(day.Add(16 * time.Hour))
		}
		Expect(afternoon).To(BeNumerically(">", dawn))
	})
})
