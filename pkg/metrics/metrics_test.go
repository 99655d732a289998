package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"agrisense.dev/soil-monitor/pkg/metrics"
)

var _ = Describe("Registry", func() {
	scrape := func() string {
		rec := httptest.NewRecorder()
		metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		Expect(rec.Code).To(Equal(http.StatusOK))
		body, err := io.ReadAll(rec.Body)
		Expect(err).NotTo(HaveOccurred())
		return string(body)
	}

	It("should expose runtime collectors", func() {
		Expect(scrape()).To(ContainSubstring("go_goroutines"))
	})

	It("should expose summary metrics once used", func() {
		m := metrics.NewSummaryMetrics("registry_test")
		m.RunsTotal.WithLabelValues("sent").Inc()
		m.DeliveriesTotal.WithLabelValues("error").Add(2)

		body := scrape()
		Expect(body).To(ContainSubstring(`registry_test_summary_runs_total{outcome="sent"} 1`))
		Expect(body).To(ContainSubstring(`registry_test_summary_deliveries_total{status="error"} 2`))
	})

	It("should panic when the same collectors are registered twice", func() {
		metrics.NewMQMetrics("registry_dup")
		Expect(func() { metrics.NewMQMetrics("registry_dup") }).To(Panic())
	})
})
