package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"agrisense.dev/soil-monitor/internal/backend"
	"agrisense.dev/soil-monitor/internal/summary"
)

var _ = Describe("API", func() {
	var (
		logger  *slog.Logger
		manila  *time.Location
		now     time.Time
		store   *memoryStore
		mu      sync.Mutex
		sent    map[string]int
		sendErr map[string]error
		handler http.Handler
	)

	BeforeEach(func() {
		var err error
		manila, err = time.LoadLocation("Asia/Manila")
		Expect(err).NotTo(HaveOccurred())

		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
		now = time.Date(2025, 6, 2, 9, 30, 0, 0, manila)
		store = &memoryStore{}
		sent = map[string]int{}
		sendErr = map[string]error{}

		sender := summary.SenderFunc(func(_ context.Context, dest string, _ summary.Message) error {
			mu.Lock()
			defer mu.Unlock()
			if err := sendErr[dest]; err != nil {
				return err
			}
			sent[dest]++
			return nil
		})
		notifier, err := summary.NewNotifier(&summary.NotifierConfig{Logger: logger, Sender: sender})
		Expect(err).NotTo(HaveOccurred())

		job, err := summary.NewJob(&summary.JobConfig{
			Logger:      logger,
			Readings:    store,
			Subscribers: staticSubscribers{{ID: 1}, {ID: 2}},
			Notifier:    notifier,
			Location:    manila,
			Now:         func() time.Time { return now },
		})
		Expect(err).NotTo(HaveOccurred())

		ingestor, err := backend.NewIngestor(logger, store, nil)
		Expect(err).NotTo(HaveOccurred())

		api, err := backend.NewAPI(&backend.APIConfig{
			Logger:   logger,
			Ingestor: ingestor,
			Rows:     store,
			Job:      job,
			Now:      func() time.Time { return now },
			Extra: map[string]http.Handler{
				"/panic": http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }),
			},
		})
		Expect(err).NotTo(HaveOccurred())
		handler = api.Handler()
	})

	do := func(method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
		req := httptest.NewRequest(method, target, strings.NewReader(body))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		var out map[string]any
		if rec.Body.Len() > 0 {
			Expect(json.Unmarshal(rec.Body.Bytes(), &out)).To(Succeed())
		}
		return rec, out
	}

	seedDay := func() {
		for _, body := range []string{
			`{"timestamp":"2025-06-01T08:00:00+08:00","temperature":24.0,"ph":6.5,"nitrogen":10,"phosphorus":5,"potassium":8}`,
			`{"timestamp":"2025-06-01T16:00:00+08:00","temperature":26.0,"ph":6.7,"nitrogen":12,"phosphorus":7,"potassium":10}`,
		} {
			rec, _ := do(http.MethodPost, "/api/readings", body)
			Expect(rec.Code).To(Equal(http.StatusCreated))
		}
	}

	It("should validate configuration", func() {
		_, err := backend.NewAPI(nil)
		Expect(err).To(HaveOccurred())
		_, err = backend.NewAPI(&backend.APIConfig{Logger: logger})
		Expect(err).To(MatchError(ContainSubstring("ingestor")))
	})

	Describe("POST /api/readings", func() {
		It("should store the reading", func() {
			rec, out := do(http.MethodPost, "/api/readings",
				`{"temperature":22.5,"ph":6.9,"nitrogen":9,"phosphorus":4,"potassium":7}`)
			Expect(rec.Code).To(Equal(http.StatusCreated))
			Expect(out).To(HaveKeyWithValue("ph", 6.9))
			Expect(out).To(HaveKeyWithValue("id", BeNumerically("==", 1)))
			Expect(store.saved()[0].Timestamp).To(BeTemporally("~", time.Now(), time.Minute))
		})

		It("should reject an invalid body", func() {
			rec, out := do(http.MethodPost, "/api/readings", `{"temperature":22.5}`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(out["error"]).To(ContainSubstring("required"))
			Expect(store.saved()).To(BeEmpty())
		})

		It("should report storage failures", func() {
			store.saveErr = errors.New("database down")
			rec, _ := do(http.MethodPost, "/api/readings",
				`{"temperature":22.5,"ph":6.9,"nitrogen":9,"phosphorus":4,"potassium":7}`)
			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("GET /api/soil-summary", func() {
		It("should list the readings of the local day", func() {
			seedDay()
			rec, out := do(http.MethodGet, "/api/soil-summary?date=2025-06-01", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(out).To(HaveKeyWithValue("count", BeNumerically("==", 2)))
			Expect(out["readings"]).To(HaveLen(2))
		})

		It("should require a valid date", func() {
			rec, _ := do(http.MethodGet, "/api/soil-summary", "")
			Expect(rec.Code).To(Equal(http.StatusBadRequest))

			rec, _ = do(http.MethodGet, "/api/soil-summary?date=01/06/2025", "")
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("GET /api/daily-summary", func() {
		It("should return the rounded aggregate", func() {
			seedDay()
			rec, out := do(http.MethodGet, "/api/daily-summary?date=2025-06-01", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(out).To(HaveKeyWithValue("count", BeNumerically("==", 2)))
			Expect(out["summary"]).To(HaveKeyWithValue("ph", 6.6))
			Expect(out["message"]).To(Equal("🌡 25.0°C | 💧 pH: 6.60 | 🌿 N:11.0 P:6.0 K:9.0"))

			mu.Lock()
			defer mu.Unlock()
			Expect(sent).To(BeEmpty())
		})

		It("should return 404 for a day without data", func() {
			rec, _ := do(http.MethodGet, "/api/daily-summary?date=2025-05-01", "")
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})

		It("should reject future dates", func() {
			rec, _ := do(http.MethodGet, "/api/daily-summary?date=2025-06-03", "")
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("POST /api/daily-summary/run", func() {
		It("should summarize the previous day by default and report deliveries", func() {
			seedDay()
			sendErr["user_2"] = errors.New("channel backend unreachable")

			rec, out := do(http.MethodPost, "/api/daily-summary/run", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(out).To(HaveKeyWithValue("date", "2025-06-01"))
			Expect(out).To(HaveKeyWithValue("delivered", BeNumerically("==", 1)))
			Expect(out).To(HaveKeyWithValue("failed", BeNumerically("==", 1)))
			Expect(out["failures"]).To(ConsistOf(HaveKeyWithValue("destination", "user_2")))

			mu.Lock()
			defer mu.Unlock()
			Expect(sent).To(Equal(map[string]int{"user_1": 1}))
		})

		It("should report a day without data", func() {
			rec, out := do(http.MethodPost, "/api/daily-summary/run?date=2025-05-01", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(out).To(HaveKeyWithValue("no_data", true))
			Expect(out).NotTo(HaveKey("message"))
		})
	})

	It("should answer health checks", func() {
		rec, out := do(http.MethodGet, "/healthz", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(out).To(HaveKeyWithValue("status", "ok"))
	})

	It("should recover from handler panics", func() {
		req := httptest.NewRequest(http.MethodGet, "/panic", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusInternalServerError))
	})
})
