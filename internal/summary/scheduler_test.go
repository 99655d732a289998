package summary_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"agrisense.dev/soil-monitor/internal/summary"
)

var _ = Describe("Scheduler", func() {
	var (
		logger *slog.Logger
		manila *time.Location
	)

	BeforeEach(func() {
		var err error
		manila, err = time.LoadLocation("Asia/Manila")
		Expect(err).NotTo(HaveOccurred())
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	})

	noop := func(context.Context, time.Time) {}

	Describe("NewScheduler", func() {
		It("should validate configuration", func() {
			_, err := summary.NewScheduler(nil)
			Expect(err).To(HaveOccurred())

			_, err = summary.NewScheduler(&summary.SchedulerConfig{Logger: logger})
			Expect(err).To(MatchError(ContainSubstring("run callback")))

			_, err = summary.NewScheduler(&summary.SchedulerConfig{Logger: logger, Run: noop, Hour: 24})
			Expect(err).To(MatchError(ContainSubstring("hour")))

			_, err = summary.NewScheduler(&summary.SchedulerConfig{Logger: logger, Run: noop, Minute: -1})
			Expect(err).To(MatchError(ContainSubstring("minute")))
		})
	})

	Describe("Next", func() {
		var s *summary.Scheduler

		BeforeEach(func() {
			var err error
			s, err = summary.NewScheduler(&summary.SchedulerConfig{Logger: logger, Run: noop, Location: manila})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should pick the coming local midnight", func() {
			next := s.Next(time.Date(2025, 6, 1, 13, 45, 0, 0, manila))
			Expect(next).To(Equal(time.Date(2025, 6, 2, 0, 0, 0, 0, manila)))
		})

		It("should move to the following day when exactly at the fire time", func() {
			next := s.Next(time.Date(2025, 6, 2, 0, 0, 0, 0, manila))
			Expect(next).To(Equal(time.Date(2025, 6, 3, 0, 0, 0, 0, manila)))
		})

		It("should evaluate wall-clock time in the configured zone", func() {
			// 15:59 UTC is 23:59 in Manila.
			next := s.Next(time.Date(2025, 6, 1, 15, 59, 0, 0, time.UTC))
			Expect(next).To(Equal(time.Date(2025, 6, 2, 0, 0, 0, 0, manila)))
		})

		It("should honor a configured time of day", func() {
			s, err := summary.NewScheduler(&summary.SchedulerConfig{
				Logger: logger, Run: noop, Location: manila, Hour: 6, Minute: 30,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Next(time.Date(2025, 6, 1, 5, 0, 0, 0, manila))).
				To(Equal(time.Date(2025, 6, 1, 6, 30, 0, 0, manila)))
		})
	})

	Describe("Run", func() {
		It("should fire once per day until canceled", func() {
			var (
				mu    sync.Mutex
				fired []time.Time
				waits []time.Duration
			)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			s, err := summary.NewScheduler(&summary.SchedulerConfig{
				Logger:   logger,
				Location: manila,
				Now:      func() time.Time { return time.Date(2025, 6, 1, 22, 0, 0, 0, manila) },
				After: func(d time.Duration) <-chan time.Time {
					mu.Lock()
					waits = append(waits, d)
					mu.Unlock()
					ch := make(chan time.Time, 1)
					if ctx.Err() == nil {
						ch <- time.Time{}
					}
					return ch
				},
				Run: func(_ context.Context, t time.Time) {
					mu.Lock()
					defer mu.Unlock()
					fired = append(fired, t)
					if len(fired) == 3 {
						cancel()
					}
				},
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(s.Run(ctx)).To(Succeed())

			mu.Lock()
			defer mu.Unlock()
			Expect(fired).To(Equal([]time.Time{
				time.Date(2025, 6, 2, 0, 0, 0, 0, manila),
				time.Date(2025, 6, 3, 0, 0, 0, 0, manila),
				time.Date(2025, 6, 4, 0, 0, 0, 0, manila),
			}))
			Expect(waits[0]).To(Equal(2 * time.Hour))
		})

		It("should return when the context is canceled before firing", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			s, err := summary.NewScheduler(&summary.SchedulerConfig{
				Logger: logger,
				Run:    func(context.Context, time.Time) { Fail("must not fire") },
				After:  func(time.Duration) <-chan time.Time { return make(chan time.Time) },
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Run(ctx)).To(Succeed())
		})
	})
})
