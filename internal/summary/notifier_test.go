package summary_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"agrisense.dev/soil-monitor/internal/summary"
)

var _ = Describe("Notifier", func() {
	var (
		logger *slog.Logger
		sender *recordingSender
		msg    summary.Message
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
		sender = newRecordingSender()
		msg = summary.Message{Title: summary.Title, Message: "m", Date: "2025-06-02T00:00:00Z"}
	})

	Describe("NewNotifier", func() {
		It("should validate configuration", func() {
			_, err := summary.NewNotifier(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))

			_, err = summary.NewNotifier(&summary.NotifierConfig{Sender: sender})
			Expect(err).To(MatchError(ContainSubstring("logger")))

			_, err = summary.NewNotifier(&summary.NotifierConfig{Logger: logger})
			Expect(err).To(MatchError(ContainSubstring("sender")))

			_, err = summary.NewNotifier(&summary.NotifierConfig{Logger: logger, Sender: sender, SendTimeout: -time.Second})
			Expect(err).To(MatchError(ContainSubstring("negative")))
		})
	})

	Describe("Broadcast", func() {
		It("should key each delivery by the subscriber group", func() {
			n, err := summary.NewNotifier(&summary.NotifierConfig{Logger: logger, Sender: sender})
			Expect(err).NotTo(HaveOccurred())

			results := n.Broadcast(context.Background(), msg, subscribers(1, 42))

			Expect(results).To(HaveLen(2))
			Expect(results[0].Destination).To(Equal("user_1"))
			Expect(results[1].Destination).To(Equal("user_42"))
			Expect(sender.messagesFor("user_42")).To(ConsistOf(msg))
		})

		It("should be a no-op without subscribers", func() {
			n, err := summary.NewNotifier(&summary.NotifierConfig{Logger: logger, Sender: sender})
			Expect(err).NotTo(HaveOccurred())

			Expect(n.Broadcast(context.Background(), msg, nil)).To(BeEmpty())
			Expect(sender.attempts()).To(BeEmpty())
		})

		It("should keep delivering after a failed recipient", func() {
			sender.failFor["user_2"] = true
			n, err := summary.NewNotifier(&summary.NotifierConfig{Logger: logger, Sender: sender})
			Expect(err).NotTo(HaveOccurred())

			results := n.Broadcast(context.Background(), msg, subscribers(1, 2, 3))

			Expect(sender.attempts()).To(Equal([]string{"user_1", "user_2", "user_3"}))
			Expect(results[0].OK()).To(BeTrue())
			Expect(results[1].Err).To(MatchError(errUnreachable))
			Expect(results[2].OK()).To(BeTrue())
			Expect(sender.messagesFor("user_1")).To(HaveLen(1))
			Expect(sender.messagesFor("user_3")).To(HaveLen(1))
		})

		It("should turn a panicking sender into a failed delivery", func() {
			sender.panicFor["user_2"] = true
			n, err := summary.NewNotifier(&summary.NotifierConfig{Logger: logger, Sender: sender})
			Expect(err).NotTo(HaveOccurred())

			var results []summary.DeliveryResult
			Expect(func() {
				results = n.Broadcast(context.Background(), msg, subscribers(1, 2, 3))
			}).NotTo(Panic())

			Expect(results[1].Err).To(MatchError(ContainSubstring("sender panic")))
			Expect(sender.messagesFor("user_3")).To(HaveLen(1))
		})

		It("should bound each delivery when a send timeout is set", func() {
			n, err := summary.NewNotifier(&summary.NotifierConfig{
				Logger:      logger,
				Sender:      sender,
				SendTimeout: time.Second,
			})
			Expect(err).NotTo(HaveOccurred())

			n.Broadcast(context.Background(), msg, subscribers(1, 2))
			Expect(sender.deadlines).To(Equal(2))
		})

		It("should deliver in parallel and keep results in subscriber order", func() {
			ids := make([]uint, 0, 40)
			for i := uint(1); i <= 40; i++ {
				ids = append(ids, i)
				if i%5 == 0 {
					sender.failFor[fmt.Sprintf("user_%d", i)] = true
				}
			}

			n, err := summary.NewNotifier(&summary.NotifierConfig{
				Logger:      logger,
				Sender:      sender,
				Concurrency: 8,
			})
			Expect(err).NotTo(HaveOccurred())

			results := n.Broadcast(context.Background(), msg, subscribers(ids...))

			Expect(results).To(HaveLen(40))
			Expect(sender.attempts()).To(HaveLen(40))
			failed := 0
			for i, res := range results {
				Expect(res.Subscriber.ID).To(Equal(ids[i]))
				if !res.OK() {
					failed++
				}
			}
			Expect(failed).To(Equal(8))
		})
	})

	Describe("SenderFunc", func() {
		It("should adapt a function", func() {
			var got string
			s := summary.SenderFunc(func(_ context.Context, destination string, _ summary.Message) error {
				got = destination
				return nil
			})
			Expect(s.Send(context.Background(), "user_9", msg)).To(Succeed())
			Expect(got).To(Equal("user_9"))
		})
	})
})
