package transport_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"agrisense.dev/soil-monitor/internal/summary"
	"agrisense.dev/soil-monitor/internal/transport"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeMQTT struct {
	mu           sync.Mutex
	connected    bool
	token        mqtt.Token
	published    []published
	disconnected bool
}

func (f *fakeMQTT) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, qos: qos, payload: payload.([]byte)})
	if f.token != nil {
		return f.token
	}
	return completedToken(nil)
}

func (f *fakeMQTT) IsConnected() bool { return f.connected }

func (f *fakeMQTT) Disconnect(uint) { f.disconnected = true }

var _ = Describe("MQTTSender", func() {
	var (
		logger *slog.Logger
		client *fakeMQTT
		sender *transport.MQTTSender
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
		client = &fakeMQTT{connected: true}
		var err error
		sender, err = transport.NewMQTTSender(logger, client, "farm/alerts/")
		Expect(err).NotTo(HaveOccurred())
	})

	It("should validate its arguments", func() {
		_, err := transport.NewMQTTSender(nil, client, "")
		Expect(err).To(HaveOccurred())
		_, err = transport.NewMQTTSender(logger, nil, "")
		Expect(err).To(HaveOccurred())
	})

	It("should default the topic prefix", func() {
		s, err := transport.NewMQTTSender(logger, client, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Topic("user_1")).To(Equal("agrisense/notifications/user_1"))
	})

	It("should publish at most once to the destination topic", func() {
		msg := sampleMessage()
		Expect(sender.Send(context.Background(), "user_3", msg)).To(Succeed())

		Expect(client.published).To(HaveLen(1))
		Expect(client.published[0].topic).To(Equal("farm/alerts/user_3"))
		Expect(client.published[0].qos).To(Equal(transport.QoSAtMostOnce))

		n, err := summary.Decode(client.published[0].payload)
		Expect(err).NotTo(HaveOccurred())
		Expect(n.Message).To(Equal(msg))
	})

	It("should fail fast when disconnected", func() {
		client.connected = false
		Expect(sender.Send(context.Background(), "user_3", sampleMessage())).To(MatchError(ContainSubstring("not connected")))
		Expect(client.published).To(BeEmpty())
	})

	It("should return the token error", func() {
		client.token = completedToken(errors.New("broker refused"))
		err := sender.Send(context.Background(), "user_3", sampleMessage())
		Expect(err).To(MatchError(ContainSubstring("broker refused")))
		Expect(err).To(MatchError(ContainSubstring("farm/alerts/user_3")))
	})

	It("should stop waiting when the context ends", func() {
		client.token = &fakeToken{done: make(chan struct{})}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err := sender.Send(ctx, "user_3", sampleMessage())
		Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
	})

	It("should disconnect on close", func() {
		sender.Close()
		Expect(client.disconnected).To(BeTrue())
	})

	Describe("DialMQTT", func() {
		It("should validate configuration", func() {
			_, err := transport.DialMQTT(context.Background(), nil)
			Expect(err).To(HaveOccurred())

			_, err = transport.DialMQTT(context.Background(), &transport.MQTTConfig{Logger: logger})
			Expect(err).To(MatchError(ContainSubstring("broker")))
		})

		It("should give up on an unreachable broker", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			_, err := transport.DialMQTT(ctx, &transport.MQTTConfig{
				Logger:         logger,
				Broker:         "tcp://127.0.0.1:1",
				ClientID:       "test",
				ConnectRetries: 1,
				ConnectTimeout: 200 * time.Millisecond,
			})
			Expect(err).To(HaveOccurred())
		})
	})
})
