package gateway_test

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	amqp "github.com/rabbitmq/amqp091-go"

	"agrisense.dev/soil-monitor/internal/gateway"
	"agrisense.dev/soil-monitor/pkg/mq/mock"
)

var _ = Describe("Gateway", func() {
	var (
		logger     *slog.Logger
		verifier   *gateway.Verifier
		client     *mock.MockClient
		deliveries chan amqp.Delivery
		server     *httptest.Server
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))

		var err error
		verifier, err = gateway.NewVerifier(testSecret)
		Expect(err).NotTo(HaveOccurred())

		deliveries = make(chan amqp.Delivery, 4)
		client = mock.NewMockClient()
		client.SubscribeChannel = deliveries

		gw, err := gateway.New(&gateway.Config{
			Logger:       logger,
			Verifier:     verifier,
			Subscriber:   client,
			PingInterval: time.Second,
		})
		Expect(err).NotTo(HaveOccurred())

		server = httptest.NewServer(gw)
		DeferCleanup(server.Close)
	})

	wsURL := func(token string) string {
		return "ws" + strings.TrimPrefix(server.URL, "http") + "/?token=" + token
	}

	It("should validate configuration", func() {
		_, err := gateway.New(nil)
		Expect(err).To(HaveOccurred())

		_, err = gateway.New(&gateway.Config{Logger: logger, Verifier: verifier})
		Expect(err).To(MatchError(ContainSubstring("subscriber")))
	})

	It("should reject sessions without a valid token", func() {
		resp, err := http.Get(server.URL + "/")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		Expect(client.Subscribed()).To(BeEmpty())
	})

	It("should stream group notifications to the session", func() {
		token, err := verifier.Issue(42, time.Minute)
		Expect(err).NotTo(HaveOccurred())

		conn, _, err := websocket.DefaultDialer.Dial(wsURL(token), nil)
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		Expect(client.Subscribed()).To(Equal([]string{"user_42"}))

		payload := []byte(`{"type":"send_notification"}`)
		deliveries <- amqp.Delivery{Body: payload}

		Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
		kind, data, err := conn.ReadMessage()
		Expect(err).NotTo(HaveOccurred())
		Expect(kind).To(Equal(websocket.TextMessage))
		Expect(data).To(Equal(payload))
	})

	It("should close the session when the subscription ends", func() {
		token, err := verifier.Issue(7, time.Minute)
		Expect(err).NotTo(HaveOccurred())

		conn, _, err := websocket.DefaultDialer.Dial(wsURL(token), nil)
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		close(deliveries)

		Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
		_, _, err = conn.ReadMessage()
		Expect(websocket.IsCloseError(err, websocket.CloseTryAgainLater)).To(BeTrue())
	})

	It("should refuse the session when the group cannot be joined", func() {
		client.SubscribeError = errors.New("broker unavailable")
		token, err := verifier.Issue(9, time.Minute)
		Expect(err).NotTo(HaveOccurred())

		_, resp, err := websocket.DefaultDialer.Dial(wsURL(token), nil)
		Expect(err).To(HaveOccurred())
		Expect(resp).NotTo(BeNil())
		Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
	})
})
