// Package mq provides a RabbitMQ client with automatic reconnection and error handling.
package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"agrisense.dev/soil-monitor/pkg/metrics"
)

// Client is a RabbitMQ client that handles connection management,
// automatic reconnection, and provides methods for publishing and consuming messages.
//
// A client is bound either to a queue (Push, UnsafePush, Consume) or to a
// topic exchange (Publish, Subscribe). Publisher confirms are only enabled in
// queue mode.
type Client struct {
	m               *sync.Mutex
	infolog         *slog.Logger
	errlog          *slog.Logger
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan bool
	stopOnce        sync.Once
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	queueName       string
	exchange        string
	isReady         bool
	metrics         *metrics.MQMetrics // Optional metrics
}

const (
	// When reconnecting to the server after connection failure.
	reconnectDelay = 5 * time.Second

	// When setting up the channel after a channel exception.
	reInitDelay = 2 * time.Second

	// Initial backoff delay for Push retries.
	initialBackoff = 100 * time.Millisecond

	// Maximum backoff delay for Push retries.
	maxBackoff = 10 * time.Second

	// Backoff multiplier for exponential backoff.
	backoffMultiplier = 2

	// Maximum number of retry attempts before giving up.
	maxRetryAttempts = 5

	// ExchangeKind is the exchange type declared by exchange-mode clients.
	ExchangeKind = "topic"
)

var (
	// ErrNotConnected is returned when an operation needs a live channel.
	ErrNotConnected       = errors.New("not connected to a server")
	errAlreadyClosed      = errors.New("already closed: not connected to the server")
	errShutdown           = errors.New("client is shutting down")
	errMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
	errNoQueue            = errors.New("client is not bound to a queue")
	errNoExchange         = errors.New("client is not bound to an exchange")
)

// New creates a new queue-bound client instance, and automatically
// attempts to connect to the server.
func New(queueName, addr string, l *slog.Logger) *Client {
	client := Client{
		m:         &sync.Mutex{},
		infolog:   l,
		errlog:    l,
		queueName: queueName,
		done:      make(chan bool),
	}
	go client.handleReconnect(addr)
	return &client
}

// NewExchange creates a client bound to a durable topic exchange. It is used
// for routed publishing (one routing key per destination) and for per-key
// subscriptions.
func NewExchange(exchange, addr string, l *slog.Logger) *Client {
	client := Client{
		m:        &sync.Mutex{},
		infolog:  l,
		errlog:   l,
		exchange: exchange,
		done:     make(chan bool),
	}
	go client.handleReconnect(addr)
	return &client
}

// SetMetrics sets the metrics collector for this client.
// This should be called before the client starts processing messages.
func (client *Client) SetMetrics(m *metrics.MQMetrics) {
	client.metrics = m
}

// IsReady reports whether the client currently holds an initialized channel.
func (client *Client) IsReady() bool {
	client.m.Lock()
	defer client.m.Unlock()
	return client.isReady
}

// WaitReady blocks until the client is ready or the context ends.
func (client *Client) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if client.IsReady() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-client.done:
			return errShutdown
		case <-ticker.C:
		}
	}
}

// handleReconnect will wait for a connection error on
// notifyConnClose, and then continuously attempt to reconnect.
func (client *Client) handleReconnect(addr string) {
	for {
		client.m.Lock()
		client.isReady = false
		client.m.Unlock()

		client.infolog.Info("attempting to connect")

		if client.metrics != nil {
			client.metrics.ReconnectAttempts.Inc()
		}

		conn, err := client.connect(addr)
		if err != nil {
			client.errlog.Error("failed to connect. Retrying...", "error", err)

			select {
			case <-client.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if done := client.handleReInit(conn); done {
			break
		}
	}
}

// connect will create a new AMQP connection.
func (client *Client) connect(addr string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		if client.metrics != nil {
			client.metrics.ConnectionStatus.Set(0)
		}
		return nil, err
	}

	client.changeConnection(conn)
	client.infolog.Info("connected")

	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(1)
	}

	return conn, nil
}

// handleReInit will wait for a channel error
// and then continuously attempt to re-initialize both channels.
func (client *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		client.m.Lock()
		client.isReady = false
		client.m.Unlock()

		err := client.init(conn)
		if err != nil {
			client.errlog.Error("failed to initialize channel, retrying...", "error", err)

			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				client.infolog.Info("connection closed, reconnecting...")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			client.infolog.Info("connection closed, reconnecting...")
			return false
		case <-client.notifyChanClose:
			client.infolog.Info("channel closed, re-running init...")
		}
	}
}

// init will initialize the channel and declare the queue or exchange.
func (client *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if client.queueName != "" {
		if err := ch.Confirm(false); err != nil {
			return err
		}
		_, err = ch.QueueDeclare(
			client.queueName,
			false, // Durable
			false, // Delete when unused
			false, // Exclusive
			false, // No-wait
			nil,   // Arguments
		)
		if err != nil {
			return err
		}
	}

	if client.exchange != "" {
		err = ch.ExchangeDeclare(
			client.exchange,
			ExchangeKind,
			true,  // Durable
			false, // Auto-deleted
			false, // Internal
			false, // No-wait
			nil,   // Arguments
		)
		if err != nil {
			return err
		}
	}

	client.changeChannel(ch)
	client.m.Lock()
	client.isReady = true
	client.m.Unlock()
	client.infolog.Info("client init done", "queue", client.queueName, "exchange", client.exchange)

	return nil
}

// changeConnection takes a new connection to the queue,
// and updates the close listener to reflect this.
func (client *Client) changeConnection(connection *amqp.Connection) {
	client.m.Lock()
	client.connection = connection
	client.m.Unlock()
	client.notifyConnClose = make(chan *amqp.Error, 1)
	connection.NotifyClose(client.notifyConnClose)
}

// changeChannel takes a new channel to the queue,
// and updates the channel listeners to reflect this.
func (client *Client) changeChannel(channel *amqp.Channel) {
	client.channel = channel
	client.notifyChanClose = make(chan *amqp.Error, 1)
	client.channel.NotifyClose(client.notifyChanClose)
	if client.queueName != "" {
		client.notifyConfirm = make(chan amqp.Confirmation, 1)
		client.channel.NotifyPublish(client.notifyConfirm)
	}
}

// sleepBackoff waits for the current backoff and returns the next one.
func (client *Client) sleepBackoff(ctx context.Context, backoff time.Duration) (time.Duration, error) {
	select {
	case <-ctx.Done():
		return backoff, ctx.Err()
	case <-client.done:
		return backoff, errShutdown
	case <-time.After(backoff):
	}

	backoff *= backoffMultiplier
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff, nil
}

// Push will push data onto the queue, and wait for a confirmation.
// This will block until the server sends a confirmation. Errors are
// only returned if the push action itself fails, see UnsafePush.
// Uses exponential backoff retry when the client is not connected,
// allowing time for automatic reconnection to succeed.
// After maxRetryAttempts failed attempts, returns a fatal error.
func (client *Client) Push(ctx context.Context, data []byte) error {
	if client.queueName == "" {
		return errNoQueue
	}

	var timer *prometheus.Timer
	if client.metrics != nil {
		timer = prometheus.NewTimer(client.metrics.PushDuration.WithLabelValues(client.queueName))
		defer timer.ObserveDuration()
	}

	backoff := initialBackoff
	retryCount := 0

	for {
		if retryCount >= maxRetryAttempts {
			client.errlog.Error("maximum retry attempts exceeded",
				"retry_count", retryCount,
				"max_attempts", maxRetryAttempts)

			if client.metrics != nil {
				client.metrics.PushFailures.WithLabelValues(client.queueName, "max_retries_exceeded").Inc()
			}

			return errMaxRetriesExceeded
		}

		if !client.IsReady() {
			client.infolog.Info("not connected, waiting for reconnection",
				"backoff", backoff,
				"retry_count", retryCount)

			var err error
			if backoff, err = client.sleepBackoff(ctx, backoff); err != nil {
				return err
			}
			retryCount++
			continue
		}

		if err := client.UnsafePush(ctx, data); err != nil {
			client.errlog.Error("push failed, retrying with backoff",
				"error", err,
				"backoff", backoff,
				"retry_count", retryCount)

			if backoff, err = client.sleepBackoff(ctx, backoff); err != nil {
				return err
			}
			retryCount++
			continue
		}

		select {
		case <-ctx.Done():
			if client.metrics != nil {
				client.metrics.PushFailures.WithLabelValues(client.queueName, "context_canceled").Inc()
			}
			return ctx.Err()
		case confirm := <-client.notifyConfirm:
			if confirm.Ack {
				if client.metrics != nil {
					client.metrics.MessagesPushed.WithLabelValues(client.queueName).Inc()
				}

				if retryCount > 0 {
					client.infolog.Debug("push confirmed after retries",
						"delivery_tag", confirm.DeliveryTag,
						"retry_count", retryCount)
				} else {
					client.infolog.Debug("push confirmed", "delivery_tag", confirm.DeliveryTag)
				}
				return nil
			}
			client.errlog.Warn("push not acknowledged, retrying",
				"delivery_tag", confirm.DeliveryTag,
				"backoff", backoff)

			var err error
			if backoff, err = client.sleepBackoff(ctx, backoff); err != nil {
				return err
			}
			retryCount++
		}
	}
}

// UnsafePush will push to the queue without checking for
// confirmation. It returns an error if it fails to connect.
// No guarantees are provided for whether the server will
// receive the message. The context is used for cancellation and timeout.
func (client *Client) UnsafePush(ctx context.Context, data []byte) error {
	if client.queueName == "" {
		return errNoQueue
	}

	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return ErrNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	return ch.PublishWithContext(
		ctx,
		"",               // Exchange
		client.queueName, // Routing key
		false,            // Mandatory
		false,            // Immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        data,
		},
	)
}

// Publish sends body to the exchange under routingKey. It is a single
// attempt without confirmation or retry: the message is either handed to
// the broker or an error is returned.
func (client *Client) Publish(ctx context.Context, routingKey, contentType string, body []byte) error {
	if client.exchange == "" {
		return errNoExchange
	}

	var timer *prometheus.Timer
	if client.metrics != nil {
		timer = prometheus.NewTimer(client.metrics.PushDuration.WithLabelValues(client.exchange))
		defer timer.ObserveDuration()
	}

	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		if client.metrics != nil {
			client.metrics.PushFailures.WithLabelValues(client.exchange, "not_connected").Inc()
		}
		return ErrNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	err := ch.PublishWithContext(
		ctx,
		client.exchange,
		routingKey,
		false, // Mandatory
		false, // Immediate
		amqp.Publishing{
			ContentType:  contentType,
			DeliveryMode: amqp.Transient,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		if client.metrics != nil {
			client.metrics.PushFailures.WithLabelValues(client.exchange, "publish_error").Inc()
		}
		return fmt.Errorf("publish to %s: %w", routingKey, err)
	}

	if client.metrics != nil {
		client.metrics.MessagesPushed.WithLabelValues(client.exchange).Inc()
	}
	return nil
}

// Subscribe opens a dedicated channel with an exclusive, auto-deleted queue
// bound to the exchange under routingKey. Deliveries are auto-acknowledged.
// The returned cancel function closes the channel and thereby the queue.
func (client *Client) Subscribe(ctx context.Context, routingKey string) (<-chan amqp.Delivery, func() error, error) {
	if client.exchange == "" {
		return nil, nil, errNoExchange
	}

	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return nil, nil, ErrNotConnected
	}
	conn := client.connection
	client.m.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}

	q, err := ch.QueueDeclare(
		"",    // Server-named
		false, // Durable
		true,  // Delete when unused
		true,  // Exclusive
		false, // No-wait
		nil,   // Arguments
	)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("declare subscription queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, routingKey, client.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("bind %s: %w", routingKey, err)
	}

	deliveries, err := ch.ConsumeWithContext(
		ctx,
		q.Name,
		"",    // Consumer
		true,  // Auto-Ack
		true,  // Exclusive
		false, // No-local
		false, // No-Wait
		nil,   // Args
	)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("consume %s: %w", q.Name, err)
	}

	client.infolog.Debug("subscription opened", "routing_key", routingKey, "queue", q.Name)

	return deliveries, ch.Close, nil
}

// Consume will continuously put queue items on the channel.
// It is required to call delivery.Ack when it has been
// successfully processed, or delivery.Nack when it fails.
// Ignoring this will cause data to build up on the server.
func (client *Client) Consume() (<-chan amqp.Delivery, error) {
	if client.queueName == "" {
		return nil, errNoQueue
	}

	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return nil, ErrNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	if err := ch.Qos(
		1,     // prefetchCount
		0,     // prefetchSize
		false, // global
	); err != nil {
		return nil, err
	}

	return ch.Consume(
		client.queueName,
		"",    // Consumer
		false, // Auto-Ack
		false, // Exclusive
		false, // No-local
		false, // No-Wait
		nil,   // Args
	)
}

// Close will cleanly shut down the channel and connection.
func (client *Client) Close() error {
	client.m.Lock()
	// we read and write isReady in two locations, so we grab the lock and hold onto
	// it until we are finished
	defer client.m.Unlock()

	// done is closed even when not connected so the reconnect loop exits.
	client.stopOnce.Do(func() { close(client.done) })

	if !client.isReady {
		return errAlreadyClosed
	}
	err := client.channel.Close()
	if err != nil {
		return err
	}
	err = client.connection.Close()
	if err != nil {
		return err
	}

	client.isReady = false

	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(0)
	}

	return nil
}
