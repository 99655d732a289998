package backend

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
	"agrisense.dev/soil-monitor/pkg/mq"
)

const consumerReadyTimeout = 30 * time.Second

// Consumer consumes JSON soil readings from RabbitMQ and stores them.
type Consumer struct {
	logger    *slog.Logger
	ingestor  *Ingestor
	mqClient  mq.ClientInterface
	queueName string
	metrics   *metrics.BackendMetrics
	done      chan struct{}
	doneOnce  sync.Once
	started   bool
}

// ConsumerConfig holds the configuration for the Consumer.
type ConsumerConfig struct {
	Logger    *slog.Logger
	Ingestor  *Ingestor
	MQClient  mq.ClientInterface
	QueueName string
	Metrics   *metrics.BackendMetrics
}

// NewConsumer creates a new Consumer instance.
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.New("consumer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Ingestor == nil {
		return nil, errors.New("ingestor cannot be nil")
	}

	if cfg.MQClient == nil {
		return nil, errors.New("mq client cannot be nil")
	}

	if cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	return &Consumer{
		logger:    cfg.Logger.With("component", "consumer", "queue", cfg.QueueName),
		ingestor:  cfg.Ingestor,
		mqClient:  cfg.MQClient,
		queueName: cfg.QueueName,
		metrics:   cfg.Metrics,
		done:      make(chan struct{}),
	}, nil
}

// Start begins consuming messages from RabbitMQ. Processing continues in
// the background until ctx is canceled or the delivery channel closes.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting consumer")

	if w, ok := c.mqClient.(interface{ WaitReady(context.Context) error }); ok {
		readyCtx, cancel := context.WithTimeout(ctx, consumerReadyTimeout)
		err := w.WaitReady(readyCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("message queue not ready: %w", err)
		}
	}

	deliveries, err := c.mqClient.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.started = true
	c.logger.Info("consumer started, waiting for messages")

	go c.processMessages(ctx, deliveries)

	return nil
}

func (c *Consumer) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer c.doneOnce.Do(func() { close(c.done) })

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context canceled, stopping message processing")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("deliveries channel closed")
				return
			}

			c.handleDelivery(ctx, delivery)
		}
	}
}

// handleDelivery stores one reading. Malformed payloads are acknowledged
// and dropped; storage failures are requeued.
func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	if c.metrics != nil {
		timer := prometheus.NewTimer(c.metrics.ProcessingDuration.WithLabelValues(c.queueName))
		defer timer.ObserveDuration()
	}

	row, err := c.ingestor.IngestJSON(ctx, delivery.Body)
	switch {
	case errors.Is(err, ErrInvalidReading):
		c.logger.Error("dropping malformed sensor reading", "error", err)
		c.count("error", "decode")
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "error", ackErr)
		}
		return

	case err != nil:
		c.logger.Error("failed to save sensor reading", "error", err)
		c.count("error", "store")
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message", "error", nackErr)
		}
		return
	}

	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack message", "error", err)
		c.count("error", "ack")
		return
	}

	c.count("success", "")
	c.logger.Debug("sensor reading saved",
		"reading_id", row.ID,
		"timestamp", row.Timestamp,
	)
}

func (c *Consumer) count(status, errorType string) {
	if c.metrics == nil {
		return
	}
	c.metrics.ConsumerMessagesTotal.WithLabelValues(c.queueName, status).Inc()
	if errorType != "" {
		c.metrics.ConsumerErrors.WithLabelValues(c.queueName, errorType).Inc()
	}
}

// Stop closes the MQ client and waits for in-flight processing.
func (c *Consumer) Stop() error {
	c.logger.Info("stopping consumer")

	if err := c.mqClient.Close(); err != nil {
		c.logger.Warn("failed to close mq client", "error", err)
	}

	if c.started {
		<-c.done
	}

	c.logger.Info("consumer stopped")
	return nil
}
