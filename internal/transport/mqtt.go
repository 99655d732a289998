package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"agrisense.dev/soil-monitor/internal/summary"
)

const (
	// QoSAtMostOnce matches the fire-and-forget contract of the channel
	// layer.
	QoSAtMostOnce byte = 0

	defaultTopicPrefix    = "agrisense/notifications"
	defaultConnectRetries = 5
	disconnectQuiesceMS   = 250
)

// MQTTClient is the subset of the paho client used by MQTTSender.
type MQTTClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// MQTTConfig holds the configuration for an MQTT connection.
type MQTTConfig struct {
	Logger         *slog.Logger
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	ConnectRetries int
	ConnectTimeout time.Duration
}

// MQTTSender publishes notifications to <prefix>/<destination>.
type MQTTSender struct {
	logger *slog.Logger
	client MQTTClient
	prefix string
}

// DialMQTT connects to the broker, retrying with exponential backoff, and
// returns a sender on that connection.
func DialMQTT(ctx context.Context, cfg *MQTTConfig) (*MQTTSender, error) {
	if cfg == nil {
		return nil, errors.New("mqtt config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker cannot be empty")
	}

	logger := cfg.Logger.With("component", "mqtt", "broker", cfg.Broker)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt connected")
	})

	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = defaultConnectRetries
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		token := client.Connect()
		if err := waitToken(ctx, token); err != nil {
			logger.Warn("failed to connect to mqtt broker", "error", err)
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("could not establish mqtt connection after retries: %w", err)
	}

	return NewMQTTSender(logger, client, cfg.TopicPrefix)
}

// NewMQTTSender creates a sender on an established client.
func NewMQTTSender(logger *slog.Logger, client MQTTClient, prefix string) (*MQTTSender, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if client == nil {
		return nil, errors.New("mqtt client cannot be nil")
	}

	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = defaultTopicPrefix
	}

	return &MQTTSender{logger: logger, client: client, prefix: prefix}, nil
}

// Topic returns the topic a destination maps to.
func (s *MQTTSender) Topic(destination string) string {
	return s.prefix + "/" + destination
}

// Send implements summary.Sender.
func (s *MQTTSender) Send(ctx context.Context, destination string, msg summary.Message) error {
	if destination == "" {
		return errors.New("destination cannot be empty")
	}

	if !s.client.IsConnected() {
		return errors.New("mqtt client not connected")
	}

	body, err := summary.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	topic := s.Topic(destination)
	if err := waitToken(ctx, s.client.Publish(topic, QoSAtMostOnce, false, body)); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (s *MQTTSender) Close() {
	if s.client.IsConnected() {
		s.client.Disconnect(disconnectQuiesceMS)
		s.logger.Info("mqtt client disconnected")
	}
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
