// Package transport delivers encoded daily summaries to per-subscriber
// channels over RabbitMQ or MQTT.
package transport

import (
	"context"
	"errors"
	"fmt"

	"agrisense.dev/soil-monitor/internal/summary"
	"agrisense.dev/soil-monitor/pkg/mq"
)

// AMQPSender publishes notifications to a topic exchange, routed by the
// destination group key. Sessions bound to that key receive the message;
// with no session bound it is dropped by the broker.
type AMQPSender struct {
	publisher mq.Publisher
}

// NewAMQPSender creates a new AMQPSender instance.
func NewAMQPSender(publisher mq.Publisher) (*AMQPSender, error) {
	if publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}
	return &AMQPSender{publisher: publisher}, nil
}

// Send implements summary.Sender.
func (s *AMQPSender) Send(ctx context.Context, destination string, msg summary.Message) error {
	if destination == "" {
		return errors.New("destination cannot be empty")
	}

	body, err := summary.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	return s.publisher.Publish(ctx, destination, summary.ContentType, body)
}

var (
	_ summary.Sender = (*AMQPSender)(nil)
	_ summary.Sender = (*MQTTSender)(nil)
)
