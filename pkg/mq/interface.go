package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ClientInterface defines the interface for message queue operations.
// This interface enables easier testing through mocking and dependency injection.
type ClientInterface interface {
	// Push will push data onto the queue, and wait for a confirmation.
	// This will block until the server sends a confirmation.
	// The context is used for cancellation and timeout.
	Push(ctx context.Context, data []byte) error

	// UnsafePush will push to the queue without checking for confirmation.
	// It returns an error if it fails to connect.
	// No guarantees are provided for whether the server will receive the message.
	// The context is used for cancellation and timeout.
	UnsafePush(ctx context.Context, data []byte) error

	// Consume will continuously put queue items on the channel.
	// It is required to call delivery.Ack when it has been successfully processed,
	// or delivery.Nack when it fails.
	Consume() (<-chan amqp.Delivery, error)

	// Close will cleanly shut down the channel and connection.
	Close() error
}

// Publisher publishes routed messages to an exchange.
type Publisher interface {
	// Publish makes a single unconfirmed attempt to hand body to the broker.
	Publish(ctx context.Context, routingKey, contentType string, body []byte) error

	// IsReady reports whether a channel is currently available.
	IsReady() bool
}

// Subscriber opens per-routing-key subscriptions on an exchange.
type Subscriber interface {
	// Subscribe returns auto-acknowledged deliveries for routingKey and a
	// function that ends the subscription.
	Subscribe(ctx context.Context, routingKey string) (<-chan amqp.Delivery, func() error, error)
}

// Ensure Client implements the interfaces.
var (
	_ ClientInterface = (*Client)(nil)
	_ Publisher       = (*Client)(nil)
	_ Subscriber      = (*Client)(nil)
)
