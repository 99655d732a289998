// Package mock provides mock implementations of the mq package interfaces for testing.
package mock

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"agrisense.dev/soil-monitor/pkg/mq"
)

// MockClient is a mock implementation of ClientInterface for testing.
// It tracks method calls and allows configuring return values and behavior.
type MockClient struct {
	mu sync.Mutex

	// PushFunc is called when Push is invoked. If nil, returns PushError.
	PushFunc func(ctx context.Context, data []byte) error
	// PushError is returned by Push if PushFunc is nil.
	PushError error
	// PushCalls tracks all calls to Push with their arguments.
	PushCalls []PushCall

	// UnsafePushFunc is called when UnsafePush is invoked. If nil, returns UnsafePushError.
	UnsafePushFunc func(ctx context.Context, data []byte) error
	// UnsafePushError is returned by UnsafePush if UnsafePushFunc is nil.
	UnsafePushError error
	// UnsafePushCalls tracks all calls to UnsafePush with their arguments.
	UnsafePushCalls []UnsafePushCall

	// ConsumeFunc is called when Consume is invoked. If nil, returns ConsumeChannel and ConsumeError.
	ConsumeFunc func() (<-chan amqp.Delivery, error)
	// ConsumeChannel is returned by Consume if ConsumeFunc is nil.
	ConsumeChannel <-chan amqp.Delivery
	// ConsumeError is returned by Consume if ConsumeFunc is nil.
	ConsumeError error
	// ConsumeCalls tracks the number of times Consume was called.
	ConsumeCalls int

	// PublishFunc is called when Publish is invoked. If nil, returns PublishError.
	PublishFunc func(ctx context.Context, routingKey, contentType string, body []byte) error
	// PublishError is returned by Publish if PublishFunc is nil.
	PublishError error
	// PublishCalls tracks all calls to Publish with their arguments.
	PublishCalls []PublishCall

	// SubscribeFunc is called when Subscribe is invoked. If nil, returns SubscribeChannel and SubscribeError.
	SubscribeFunc func(ctx context.Context, routingKey string) (<-chan amqp.Delivery, func() error, error)
	// SubscribeChannel is returned by Subscribe if SubscribeFunc is nil.
	SubscribeChannel <-chan amqp.Delivery
	// SubscribeError is returned by Subscribe if SubscribeFunc is nil.
	SubscribeError error
	// SubscribeKeys tracks the routing keys passed to Subscribe.
	SubscribeKeys []string

	// Ready is returned by IsReady.
	Ready bool

	// CloseFunc is called when Close is invoked. If nil, returns CloseError.
	CloseFunc func() error
	// CloseError is returned by Close if CloseFunc is nil.
	CloseError error
	// CloseCalls tracks the number of times Close was called.
	CloseCalls int
}

// PushCall records the arguments to a Push call.
type PushCall struct {
	Ctx  context.Context
	Data []byte
}

// PublishCall records the arguments to a Publish call.
type PublishCall struct {
	Ctx         context.Context
	RoutingKey  string
	ContentType string
	Body        []byte
}

// UnsafePushCall records the arguments to an UnsafePush call.
type UnsafePushCall struct {
	Ctx  context.Context
	Data []byte
}

// NewMockClient creates a new MockClient with default behavior (no errors).
func NewMockClient() *MockClient {
	return &MockClient{
		PushCalls:       make([]PushCall, 0),
		UnsafePushCalls: make([]UnsafePushCall, 0),
		ConsumeChannel:  make(chan amqp.Delivery),
		PublishCalls:    make([]PublishCall, 0),
		Ready:           true,
	}
}

// Push implements ClientInterface.
func (m *MockClient) Push(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PushCalls = append(m.PushCalls, PushCall{
		Ctx:  ctx,
		Data: data,
	})

	if m.PushFunc != nil {
		return m.PushFunc(ctx, data)
	}
	return m.PushError
}

// UnsafePush implements ClientInterface.
func (m *MockClient) UnsafePush(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UnsafePushCalls = append(m.UnsafePushCalls, UnsafePushCall{
		Ctx:  ctx,
		Data: data,
	})

	if m.UnsafePushFunc != nil {
		return m.UnsafePushFunc(ctx, data)
	}
	return m.UnsafePushError
}

// Consume implements ClientInterface.
func (m *MockClient) Consume() (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ConsumeCalls++

	if m.ConsumeFunc != nil {
		return m.ConsumeFunc()
	}
	return m.ConsumeChannel, m.ConsumeError
}

// Publish implements mq.Publisher.
func (m *MockClient) Publish(ctx context.Context, routingKey, contentType string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PublishCalls = append(m.PublishCalls, PublishCall{
		Ctx:         ctx,
		RoutingKey:  routingKey,
		ContentType: contentType,
		Body:        body,
	})

	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, routingKey, contentType, body)
	}
	return m.PublishError
}

// Published returns a copy of the recorded Publish calls.
func (m *MockClient) Published() []PublishCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PublishCall, len(m.PublishCalls))
	copy(out, m.PublishCalls)
	return out
}

// IsReady implements mq.Publisher.
func (m *MockClient) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Ready
}

// Subscribe implements mq.Subscriber.
func (m *MockClient) Subscribe(ctx context.Context, routingKey string) (<-chan amqp.Delivery, func() error, error) {
	m.mu.Lock()
	m.SubscribeKeys = append(m.SubscribeKeys, routingKey)
	fn := m.SubscribeFunc
	ch, err := m.SubscribeChannel, m.SubscribeError
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, routingKey)
	}
	if err != nil {
		return nil, nil, err
	}
	return ch, func() error { return nil }, nil
}

// Subscribed returns a copy of the routing keys passed to Subscribe.
func (m *MockClient) Subscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.SubscribeKeys...)
}

// Close implements ClientInterface.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseCalls++

	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return m.CloseError
}

// Reset clears all tracked calls and resets the mock to its initial state.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PushCalls = make([]PushCall, 0)
	m.UnsafePushCalls = make([]UnsafePushCall, 0)
	m.PublishCalls = make([]PublishCall, 0)
	m.SubscribeKeys = nil
	m.ConsumeCalls = 0
	m.CloseCalls = 0
}

// Ensure MockClient implements the mq interfaces.
var (
	_ mq.ClientInterface = (*MockClient)(nil)
	_ mq.Publisher       = (*MockClient)(nil)
	_ mq.Subscriber      = (*MockClient)(nil)
)
