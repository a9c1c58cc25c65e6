// Package mock provides mock implementations of the mq package interfaces for testing.
package mock

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/iot-cloud/pkg/mq"
)

// MockClient is a mock implementation of ClientInterface for testing.
// It tracks method calls and allows configuring return values and behavior.
type MockClient struct {
	mu sync.Mutex

	// PublishFunc is called when Publish is invoked. If nil, returns PublishError.
	PublishFunc func(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
	// PublishError is returned by Publish if PublishFunc is nil.
	PublishError error
	// PublishCalls tracks all calls to Publish and UnsafePublish with their arguments.
	PublishCalls []PublishCall

	// ConsumeChannel is returned by Consume.
	ConsumeChannel <-chan amqp.Delivery
	// ConsumeError is returned by Consume.
	ConsumeError error
	// ConsumeCalls tracks the number of times Consume was called.
	ConsumeCalls int

	// WaitReadyError is returned by WaitReady.
	WaitReadyError error

	// CloseError is returned by Close.
	CloseError error
	// CloseCalls tracks the number of times Close was called.
	CloseCalls int
}

// PublishCall records the arguments to a Publish call.
type PublishCall struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
	Confirmed  bool
}

// NewMockClient creates a new MockClient with default behavior (no errors).
func NewMockClient() *MockClient {
	return &MockClient{
		PublishCalls:   make([]PublishCall, 0),
		ConsumeChannel: make(chan amqp.Delivery),
	}
}

// Publish implements ClientInterface.
func (m *MockClient) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PublishCalls = append(m.PublishCalls, PublishCall{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Msg:        msg,
		Confirmed:  true,
	})

	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, exchange, routingKey, msg)
	}
	return m.PublishError
}

// UnsafePublish implements ClientInterface.
func (m *MockClient) UnsafePublish(_ context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PublishCalls = append(m.PublishCalls, PublishCall{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Msg:        msg,
	})
	return m.PublishError
}

// Consume implements ClientInterface.
func (m *MockClient) Consume() (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ConsumeCalls++
	return m.ConsumeChannel, m.ConsumeError
}

// WaitReady implements ClientInterface.
func (m *MockClient) WaitReady(context.Context) error {
	return m.WaitReadyError
}

// Close implements ClientInterface.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseCalls++
	return m.CloseError
}

// Calls returns a copy of the recorded publish calls.
func (m *MockClient) Calls() []PublishCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PublishCall, len(m.PublishCalls))
	copy(out, m.PublishCalls)
	return out
}

// Reset clears all tracked calls.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PublishCalls = make([]PublishCall, 0)
	m.ConsumeCalls = 0
	m.CloseCalls = 0
}

// Ensure MockClient implements mq.ClientInterface.
var _ mq.ClientInterface = (*MockClient)(nil)
