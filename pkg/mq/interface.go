package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages to exchanges.
type Publisher interface {
	// Publish publishes msg to exchange with routingKey and waits for the
	// broker's confirmation. The context is used for cancellation and timeout.
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// ClientInterface defines the interface for message queue operations.
// This interface enables easier testing through mocking and dependency injection.
type ClientInterface interface {
	Publisher

	// UnsafePublish will publish without checking for confirmation.
	// It returns an error if it fails to connect.
	UnsafePublish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error

	// Consume will continuously put queue items on the channel.
	// It is required to call delivery.Ack when it has been successfully processed,
	// or delivery.Reject when it fails.
	Consume() (<-chan amqp.Delivery, error)

	// WaitReady blocks until the client is connected or ctx is done.
	WaitReady(ctx context.Context) error

	// Close will cleanly shut down the channel and connection.
	Close() error
}

// Ensure Client implements ClientInterface.
var _ ClientInterface = (*Client)(nil)
