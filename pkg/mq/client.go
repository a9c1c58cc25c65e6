// Package mq provides a RabbitMQ client with automatic reconnection that
// publishes to exchanges with publisher confirms and consumes from queues
// declared by the broker topology.
package mq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/iot-cloud/pkg/metrics"
)

// Client is a RabbitMQ client that handles connection management,
// automatic reconnection, and provides methods for publishing and consuming messages.
type Client struct {
	m               *sync.Mutex
	publishMu       *sync.Mutex
	logger          *slog.Logger
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan bool
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	queueName       string
	isReady         bool
	metrics         *metrics.MQMetrics
}

const (
	// When reconnecting to the server after connection failure.
	reconnectDelay = 5 * time.Second

	// When setting up the channel after a channel exception.
	reInitDelay = 2 * time.Second

	// Initial backoff delay for Publish retries.
	initialBackoff = 100 * time.Millisecond

	// Maximum backoff delay for Publish retries.
	maxBackoff = 10 * time.Second

	backoffMultiplier = 2

	// Maximum number of retry attempts before giving up.
	maxRetryAttempts = 5

	// Poll interval of WaitReady.
	readyPollInterval = 50 * time.Millisecond
)

var (
	errNotConnected       = errors.New("not connected to a server")
	errAlreadyClosed      = errors.New("already closed: not connected to the server")
	errShutdown           = errors.New("client is shutting down")
	errMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
	errNoQueue            = errors.New("client has no queue to consume from")
)

// New creates a new client and automatically attempts to connect to the
// server. queueName is the queue Consume reads from; publishers may leave it
// empty. The queue must already exist.
func New(queueName, addr string, l *slog.Logger) *Client {
	client := Client{
		m:         &sync.Mutex{},
		publishMu: &sync.Mutex{},
		logger:    l,
		queueName: queueName,
		done:      make(chan bool),
	}
	go client.handleReconnect(addr)
	return &client
}

// SetMetrics sets the metrics collector for this client.
// This should be called before the client starts processing messages.
func (client *Client) SetMetrics(m *metrics.MQMetrics) {
	client.metrics = m
}

// QueueName returns the queue Consume reads from.
func (client *Client) QueueName() string {
	return client.queueName
}

// handleReconnect will wait for a connection error on
// notifyConnClose, and then continuously attempt to reconnect.
func (client *Client) handleReconnect(addr string) {
	for {
		client.m.Lock()
		client.isReady = false
		client.m.Unlock()

		client.logger.Info("attempting to connect")

		if client.metrics != nil {
			client.metrics.ReconnectAttempts.Inc()
		}

		conn, err := client.connect(addr)
		if err != nil {
			client.logger.Error("failed to connect. Retrying...", "error", err)

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
	client.logger.Info("connected")

	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(1)
	}

	return conn, nil
}

// handleReInit will wait for a channel error
// and then continuously attempt to re-initialize the channel.
func (client *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		client.m.Lock()
		client.isReady = false
		client.m.Unlock()

		err := client.init(conn)
		if err != nil {
			client.logger.Error("failed to initialize channel, retrying...", "error", err)

			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				client.logger.Info("connection closed, reconnecting...")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			client.logger.Info("connection closed, reconnecting...")
			return false
		case <-client.notifyChanClose:
			client.logger.Info("channel closed, re-running init...")
		}
	}
}

// init opens a channel in confirm mode. A consumer queue is checked passively
// so that a missing topology surfaces as an init error instead of a silent
// declaration.
func (client *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		return err
	}

	if client.queueName != "" {
		if _, err := ch.QueueDeclarePassive(
			client.queueName,
			true,  // Durable
			false, // Delete when unused
			false, // Exclusive
			false, // No-wait
			nil,   // Arguments
		); err != nil {
			return err
		}
	}

	client.changeChannel(ch)
	client.m.Lock()
	client.isReady = true
	client.m.Unlock()
	client.logger.Info("client init done")

	return nil
}

// changeConnection takes a new connection to the queue,
// and updates the close listener to reflect this.
func (client *Client) changeConnection(connection *amqp.Connection) {
	client.connection = connection
	client.notifyConnClose = make(chan *amqp.Error, 1)
	client.connection.NotifyClose(client.notifyConnClose)
}

// changeChannel takes a new channel to the queue,
// and updates the channel listeners to reflect this.
func (client *Client) changeChannel(channel *amqp.Channel) {
	client.channel = channel
	client.notifyChanClose = make(chan *amqp.Error, 1)
	client.notifyConfirm = make(chan amqp.Confirmation, 1)
	client.channel.NotifyClose(client.notifyChanClose)
	client.channel.NotifyPublish(client.notifyConfirm)
}

// Ready reports whether the client currently holds an open channel.
func (client *Client) Ready() bool {
	client.m.Lock()
	defer client.m.Unlock()
	return client.isReady
}

// WaitReady blocks until the client is connected or ctx is done.
func (client *Client) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		if client.Ready() {
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

// nextBackoff waits for the current backoff and returns the next one.
func (client *Client) nextBackoff(ctx context.Context, backoff time.Duration) (time.Duration, error) {
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

// Publish publishes msg to exchange with routingKey and waits for the broker's
// confirmation. It retries with exponential backoff while the client is not
// connected or the broker nacks, and gives up after maxRetryAttempts.
func (client *Client) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	client.publishMu.Lock()
	defer client.publishMu.Unlock()

	var timer *prometheus.Timer
	if client.metrics != nil {
		timer = prometheus.NewTimer(client.metrics.PublishDuration.WithLabelValues(exchange))
		defer timer.ObserveDuration()
	}

	backoff := initialBackoff
	var err error

	for retryCount := 0; ; retryCount++ {
		if retryCount >= maxRetryAttempts {
			client.logger.Error("maximum retry attempts exceeded",
				"exchange", exchange,
				"routing_key", routingKey,
				"max_attempts", maxRetryAttempts)

			if client.metrics != nil {
				client.metrics.PublishFailures.WithLabelValues(exchange, "max_retries_exceeded").Inc()
			}
			return errMaxRetriesExceeded
		}

		if !client.Ready() {
			client.logger.Info("not connected, waiting for reconnection",
				"backoff", backoff,
				"retry_count", retryCount)
			if backoff, err = client.nextBackoff(ctx, backoff); err != nil {
				return err
			}
			continue
		}

		if err := client.UnsafePublish(ctx, exchange, routingKey, msg); err != nil {
			client.logger.Error("publish failed, retrying with backoff",
				"error", err,
				"backoff", backoff,
				"retry_count", retryCount)
			if backoff, err = client.nextBackoff(ctx, backoff); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			if client.metrics != nil {
				client.metrics.PublishFailures.WithLabelValues(exchange, "context_canceled").Inc()
			}
			return ctx.Err()
		case confirm := <-client.notifyConfirm:
			if confirm.Ack {
				if client.metrics != nil {
					client.metrics.MessagesPublished.WithLabelValues(exchange).Inc()
				}
				client.logger.Debug("publish confirmed",
					"exchange", exchange,
					"routing_key", routingKey,
					"delivery_tag", confirm.DeliveryTag,
					"retry_count", retryCount)
				return nil
			}
			client.logger.Warn("publish not acknowledged, retrying",
				"delivery_tag", confirm.DeliveryTag,
				"backoff", backoff)
			if backoff, err = client.nextBackoff(ctx, backoff); err != nil {
				return err
			}
		}
	}
}

// UnsafePublish publishes without waiting for confirmation. It returns an
// error if the client is not connected.
func (client *Client) UnsafePublish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return errNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	return ch.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		false, // Mandatory
		false, // Immediate
		msg,
	)
}

// Consume will continuously put queue items on the channel.
// It is required to call delivery.Ack when it has been
// successfully processed, or delivery.Reject when it fails.
// Ignoring this will cause data to build up on the server.
func (client *Client) Consume() (<-chan amqp.Delivery, error) {
	if client.queueName == "" {
		return nil, errNoQueue
	}

	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return nil, errNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	// One unacknowledged delivery at a time keeps processing strictly ordered.
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

	if !client.isReady {
		return errAlreadyClosed
	}
	close(client.done)
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
