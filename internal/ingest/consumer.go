package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/iot-cloud/pkg/metrics"
	"procodus.dev/iot-cloud/pkg/mq"
)

// DefaultReadyTimeout bounds how long Start waits for the broker connection.
const DefaultReadyTimeout = 30 * time.Second

// Consumer processes the deliveries of one queue strictly in order.
type Consumer struct {
	logger       *slog.Logger
	client       mq.ClientInterface
	router       *Router
	metrics      *metrics.IngestMetrics
	queue        string
	readyTimeout time.Duration
	started      atomic.Bool
	running      atomic.Bool
	done         chan struct{}
}

// ConsumerConfig holds the configuration for the Consumer.
type ConsumerConfig struct {
	Logger *slog.Logger
	Client mq.ClientInterface
	Router *Router
	// Queue labels logs and metrics.
	Queue string
	// Metrics is optional.
	Metrics *metrics.IngestMetrics
	// ReadyTimeout defaults to DefaultReadyTimeout.
	ReadyTimeout time.Duration
}

// NewConsumer creates a new Consumer instance.
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.New("consumer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Client == nil {
		return nil, errors.New("mq client cannot be nil")
	}

	if cfg.Router == nil {
		return nil, errors.New("router cannot be nil")
	}

	if cfg.Queue == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	timeout := cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}

	return &Consumer{
		logger:       cfg.Logger.With("queue", cfg.Queue),
		client:       cfg.Client,
		router:       cfg.Router,
		metrics:      cfg.Metrics,
		queue:        cfg.Queue,
		readyTimeout: timeout,
		done:         make(chan struct{}),
	}, nil
}

// Queue returns the consumed queue.
func (c *Consumer) Queue() string {
	return c.queue
}

// Running reports whether the consumer is processing deliveries.
func (c *Consumer) Running() bool {
	return c.running.Load()
}

// Start begins consuming messages from RabbitMQ.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting consumer")

	readyCtx, cancel := context.WithTimeout(ctx, c.readyTimeout)
	defer cancel()
	if err := c.client.WaitReady(readyCtx); err != nil {
		return fmt.Errorf("broker connection not ready: %w", err)
	}

	deliveries, err := c.client.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started, waiting for messages")

	c.started.Store(true)
	c.running.Store(true)
	if c.metrics != nil {
		c.metrics.ActiveConsumers.Inc()
	}
	go c.processMessages(ctx, deliveries)

	return nil
}

// processMessages processes incoming messages from the deliveries channel.
func (c *Consumer) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer func() {
		c.running.Store(false)
		if c.metrics != nil {
			c.metrics.ActiveConsumers.Dec()
		}
		close(c.done)
	}()

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

// handleDelivery routes a single delivery and applies the verdict.
func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	var timer *prometheus.Timer
	if c.metrics != nil {
		timer = prometheus.NewTimer(c.metrics.ProcessingDuration.WithLabelValues(c.queue))
		defer timer.ObserveDuration()
	}

	outcome := c.router.Route(ctx, delivery)

	if c.metrics != nil {
		c.metrics.Deliveries.WithLabelValues(c.queue, outcome.Verdict.String(), outcome.Reason).Inc()
	}

	if outcome.Verdict != Ack {
		c.logger.Warn("delivery not accepted",
			"routing_key", delivery.RoutingKey,
			"verdict", outcome.Verdict.String(),
			"reason", outcome.Reason,
			"redelivered", delivery.Redelivered,
			"retry_candidate", outcome.Retry,
			"error", outcome.Err)
	}

	if err := apply(delivery, outcome.Verdict); err != nil {
		c.logger.Error("failed to settle delivery",
			"routing_key", delivery.RoutingKey,
			"verdict", outcome.Verdict.String(),
			"error", err)
		return
	}

	c.logger.Debug("delivery settled",
		"routing_key", delivery.RoutingKey,
		"verdict", outcome.Verdict.String())
}

func apply(d amqp.Delivery, v Verdict) error {
	switch v {
	case Ack:
		return d.Ack(false)
	case RejectRequeue:
		return d.Reject(true)
	default:
		return d.Reject(false)
	}
}

// Stop stops the consumer and closes the MQ client.
func (c *Consumer) Stop() error {
	c.logger.Info("stopping consumer")

	// Close MQ client
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close mq client: %w", err)
	}

	// Wait for message processing to complete
	if c.started.Load() {
		<-c.done
	}

	c.logger.Info("consumer stopped")
	return nil
}
