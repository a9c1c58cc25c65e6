package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/iot-cloud/pkg/message"
	"procodus.dev/iot-cloud/pkg/mq"
	"procodus.dev/iot-cloud/pkg/routing"
)

// ResponderConfig holds the configuration for a Responder.
type ResponderConfig struct {
	Logger *slog.Logger
	// Client consumes the device queue.
	Client    mq.ClientInterface
	Transport Transport
	DeviceID  string
	// Now defaults to time.Now.
	Now func() time.Time
}

// Responder answers every command delivered to a simulated device.
type Responder struct {
	logger    *slog.Logger
	client    mq.ClientInterface
	transport Transport
	deviceID  string
	now       func() time.Time
	done      chan struct{}
}

// NewResponder creates a Responder.
func NewResponder(cfg *ResponderConfig) (*Responder, error) {
	if cfg == nil {
		return nil, errors.New("responder config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Client == nil {
		return nil, errors.New("mq client cannot be nil")
	}

	if cfg.Transport == nil {
		return nil, errors.New("transport cannot be nil")
	}

	if !routing.ValidDeviceID(cfg.DeviceID) {
		return nil, fmt.Errorf("invalid device id %q", cfg.DeviceID)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Responder{
		logger:    cfg.Logger.With("device_id", cfg.DeviceID),
		client:    cfg.Client,
		transport: cfg.Transport,
		deviceID:  cfg.DeviceID,
		now:       now,
		done:      make(chan struct{}),
	}, nil
}

// Start consumes the device queue until ctx is done or the deliveries end.
func (r *Responder) Start(ctx context.Context) error {
	if err := r.client.WaitReady(ctx); err != nil {
		return fmt.Errorf("broker connection not ready: %w", err)
	}

	deliveries, err := r.client.Consume()
	if err != nil {
		return fmt.Errorf("failed to consume device queue: %w", err)
	}

	go func() {
		defer close(r.done)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				r.handle(ctx, d)
			}
		}
	}()
	return nil
}

// Done is closed once the responder stopped consuming.
func (r *Responder) Done() <-chan struct{} {
	return r.done
}

func (r *Responder) handle(ctx context.Context, d amqp.Delivery) {
	key := routing.Parse(d.RoutingKey)
	if key.Category != routing.Command || key.DeviceID != r.deviceID {
		r.logger.Debug("ignoring delivery", "routing_key", d.RoutingKey)
		_ = d.Ack(false)
		return
	}

	var cmd message.Command
	if err := message.Decode(d.Body, &cmd); err != nil {
		r.logger.Warn("undecodable command", "routing_key", d.RoutingKey, "error", err)
		_ = d.Reject(false)
		return
	}

	if cmd.Expiry != nil && r.now().After(*cmd.Expiry) {
		r.logger.Info("command expired", "command_id", key.ObjectID)
		_ = d.Ack(false)
		return
	}

	resp := message.CommandResponse{
		Time:         cmd.Time,
		ResponseTime: r.now().UTC(),
		CommandID:    key.ObjectID,
		Code:         200,
		Message:      "ok",
		Payload:      cmd.Arguments,
	}
	body, err := json.Marshal(resp)
	if err != nil {
		_ = d.Reject(false)
		return
	}

	if err := r.transport.Publish(ctx, r.deviceID, routing.CommandResponseKey(r.deviceID, key.ObjectID), body); err != nil {
		r.logger.Error("failed to answer command", "command_id", key.ObjectID, "error", err)
		_ = d.Reject(true)
		return
	}

	r.logger.Info("command answered", "command_id", key.ObjectID)
	_ = d.Ack(false)
}
