package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/iot-cloud/internal/historian"
	"procodus.dev/iot-cloud/internal/metadata"
	"procodus.dev/iot-cloud/internal/pulse"
	"procodus.dev/iot-cloud/internal/stats"
	"procodus.dev/iot-cloud/pkg/message"
	"procodus.dev/iot-cloud/pkg/routing"
)

// CommandStore persists command history.
type CommandStore interface {
	InsertCommand(ctx context.Context, c *historian.CommandRecord) error
	UpdateCommandResponse(ctx context.Context, resp historian.CommandResponse) (bool, error)
}

// CurrentValueStore keeps the latest value of each observation.
type CurrentValueStore interface {
	Set(ctx context.Context, deviceID string, observationID int64, v historian.CurrentValue) (bool, error)
	Delete(ctx context.Context, deviceID string) error
}

// Invalidator drops cached metadata.
type Invalidator interface {
	InvalidateDevice(deviceID string)
	InvalidateTemplate(templateID int64)
}

// HandlersConfig holds the configuration for Handlers. Only the dependencies
// of the handlers in use are required.
type HandlersConfig struct {
	Logger    *slog.Logger
	Directory metadata.Directory
	Commands  CommandStore
	// CurrentValues is optional.
	CurrentValues CurrentValueStore
	Statistics    *stats.Aggregator
	Pulses        *pulse.Tracker
	// Invalidator is optional.
	Invalidator Invalidator
	// Now defaults to time.Now.
	Now func() time.Time
}

// Handlers implements the category handlers of the historian.
type Handlers struct {
	logger      *slog.Logger
	dir         metadata.Directory
	commands    CommandStore
	values      CurrentValueStore
	statistics  *stats.Aggregator
	pulses      *pulse.Tracker
	invalidator Invalidator
	now         func() time.Time
}

// NewHandlers creates Handlers.
func NewHandlers(cfg *HandlersConfig) (*Handlers, error) {
	if cfg == nil {
		return nil, errors.New("handlers config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Directory == nil {
		return nil, errors.New("directory cannot be nil")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Handlers{
		logger:      cfg.Logger,
		dir:         cfg.Directory,
		commands:    cfg.Commands,
		values:      cfg.CurrentValues,
		statistics:  cfg.Statistics,
		pulses:      cfg.Pulses,
		invalidator: cfg.Invalidator,
		now:         now,
	}, nil
}

// Router routes every category with a configured handler.
func (h *Handlers) Router() *Router {
	r := NewRouter()
	if h.commands != nil {
		r.Register(HandlerFunc(h.HandleCommand), routing.Command)
		r.Register(HandlerFunc(h.HandleCommandResponse), routing.CommandResponse)
	}
	if h.statistics != nil {
		r.Register(HandlerFunc(h.HandleObservation), routing.Observation)
	}
	if h.pulses != nil {
		r.Register(HandlerFunc(h.HandlePulse), routing.DevicePulse, routing.ApplicationPulse)
	}
	r.Register(HandlerFunc(h.HandleNotification), routing.SystemNotification)
	return r
}

// HandleCommand records an issued command.
func (h *Handlers) HandleCommand(ctx context.Context, key routing.Key, d amqp.Delivery) Outcome {
	var cmd message.Command
	if err := message.Decode(d.Body, &cmd); err != nil {
		return reject(ReasonUndecodable, err)
	}
	if cmd.CommandID != key.ObjectID {
		return reject(ReasonIDMismatch, fmt.Errorf("payload command id %d, routing key %d", cmd.CommandID, key.ObjectID))
	}
	if cmd.Time.IsZero() {
		return reject(ReasonUndecodable, errors.New("command has no issue time"))
	}

	_, tpl, o := lookup(ctx, h.dir, key.DeviceID)
	if o != nil {
		return *o
	}
	if !tpl.HasCommand(cmd.CommandID) {
		return reject(ReasonUnknownObject, fmt.Errorf("template %d declares no command %d", tpl.ID, cmd.CommandID))
	}

	record := &historian.CommandRecord{
		Time:              cmd.Time,
		Expiry:            cmd.Expiry,
		DeviceID:          key.DeviceID,
		CommandID:         cmd.CommandID,
		Arguments:         string(cmd.Arguments),
		OriginApplication: headerString(d.Headers, message.HeaderOriginApplication),
		OriginAccount:     headerString(d.Headers, message.HeaderOriginAccount),
		OriginAddress:     headerString(d.Headers, message.HeaderOriginAddress),
		OriginReference:   headerString(d.Headers, message.HeaderOriginReference),
	}
	if err := h.commands.InsertCommand(ctx, record); err != nil {
		return storageFailure(err)
	}
	return ack()
}

// HandleCommandResponse fills in the response of a recorded command. A
// response that arrives before its command is requeued once.
func (h *Handlers) HandleCommandResponse(ctx context.Context, key routing.Key, d amqp.Delivery) Outcome {
	var resp message.CommandResponse
	if err := message.Decode(d.Body, &resp); err != nil {
		return reject(ReasonUndecodable, err)
	}
	if resp.CommandID != key.ObjectID {
		return reject(ReasonIDMismatch, fmt.Errorf("payload command id %d, routing key %d", resp.CommandID, key.ObjectID))
	}

	_, tpl, o := lookup(ctx, h.dir, key.DeviceID)
	if o != nil {
		return *o
	}
	if !tpl.HasCommand(resp.CommandID) {
		return reject(ReasonUnknownObject, fmt.Errorf("template %d declares no command %d", tpl.ID, resp.CommandID))
	}

	responseTime := resp.ResponseTime
	if responseTime.IsZero() {
		responseTime = deliveryTime(d, h.now())
	}
	updated, err := h.commands.UpdateCommandResponse(ctx, historian.CommandResponse{
		Time:         resp.Time,
		ResponseTime: responseTime,
		DeviceID:     key.DeviceID,
		CommandID:    resp.CommandID,
		Code:         resp.Code,
		Message:      resp.Message,
		Payload:      string(resp.Payload),
	})
	if err != nil {
		return storageFailure(err)
	}
	if updated {
		return ack()
	}

	err = fmt.Errorf("no command %d of %s issued at %s", resp.CommandID, key.DeviceID, resp.Time.Format(time.RFC3339Nano))
	if d.Redelivered {
		return reject(ReasonNoCommand, err)
	}
	return Outcome{Verdict: RejectRequeue, Reason: ReasonNoCommand, Err: err}
}

// HandleObservation updates the current value and, for statistics
// observations, the running statistics.
func (h *Handlers) HandleObservation(ctx context.Context, key routing.Key, d amqp.Delivery) Outcome {
	var obs message.Observation
	if err := message.Decode(d.Body, &obs); err != nil {
		return reject(ReasonUndecodable, err)
	}
	formatted, err := obs.Formatted()
	if err != nil {
		return reject(ReasonUndecodable, err)
	}
	if obs.Time.IsZero() {
		obs.Time = deliveryTime(d, h.now())
	}
	if obs.Time.After(h.now().Add(FutureSkew)) {
		return reject(ReasonFuture, fmt.Errorf("observation time %s is in the future", obs.Time.Format(time.RFC3339)))
	}

	_, tpl, o := lookup(ctx, h.dir, key.DeviceID)
	if o != nil {
		return *o
	}
	def, ok := tpl.Observation(key.ObjectID)
	if !ok {
		return reject(ReasonUnknownObject, fmt.Errorf("template %d declares no observation %d", tpl.ID, key.ObjectID))
	}

	if def.StatisticsEligible() {
		value, err := obs.Float()
		if err != nil {
			return reject(ReasonUndecodable, err)
		}
		err = h.statistics.Add(ctx, stats.Sample{
			Time:          obs.Time,
			DeviceID:      key.DeviceID,
			ObservationID: key.ObjectID,
			Value:         value,
		}, def.Statistics)
		if errors.Is(err, stats.ErrOutOfOrder) {
			return reject(ReasonOutOfOrder, err)
		}
		if err != nil {
			return storageFailure(err)
		}
	}

	if h.values != nil {
		if _, err := h.values.Set(ctx, key.DeviceID, key.ObjectID, historian.CurrentValue{Time: obs.Time, Value: formatted}); err != nil {
			h.logger.Warn("failed to update current value",
				"device_id", key.DeviceID,
				"observation_id", key.ObjectID,
				"error", err)
		}
	}
	return ack()
}

// HandlePulse extends the period of the device pulse or of an application
// pulse. A device pulse without a decodable body is pulse 0 at the delivery
// time; an application pulse must decode.
func (h *Handlers) HandlePulse(ctx context.Context, key routing.Key, d amqp.Delivery) Outcome {
	var p message.Pulse
	if err := message.Decode(d.Body, &p); err != nil {
		if key.ObjectID != 0 {
			return reject(ReasonUndecodable, err)
		}
		p = message.Pulse{}
	} else if p.PulseID != key.ObjectID {
		return reject(ReasonIDMismatch, fmt.Errorf("payload pulse id %d, routing key %d", p.PulseID, key.ObjectID))
	}
	if p.Time.IsZero() {
		p.Time = deliveryTime(d, h.now())
	}

	_, tpl, o := lookup(ctx, h.dir, key.DeviceID)
	if o != nil {
		return *o
	}
	def, ok := tpl.Pulse(p.PulseID)
	if !ok {
		return reject(ReasonUnknownObject, fmt.Errorf("template %d declares no pulse %d", tpl.ID, p.PulseID))
	}

	_, err := h.pulses.Observe(ctx, pulse.Event{Time: p.Time, DeviceID: key.DeviceID, PulseID: p.PulseID}, def.MaximumAbsence)
	if err != nil {
		return storageFailure(err)
	}
	return ack()
}

// HandleNotification drops cached metadata of the device and its template.
// Notifications are always acknowledged.
func (h *Handlers) HandleNotification(ctx context.Context, key routing.Key, d amqp.Delivery) Outcome {
	var n message.Notification
	if err := message.Decode(d.Body, &n); err != nil {
		h.logger.Debug("notification without payload", "device_id", key.DeviceID, "error", err)
	}

	if h.invalidator != nil {
		h.invalidator.InvalidateDevice(key.DeviceID)
		if n.TemplateID != 0 {
			h.invalidator.InvalidateTemplate(n.TemplateID)
		}
	}

	if n.Kind == message.DeviceDeleted && h.values != nil {
		if err := h.values.Delete(ctx, key.DeviceID); err != nil {
			h.logger.Warn("failed to drop current values", "device_id", key.DeviceID, "error", err)
		}
	}

	h.logger.Info("metadata change notified",
		"device_id", key.DeviceID,
		"template_id", n.TemplateID,
		"kind", string(n.Kind))
	return ack()
}
