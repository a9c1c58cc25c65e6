package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/iot-cloud/internal/metadata"
	"procodus.dev/iot-cloud/pkg/routing"
)

// FutureSkew is how far ahead of the local clock a timestamp may be.
const FutureSkew = time.Hour

// Handler decides the verdict of one delivery whose routing key parsed to key.
type Handler interface {
	Handle(ctx context.Context, key routing.Key, d amqp.Delivery) Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, key routing.Key, d amqp.Delivery) Outcome

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, key routing.Key, d amqp.Delivery) Outcome {
	return f(ctx, key, d)
}

// Router dispatches deliveries to the handler of their category.
type Router struct {
	handlers map[routing.Category]Handler
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{handlers: make(map[routing.Category]Handler)}
}

// Register routes the categories to h.
func (r *Router) Register(h Handler, categories ...routing.Category) *Router {
	for _, c := range categories {
		r.handlers[c] = h
	}
	return r
}

// Route parses the routing key and runs the handler of its category.
func (r *Router) Route(ctx context.Context, d amqp.Delivery) Outcome {
	key := routing.Parse(d.RoutingKey)
	if !key.Valid() {
		return reject(ReasonUndecodable, fmt.Errorf("malformed routing key %q", d.RoutingKey))
	}
	h, ok := r.handlers[key.Category]
	if !ok {
		return reject(ReasonUnknownCategory, fmt.Errorf("no handler for category %s", key.Category))
	}
	return h.Handle(ctx, key, d)
}

// lookup resolves the device of key and its template.
func lookup(ctx context.Context, dir metadata.Directory, deviceID string) (metadata.Device, metadata.Template, *Outcome) {
	dev, err := dir.Device(ctx, deviceID)
	if err != nil {
		o := storageFailure(err)
		if errors.Is(err, metadata.ErrUnknownDevice) {
			o = reject(ReasonUnknownDevice, err)
		}
		return metadata.Device{}, metadata.Template{}, &o
	}
	tpl, err := dir.Template(ctx, dev.TemplateID)
	if err != nil {
		o := storageFailure(err)
		if errors.Is(err, metadata.ErrUnknownTemplate) {
			o = reject(ReasonUnknownDevice, err)
		}
		return metadata.Device{}, metadata.Template{}, &o
	}
	return dev, tpl, nil
}

// deliveryTime is the broker timestamp of d, or now when it carries none.
func deliveryTime(d amqp.Delivery, now time.Time) time.Time {
	if d.Timestamp.IsZero() {
		return now
	}
	return d.Timestamp
}

func headerString(h amqp.Table, name string) string {
	if v, ok := h[name].(string); ok {
		return v
	}
	return ""
}
