// Package broker defines the broker administration primitives the topology and
// session managers are built from, and implements them against the RabbitMQ
// management HTTP API.
package broker

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when an exchange, queue or user does not exist.
var ErrNotFound = errors.New("broker entity not found")

// DestinationType is the kind of entity a binding routes into.
type DestinationType string

const (
	DestinationExchange DestinationType = "exchange"
	DestinationQueue    DestinationType = "queue"
)

// Binding routes messages from Source to Destination when their routing key
// matches RoutingKey. PropertiesKey is assigned by the broker and is only set on
// bindings returned by ListBindings.
type Binding struct {
	Source          string
	Destination     string
	DestinationType DestinationType
	RoutingKey      string
	PropertiesKey   string
}

// Same reports whether b and o have the same source, destination and key.
func (b Binding) Same(o Binding) bool {
	return b.Source == o.Source &&
		b.Destination == o.Destination &&
		b.DestinationType == o.DestinationType &&
		b.RoutingKey == o.RoutingKey
}

func (b Binding) String() string {
	return fmt.Sprintf("%s -[%s]-> %s %s", b.Source, b.RoutingKey, b.DestinationType, b.Destination)
}

// ExchangeToExchange builds an exchange-to-exchange binding.
func ExchangeToExchange(source, destination, key string) Binding {
	return Binding{Source: source, Destination: destination, DestinationType: DestinationExchange, RoutingKey: key}
}

// ExchangeToQueue builds an exchange-to-queue binding.
func ExchangeToQueue(source, queue, key string) Binding {
	return Binding{Source: source, Destination: queue, DestinationType: DestinationQueue, RoutingKey: key}
}

// QueueOptions configures a declared queue.
type QueueOptions struct {
	// Expires deletes the queue after it has been unused for this many
	// milliseconds. Zero keeps the queue until deleted.
	ExpiresMillis int64
	Durable       bool
}

// Permissions are the configure/write/read regexes of a user on the vhost.
type Permissions struct {
	Configure string
	Write     string
	Read      string
}

// TopicPermissions restrict the routing keys a user may publish and consume on
// a topic exchange.
type TopicPermissions struct {
	Exchange string
	Write    string
	Read     string
}

// Admin is the set of idempotent broker administration calls. Deleting an
// entity that does not exist is not an error.
type Admin interface {
	DeclareExchange(ctx context.Context, name string) error
	DeleteExchange(ctx context.Context, name string) error
	ExchangeExists(ctx context.Context, name string) (bool, error)

	DeclareQueue(ctx context.Context, name string, opts QueueOptions) error
	DeleteQueue(ctx context.Context, name string) error
	QueueExists(ctx context.Context, name string) (bool, error)

	DeclareBinding(ctx context.Context, b Binding) error
	// DeleteBinding removes a binding previously returned by ListBindings.
	DeleteBinding(ctx context.Context, b Binding) error
	// ListBindings returns every binding whose destination is the named entity.
	ListBindings(ctx context.Context, destination string, t DestinationType) ([]Binding, error)

	PutUser(ctx context.Context, name, password string) error
	DeleteUser(ctx context.Context, name string) error
	SetPermissions(ctx context.Context, user string, p Permissions) error
	SetTopicPermissions(ctx context.Context, user string, p TopicPermissions) error
}

// Unbind deletes every binding matching b exactly on source, destination and
// routing key. The broker offers no lookup by source and key, so this scans all
// bindings of the destination and costs O(bindings on destination).
func Unbind(ctx context.Context, admin Admin, b Binding) error {
	existing, err := admin.ListBindings(ctx, b.Destination, b.DestinationType)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to list bindings of %s: %w", b.Destination, err)
	}

	for _, e := range existing {
		if !e.Same(b) {
			continue
		}
		if err := admin.DeleteBinding(ctx, e); err != nil {
			return fmt.Errorf("failed to delete binding %s: %w", e, err)
		}
	}
	return nil
}

// BindAll declares each binding in order, stopping at the first failure.
func BindAll(ctx context.Context, admin Admin, bindings ...Binding) error {
	for _, b := range bindings {
		if err := admin.DeclareBinding(ctx, b); err != nil {
			return fmt.Errorf("failed to declare binding %s: %w", b, err)
		}
	}
	return nil
}
