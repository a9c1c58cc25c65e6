// Package brokertest provides an in-memory broker.Admin for tests.
package brokertest

import (
	"context"
	"errors"
	"sort"
	"sync"

	"procodus.dev/iot-cloud/internal/broker"
)

// Admin is an in-memory broker that records entities, bindings, users and
// permissions. Failures can be injected per operation.
type Admin struct {
	mu sync.Mutex

	Exchanges        map[string]bool
	Queues           map[string]broker.QueueOptions
	Users            map[string]string
	Permissions      map[string]broker.Permissions
	TopicPermissions map[string]broker.TopicPermissions

	bindings []broker.Binding

	// Calls records operation names in call order.
	Calls []string

	failures map[string]error
}

var _ broker.Admin = (*Admin)(nil)

// New creates an empty in-memory broker.
func New() *Admin {
	return &Admin{
		Exchanges:        map[string]bool{},
		Queues:           map[string]broker.QueueOptions{},
		Users:            map[string]string{},
		Permissions:      map[string]broker.Permissions{},
		TopicPermissions: map[string]broker.TopicPermissions{},
		failures:         map[string]error{},
	}
}

// FailOn makes every subsequent call of operation return err. A nil err clears
// the failure.
func (a *Admin) FailOn(operation string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.failures, operation)
		return
	}
	a.failures[operation] = err
}

func (a *Admin) record(operation string) error {
	a.Calls = append(a.Calls, operation)
	return a.failures[operation]
}

// Bindings returns a sorted copy of the current bindings without properties keys.
func (a *Admin) Bindings() []broker.Binding {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]broker.Binding, len(a.bindings))
	for i, b := range a.bindings {
		b.PropertiesKey = ""
		out[i] = b
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

// HasBinding reports whether a binding equal to b on source, destination and
// key exists.
func (a *Admin) HasBinding(b broker.Binding) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.bindings {
		if e.Same(b) {
			return true
		}
	}
	return false
}

// DeclareExchange implements broker.Admin.
func (a *Admin) DeclareExchange(_ context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("declare_exchange"); err != nil {
		return err
	}
	a.Exchanges[name] = true
	return nil
}

// DeleteExchange implements broker.Admin. Bindings from and to the exchange go
// with it, as they do on the broker.
func (a *Admin) DeleteExchange(_ context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("delete_exchange"); err != nil {
		return err
	}
	delete(a.Exchanges, name)
	a.dropBindings(func(b broker.Binding) bool {
		return b.Source == name || (b.DestinationType == broker.DestinationExchange && b.Destination == name)
	})
	return nil
}

// ExchangeExists implements broker.Admin.
func (a *Admin) ExchangeExists(_ context.Context, name string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("get_exchange"); err != nil {
		return false, err
	}
	return a.Exchanges[name], nil
}

// DeclareQueue implements broker.Admin.
func (a *Admin) DeclareQueue(_ context.Context, name string, opts broker.QueueOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("declare_queue"); err != nil {
		return err
	}
	a.Queues[name] = opts
	return nil
}

// DeleteQueue implements broker.Admin.
func (a *Admin) DeleteQueue(_ context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("delete_queue"); err != nil {
		return err
	}
	delete(a.Queues, name)
	a.dropBindings(func(b broker.Binding) bool {
		return b.DestinationType == broker.DestinationQueue && b.Destination == name
	})
	return nil
}

// QueueExists implements broker.Admin.
func (a *Admin) QueueExists(_ context.Context, name string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("get_queue"); err != nil {
		return false, err
	}
	_, ok := a.Queues[name]
	return ok, nil
}

// DeclareBinding implements broker.Admin. Both ends must exist.
func (a *Admin) DeclareBinding(_ context.Context, b broker.Binding) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("declare_binding"); err != nil {
		return err
	}
	if !a.Exchanges[b.Source] && !predeclared(b.Source) {
		return broker.ErrNotFound
	}
	if b.DestinationType == broker.DestinationQueue {
		if _, ok := a.Queues[b.Destination]; !ok {
			return broker.ErrNotFound
		}
	} else if !a.Exchanges[b.Destination] && !predeclared(b.Destination) {
		return broker.ErrNotFound
	}
	for _, e := range a.bindings {
		if e.Same(b) {
			return nil
		}
	}
	b.PropertiesKey = propertiesKey(b.RoutingKey)
	a.bindings = append(a.bindings, b)
	return nil
}

// DeleteBinding implements broker.Admin.
func (a *Admin) DeleteBinding(_ context.Context, b broker.Binding) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("delete_binding"); err != nil {
		return err
	}
	if b.PropertiesKey == "" {
		return errors.New("binding has no properties key")
	}
	a.dropBindings(func(e broker.Binding) bool {
		return e.Same(b) && e.PropertiesKey == b.PropertiesKey
	})
	return nil
}

// ListBindings implements broker.Admin.
func (a *Admin) ListBindings(_ context.Context, destination string, t broker.DestinationType) ([]broker.Binding, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("list_bindings"); err != nil {
		return nil, err
	}
	var out []broker.Binding
	for _, b := range a.bindings {
		if b.Destination == destination && b.DestinationType == t {
			out = append(out, b)
		}
	}
	return out, nil
}

// PutUser implements broker.Admin.
func (a *Admin) PutUser(_ context.Context, name, password string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("put_user"); err != nil {
		return err
	}
	a.Users[name] = password
	return nil
}

// DeleteUser implements broker.Admin.
func (a *Admin) DeleteUser(_ context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("delete_user"); err != nil {
		return err
	}
	delete(a.Users, name)
	delete(a.Permissions, name)
	delete(a.TopicPermissions, name)
	return nil
}

// SetPermissions implements broker.Admin.
func (a *Admin) SetPermissions(_ context.Context, user string, p broker.Permissions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("set_permissions"); err != nil {
		return err
	}
	if _, ok := a.Users[user]; !ok {
		return broker.ErrNotFound
	}
	a.Permissions[user] = p
	return nil
}

// SetTopicPermissions implements broker.Admin.
func (a *Admin) SetTopicPermissions(_ context.Context, user string, p broker.TopicPermissions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("set_topic_permissions"); err != nil {
		return err
	}
	if _, ok := a.Users[user]; !ok {
		return broker.ErrNotFound
	}
	a.TopicPermissions[user] = p
	return nil
}

func (a *Admin) dropBindings(match func(broker.Binding) bool) {
	kept := a.bindings[:0]
	for _, b := range a.bindings {
		if !match(b) {
			kept = append(kept, b)
		}
	}
	a.bindings = kept
}

// predeclared mirrors the amq.* exchanges every vhost starts with.
func predeclared(name string) bool {
	return len(name) > 4 && name[:4] == "amq."
}

func propertiesKey(routingKey string) string {
	if routingKey == "" {
		return "~"
	}
	return routingKey
}
