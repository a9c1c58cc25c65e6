// Package topology creates and removes the broker exchanges, queues, bindings
// and accounts of devices, templates and the historian.
package topology

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"procodus.dev/iot-cloud/internal/broker"
	"procodus.dev/iot-cloud/internal/metadata"
	"procodus.dev/iot-cloud/pkg/metrics"
	"procodus.dev/iot-cloud/pkg/naming"
	"procodus.dev/iot-cloud/pkg/routing"
)

// Device is the identity a device topology mirrors.
type Device = metadata.Device

// ErrInvalidDevice is returned for a device identity that cannot be named.
var ErrInvalidDevice = errors.New("invalid device")

// DefaultTimeout bounds each topology operation.
const DefaultTimeout = 30 * time.Second

// Config holds the configuration for a Manager.
type Config struct {
	Logger *slog.Logger
	Admin  broker.Admin
	// Metrics is optional.
	Metrics *metrics.BrokerMetrics
	// MQTTExchange is the exchange the MQTT plugin publishes to. Defaults to
	// naming.DefaultMQTTExchange.
	MQTTExchange string
	// Timeout bounds each operation. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// Manager builds topology from idempotent admin calls. It never rolls back a
// partially applied operation; see Provisioner.
type Manager struct {
	logger       *slog.Logger
	admin        broker.Admin
	metrics      *metrics.BrokerMetrics
	mqttExchange string
	timeout      time.Duration
}

// NewManager creates a Manager.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("topology config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Admin == nil {
		return nil, errors.New("broker admin cannot be nil")
	}

	exchange := cfg.MQTTExchange
	if exchange == "" {
		exchange = naming.DefaultMQTTExchange
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Manager{
		logger:       cfg.Logger,
		admin:        cfg.Admin,
		metrics:      cfg.Metrics,
		mqttExchange: exchange,
		timeout:      timeout,
	}, nil
}

// MQTTExchange returns the shared MQTT exchange.
func (m *Manager) MQTTExchange() string {
	return m.mqttExchange
}

func (m *Manager) run(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := fn(ctx)
	if m.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		m.metrics.Operations.WithLabelValues(operation, status).Inc()
	}
	return err
}

func validateDevice(d Device) error {
	if !routing.ValidDeviceID(d.ID) {
		return fmt.Errorf("%w: malformed device id %q", ErrInvalidDevice, d.ID)
	}
	if d.TemplateID <= 0 {
		return fmt.Errorf("%w: template id %d", ErrInvalidDevice, d.TemplateID)
	}
	if !d.Protocol.UsesQueue() && !d.Protocol.UsesMQTT() {
		return fmt.Errorf("%w: protocol %s", ErrInvalidDevice, d.Protocol)
	}
	return nil
}

// DeviceBindings returns every binding the topology of d consists of.
func (m *Manager) DeviceBindings(d Device) []broker.Binding {
	exchange := naming.DeviceExchange(d.ID)
	var bindings []broker.Binding

	if d.Protocol.UsesQueue() {
		queue := naming.DeviceQueue(d.ID, naming.ProtocolAMQP)
		bindings = append(bindings,
			broker.ExchangeToQueue(exchange, queue, routing.AllCommands(d.ID)),
			broker.ExchangeToQueue(exchange, queue, routing.AllApplicationPulses(d.ID)),
		)
	}

	if d.Protocol.UsesMQTT() {
		bindings = append(bindings,
			broker.ExchangeToExchange(m.mqttExchange, exchange, routing.AllObservations(d.ID)),
			broker.ExchangeToExchange(m.mqttExchange, exchange, routing.AllCommandResponses(d.ID)),
			broker.ExchangeToExchange(m.mqttExchange, exchange, routing.AllDevicePulses(d.ID)),
			broker.ExchangeToExchange(exchange, m.mqttExchange, routing.AllCommands(d.ID)),
			broker.ExchangeToExchange(exchange, m.mqttExchange, routing.AllApplicationPulses(d.ID)),
		)
	}

	return append(bindings, templateBindings(d.ID, d.TemplateID)...)
}

// templateBindings connect a device exchange to the exchanges of its template.
func templateBindings(deviceID string, templateID int64) []broker.Binding {
	exchange := naming.DeviceExchange(deviceID)
	return []broker.Binding{
		broker.ExchangeToExchange(naming.TemplatePublishExchange(templateID), exchange, routing.AllOfDevice(deviceID)),
		broker.ExchangeToExchange(exchange, naming.TemplateSubscribeExchange(templateID), routing.Wildcard),
	}
}

// DeviceAccount returns the account of d. AMQP devices may read their queue
// and write their exchange. MQTT devices get the plugin's subscription queues
// and the shared exchange, restricted by topic permissions to their own keys.
func (m *Manager) DeviceAccount(d Device) Account {
	exchange := naming.DeviceExchange(d.ID)
	queue := naming.DeviceQueue(d.ID, naming.ProtocolAMQP)
	a := Account{Name: naming.DeviceAccount(d.ID)}

	var configure, read, write []string
	if d.Protocol.UsesQueue() {
		read = append(read, queue)
		write = append(write, exchange)
	}
	if d.Protocol.UsesMQTT() {
		mqttQueues := naming.DeviceMQTTQueues(d.ID)
		configure = append(configure, mqttQueues...)
		read = append(read, mqttQueues...)
		read = append(read, m.mqttExchange)
		write = append(write, mqttQueues...)
		write = append(write, m.mqttExchange)

		id := regexp.QuoteMeta(d.ID)
		a.Topic = &broker.TopicPermissions{
			Exchange: m.mqttExchange,
			Write:    `^` + id + `\.(O|CR|P)(\..*)?$`,
			Read:     `^` + id + `\.(C|AP)(\..*)?$`,
		}
	}

	a.Permissions = broker.Permissions{
		Configure: naming.Exact(configure...),
		Read:      naming.Exact(read...),
		Write:     naming.Exact(write...),
	}
	return a
}

// CreateDeviceTopology declares the exchange, queue, bindings and account of d
// and returns the account's credentials. The template exchanges must exist.
func (m *Manager) CreateDeviceTopology(ctx context.Context, d Device) (Credentials, error) {
	if err := validateDevice(d); err != nil {
		return Credentials{}, err
	}

	var creds Credentials
	err := m.run(ctx, "create_device", func(ctx context.Context) error {
		if err := m.admin.DeclareExchange(ctx, naming.DeviceExchange(d.ID)); err != nil {
			return fmt.Errorf("failed to declare device exchange: %w", err)
		}

		if d.Protocol.UsesQueue() {
			queue := naming.DeviceQueue(d.ID, naming.ProtocolAMQP)
			if err := m.admin.DeclareQueue(ctx, queue, broker.QueueOptions{Durable: true}); err != nil {
				return fmt.Errorf("failed to declare device queue: %w", err)
			}
		}

		if err := broker.BindAll(ctx, m.admin, m.DeviceBindings(d)...); err != nil {
			return err
		}

		var err error
		creds, err = PutAccount(ctx, m.admin, m.DeviceAccount(d))
		return err
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("device %s: %w", d.ID, err)
	}

	m.logger.Info("device topology created",
		"device_id", d.ID,
		"template_id", d.TemplateID,
		"protocol", d.Protocol.String())
	return creds, nil
}

// DeleteDeviceTopology deletes the exchange, every possible queue and the
// account of the device. Missing entities are skipped; every deletion is
// attempted even if an earlier one failed.
func (m *Manager) DeleteDeviceTopology(ctx context.Context, deviceID string) error {
	if !routing.ValidDeviceID(deviceID) {
		return fmt.Errorf("%w: malformed device id %q", ErrInvalidDevice, deviceID)
	}

	err := m.run(ctx, "delete_device", func(ctx context.Context) error {
		var errs []error
		if err := m.admin.DeleteExchange(ctx, naming.DeviceExchange(deviceID)); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete device exchange: %w", err))
		}
		queues := append([]string{naming.DeviceQueue(deviceID, naming.ProtocolAMQP)}, naming.DeviceMQTTQueues(deviceID)...)
		for _, q := range queues {
			if err := m.admin.DeleteQueue(ctx, q); err != nil {
				errs = append(errs, fmt.Errorf("failed to delete queue %s: %w", q, err))
			}
		}
		if err := m.admin.DeleteUser(ctx, naming.DeviceAccount(deviceID)); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete device account: %w", err))
		}
		return errors.Join(errs...)
	})
	if err != nil {
		return fmt.Errorf("device %s: %w", deviceID, err)
	}

	m.logger.Info("device topology deleted", "device_id", deviceID)
	return nil
}

// RebindDeviceTemplate moves the device from the exchanges of oldTemplateID to
// those of newTemplateID. The old bindings are removed by exact match.
func (m *Manager) RebindDeviceTemplate(ctx context.Context, deviceID string, oldTemplateID, newTemplateID int64) error {
	if !routing.ValidDeviceID(deviceID) {
		return fmt.Errorf("%w: malformed device id %q", ErrInvalidDevice, deviceID)
	}
	if newTemplateID <= 0 {
		return fmt.Errorf("%w: template id %d", ErrInvalidDevice, newTemplateID)
	}

	err := m.run(ctx, "rebind_device", func(ctx context.Context) error {
		for _, b := range templateBindings(deviceID, oldTemplateID) {
			if err := broker.Unbind(ctx, m.admin, b); err != nil {
				return err
			}
		}
		return broker.BindAll(ctx, m.admin, templateBindings(deviceID, newTemplateID)...)
	})
	if err != nil {
		return fmt.Errorf("device %s: %w", deviceID, err)
	}

	m.logger.Info("device template rebound",
		"device_id", deviceID,
		"old_template_id", oldTemplateID,
		"new_template_id", newTemplateID)
	return nil
}

// CreateTemplateTopology declares the publish and subscribe exchanges of the
// template and forwards everything reaching the subscribe exchange to the
// historian.
func (m *Manager) CreateTemplateTopology(ctx context.Context, templateID int64) error {
	if templateID <= 0 {
		return fmt.Errorf("invalid template id %d", templateID)
	}

	err := m.run(ctx, "create_template", func(ctx context.Context) error {
		pub := naming.TemplatePublishExchange(templateID)
		sub := naming.TemplateSubscribeExchange(templateID)
		for _, x := range []string{pub, sub} {
			if err := m.admin.DeclareExchange(ctx, x); err != nil {
				return fmt.Errorf("failed to declare exchange %s: %w", x, err)
			}
		}
		return broker.BindAll(ctx, m.admin, broker.ExchangeToExchange(sub, naming.HistorianExchange, routing.Wildcard))
	})
	if err != nil {
		return fmt.Errorf("template %d: %w", templateID, err)
	}

	m.logger.Info("template topology created", "template_id", templateID)
	return nil
}

// DeleteTemplateTopology deletes both exchanges of the template. Device
// bindings to them go with them.
func (m *Manager) DeleteTemplateTopology(ctx context.Context, templateID int64) error {
	err := m.run(ctx, "delete_template", func(ctx context.Context) error {
		var errs []error
		for _, x := range []string{naming.TemplatePublishExchange(templateID), naming.TemplateSubscribeExchange(templateID)} {
			if err := m.admin.DeleteExchange(ctx, x); err != nil {
				errs = append(errs, fmt.Errorf("failed to delete exchange %s: %w", x, err))
			}
		}
		return errors.Join(errs...)
	})
	if err != nil {
		return fmt.Errorf("template %d: %w", templateID, err)
	}

	m.logger.Info("template topology deleted", "template_id", templateID)
	return nil
}

// HistorianQueues maps each historian queue to its binding keys.
func HistorianQueues() map[string][]string {
	return map[string][]string{
		naming.HistorianCommandQueue:      {routing.AllCommands(""), routing.AllCommandResponses("")},
		naming.HistorianObservationQueue:  {routing.AllObservations("")},
		naming.HistorianPulseQueue:        {routing.AllDevicePulses(""), routing.AllApplicationPulses("")},
		naming.HistorianNotificationQueue: {routing.AllSystemNotifications("")},
	}
}

// CreateHistorianTopology declares the historian exchange and its durable
// per-category queues.
func (m *Manager) CreateHistorianTopology(ctx context.Context) error {
	err := m.run(ctx, "create_historian", func(ctx context.Context) error {
		if err := m.admin.DeclareExchange(ctx, naming.HistorianExchange); err != nil {
			return fmt.Errorf("failed to declare historian exchange: %w", err)
		}
		for queue, keys := range HistorianQueues() {
			if err := m.admin.DeclareQueue(ctx, queue, broker.QueueOptions{Durable: true}); err != nil {
				return fmt.Errorf("failed to declare queue %s: %w", queue, err)
			}
			for _, key := range keys {
				if err := m.admin.DeclareBinding(ctx, broker.ExchangeToQueue(naming.HistorianExchange, queue, key)); err != nil {
					return fmt.Errorf("failed to bind queue %s: %w", queue, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("historian: %w", err)
	}

	m.logger.Info("historian topology created")
	return nil
}
