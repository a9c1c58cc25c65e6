package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"procodus.dev/iot-cloud/internal/broker"
	"procodus.dev/iot-cloud/internal/historian"
	"procodus.dev/iot-cloud/internal/topology"
	"procodus.dev/iot-cloud/pkg/metrics"
	"procodus.dev/iot-cloud/pkg/mq"
	"procodus.dev/iot-cloud/pkg/naming"
)

// Session lifetimes, enforced by the broker through queue expiry.
const (
	TemporaryTTL  = 2 * time.Minute
	PersistentTTL = 12 * time.Hour
)

// DefaultTimeout bounds each session operation.
const DefaultTimeout = 30 * time.Second

// Kind tells temporary and persistent endpoints apart.
type Kind int

const (
	KindTemporary Kind = iota
	KindPersistent
)

func (k Kind) String() string {
	if k == KindPersistent {
		return "persistent"
	}
	return "temporary"
}

// Endpoint is a provisioned live session.
type Endpoint struct {
	Owner naming.Owner
	// Key is the session key of a temporary endpoint or the subscription key
	// of a persistent one.
	Key         string
	Names       naming.Session
	Credentials topology.Credentials
	TTL         time.Duration
	Kind        Kind
	Protocol    naming.Protocol
}

// CurrentValues reads the snapshot of a device.
type CurrentValues interface {
	Get(ctx context.Context, deviceID string) (map[int64]historian.CurrentValue, error)
}

// DeviceLister lists the devices of a template.
type DeviceLister interface {
	DevicesOfTemplate(ctx context.Context, templateID int64) ([]string, error)
}

// Config holds the configuration for a Manager.
type Config struct {
	Logger *slog.Logger
	Admin  broker.Admin
	// Publisher delivers snapshots. Snapshot requests fail without it.
	Publisher mq.Publisher
	// CurrentValues is required for snapshots.
	CurrentValues CurrentValues
	// Devices resolves template-wide snapshots. Optional; without it only
	// device and whitelist requests get a snapshot.
	Devices DeviceLister
	// Metrics is optional.
	Metrics *metrics.BrokerMetrics
	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration
}

// Manager provisions live sessions.
type Manager struct {
	logger    *slog.Logger
	admin     broker.Admin
	publisher mq.Publisher
	values    CurrentValues
	devices   DeviceLister
	metrics   *metrics.BrokerMetrics
	timeout   time.Duration
}

// NewManager creates a Manager.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("session config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Admin == nil {
		return nil, errors.New("broker admin cannot be nil")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Manager{
		logger:    cfg.Logger,
		admin:     cfg.Admin,
		publisher: cfg.Publisher,
		values:    cfg.CurrentValues,
		devices:   cfg.Devices,
		metrics:   cfg.Metrics,
		timeout:   timeout,
	}, nil
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

func checkOwner(owner naming.Owner) error {
	if !naming.ValidOwnerID(owner.ID) {
		return invalid("malformed owner id %q", owner.ID)
	}
	return nil
}

func checkProtocol(p naming.Protocol) error {
	if p != naming.ProtocolAMQP {
		return fmt.Errorf("%w: %s", ErrUnsupportedProtocol, p)
	}
	return nil
}

// account grants read on the session queue and write on the session exchange.
func account(s naming.Session) topology.Account {
	return topology.Account{
		Name: s.Account,
		Permissions: broker.Permissions{
			Configure: naming.Nothing,
			Read:      naming.Exact(s.Queue),
			Write:     naming.Exact(s.Exchange),
		},
	}
}

// declare creates the session exchange and queue.
func (m *Manager) declare(ctx context.Context, s naming.Session, ttl time.Duration, durable bool) error {
	if err := m.admin.DeclareExchange(ctx, s.Exchange); err != nil {
		return fmt.Errorf("failed to declare session exchange: %w", err)
	}
	opts := broker.QueueOptions{ExpiresMillis: ttl.Milliseconds(), Durable: durable}
	if err := m.admin.DeclareQueue(ctx, s.Queue, opts); err != nil {
		return fmt.Errorf("failed to declare session queue: %w", err)
	}
	return nil
}

// CreateTemporaryEndpoint provisions a session that expires TemporaryTTL after
// its last consumer went away.
func (m *Manager) CreateTemporaryEndpoint(ctx context.Context, owner naming.Owner, protocol naming.Protocol, requests []Request) (Endpoint, error) {
	if err := checkOwner(owner); err != nil {
		return Endpoint{}, err
	}
	if err := checkProtocol(protocol); err != nil {
		return Endpoint{}, err
	}
	if len(requests) == 0 {
		return Endpoint{}, invalid("no requests")
	}
	for _, r := range requests {
		if len(r.Whitelist) > 0 {
			return Endpoint{}, invalid("temporary endpoints take no whitelist")
		}
		if err := r.Validate(owner); err != nil {
			return Endpoint{}, err
		}
	}

	key := uuid.NewString()
	names := naming.TemporarySession(owner, key)
	ep := Endpoint{
		Owner:    owner,
		Key:      key,
		Names:    names,
		TTL:      TemporaryTTL,
		Kind:     KindTemporary,
		Protocol: protocol,
	}

	err := m.run(ctx, "create_temporary_session", func(ctx context.Context) error {
		if err := m.declare(ctx, names, TemporaryTTL, false); err != nil {
			return err
		}
		for _, r := range requests {
			if err := broker.BindAll(ctx, m.admin, Bindings(names, r)...); err != nil {
				return err
			}
		}
		creds, err := topology.PutAccount(ctx, m.admin, account(names))
		if err != nil {
			return err
		}
		ep.Credentials = creds
		return m.snapshot(ctx, names, requests)
	})
	if err != nil {
		return Endpoint{}, fmt.Errorf("temporary session of %s: %w", owner.Tag(), err)
	}

	m.logger.Info("temporary session created", "owner", owner.Tag(), "session_key", key, "requests", len(requests))
	return ep, nil
}

// DeleteTemporaryEndpoint deletes the queue, exchange and account of a
// temporary session.
func (m *Manager) DeleteTemporaryEndpoint(ctx context.Context, owner naming.Owner, sessionKey string) error {
	if err := checkOwner(owner); err != nil {
		return err
	}
	if sessionKey == "" {
		return invalid("empty session key")
	}

	names := naming.TemporarySession(owner, sessionKey)
	err := m.run(ctx, "delete_temporary_session", func(ctx context.Context) error {
		return m.remove(ctx, names)
	})
	if err != nil {
		return fmt.Errorf("temporary session %s: %w", sessionKey, err)
	}
	m.logger.Info("temporary session deleted", "owner", owner.Tag(), "session_key", sessionKey)
	return nil
}

// CreatePersistentEndpoint provisions the named subscription. Its queue
// survives PersistentTTL without consumers. A request with a whitelist gets a
// whitelist exchange holding one pair of bindings per listed device.
func (m *Manager) CreatePersistentEndpoint(ctx context.Context, owner naming.Owner, subscriptionKey string, request Request) (Endpoint, error) {
	if err := checkOwner(owner); err != nil {
		return Endpoint{}, err
	}
	if !naming.ValidSubscriptionKey(subscriptionKey) {
		return Endpoint{}, invalid("malformed subscription key %q", subscriptionKey)
	}
	if err := request.Validate(owner); err != nil {
		return Endpoint{}, err
	}

	names := naming.PersistentSession(owner, subscriptionKey)
	useWhitelist := len(request.Whitelist) > 0
	if !useWhitelist {
		names.Whitelist = ""
	}

	ep := Endpoint{
		Owner:    owner,
		Key:      subscriptionKey,
		Names:    names,
		TTL:      PersistentTTL,
		Kind:     KindPersistent,
		Protocol: naming.ProtocolAMQP,
	}

	err := m.run(ctx, "create_persistent_session", func(ctx context.Context) error {
		if err := m.declare(ctx, names, PersistentTTL, true); err != nil {
			return err
		}
		if useWhitelist {
			if err := m.admin.DeclareExchange(ctx, names.Whitelist); err != nil {
				return fmt.Errorf("failed to declare whitelist exchange: %w", err)
			}
			for _, mid := range request.Whitelist {
				if err := broker.BindAll(ctx, m.admin, WhitelistBindings(names.Whitelist, request.TemplateID, mid)...); err != nil {
					return err
				}
			}
		}
		if err := broker.BindAll(ctx, m.admin, Bindings(names, request)...); err != nil {
			return err
		}
		creds, err := topology.PutAccount(ctx, m.admin, account(names))
		if err != nil {
			return err
		}
		ep.Credentials = creds
		return m.snapshot(ctx, names, []Request{request})
	})
	if err != nil {
		return Endpoint{}, fmt.Errorf("persistent session %s of %s: %w", subscriptionKey, owner.Tag(), err)
	}

	m.logger.Info("persistent session created",
		"owner", owner.Tag(),
		"subscription_key", subscriptionKey,
		"whitelisted_devices", len(request.Whitelist))
	return ep, nil
}

// GetPersistentEndpoint issues fresh credentials for an existing
// subscription. It returns ErrNotFound when its queue or exchange is missing.
func (m *Manager) GetPersistentEndpoint(ctx context.Context, owner naming.Owner, subscriptionKey string, protocol naming.Protocol) (Endpoint, error) {
	if err := checkOwner(owner); err != nil {
		return Endpoint{}, err
	}
	if !naming.ValidSubscriptionKey(subscriptionKey) {
		return Endpoint{}, invalid("malformed subscription key %q", subscriptionKey)
	}
	if err := checkProtocol(protocol); err != nil {
		return Endpoint{}, err
	}

	names := naming.PersistentSession(owner, subscriptionKey)
	ep := Endpoint{
		Owner:    owner,
		Key:      subscriptionKey,
		Names:    names,
		TTL:      PersistentTTL,
		Kind:     KindPersistent,
		Protocol: protocol,
	}

	err := m.run(ctx, "get_persistent_session", func(ctx context.Context) error {
		ok, err := m.admin.QueueExists(ctx, names.Queue)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: queue %s", ErrNotFound, names.Queue)
		}
		ok, err = m.admin.ExchangeExists(ctx, names.Exchange)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: exchange %s", ErrNotFound, names.Exchange)
		}
		ok, err = m.admin.ExchangeExists(ctx, names.Whitelist)
		if err != nil {
			return err
		}
		if !ok {
			ep.Names.Whitelist = ""
		}

		creds, err := topology.PutAccount(ctx, m.admin, account(names))
		if err != nil {
			return err
		}
		ep.Credentials = creds
		return nil
	})
	if err != nil {
		return Endpoint{}, fmt.Errorf("persistent session %s of %s: %w", subscriptionKey, owner.Tag(), err)
	}
	return ep, nil
}

// DeletePersistentEndpoint deletes the exchange, queue, account and whitelist
// exchange of a subscription. Missing entities are skipped.
func (m *Manager) DeletePersistentEndpoint(ctx context.Context, owner naming.Owner, subscriptionKey string) error {
	if err := checkOwner(owner); err != nil {
		return err
	}
	if !naming.ValidSubscriptionKey(subscriptionKey) {
		return invalid("malformed subscription key %q", subscriptionKey)
	}

	names := naming.PersistentSession(owner, subscriptionKey)
	err := m.run(ctx, "delete_persistent_session", func(ctx context.Context) error {
		err := m.remove(ctx, names)
		if werr := m.admin.DeleteExchange(ctx, names.Whitelist); werr != nil {
			err = errors.Join(err, fmt.Errorf("failed to delete whitelist exchange: %w", werr))
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("persistent session %s: %w", subscriptionKey, err)
	}
	m.logger.Info("persistent session deleted", "owner", owner.Tag(), "subscription_key", subscriptionKey)
	return nil
}

// remove deletes the common entities of a session, attempting each.
func (m *Manager) remove(ctx context.Context, s naming.Session) error {
	var errs []error
	if err := m.admin.DeleteQueue(ctx, s.Queue); err != nil {
		errs = append(errs, fmt.Errorf("failed to delete session queue: %w", err))
	}
	if err := m.admin.DeleteExchange(ctx, s.Exchange); err != nil {
		errs = append(errs, fmt.Errorf("failed to delete session exchange: %w", err))
	}
	if err := m.admin.DeleteUser(ctx, s.Account); err != nil {
		errs = append(errs, fmt.Errorf("failed to delete session account: %w", err))
	}
	return errors.Join(errs...)
}

// AddDeviceToWhitelist lets the subscription see and address one more device
// of the template.
func (m *Manager) AddDeviceToWhitelist(ctx context.Context, owner naming.Owner, subscriptionKey string, templateID int64, deviceID string) error {
	names, err := m.whitelist(owner, subscriptionKey, deviceID)
	if err != nil {
		return err
	}
	err = m.run(ctx, "whitelist_add", func(ctx context.Context) error {
		return broker.BindAll(ctx, m.admin, WhitelistBindings(names.Whitelist, templateID, deviceID)...)
	})
	if err != nil {
		return fmt.Errorf("whitelist %s: %w", names.Whitelist, err)
	}
	m.logger.Info("device whitelisted", "whitelist", names.Whitelist, "device_id", deviceID)
	return nil
}

// RemoveDeviceFromWhitelist deletes the bindings AddDeviceToWhitelist created,
// matching them exactly.
func (m *Manager) RemoveDeviceFromWhitelist(ctx context.Context, owner naming.Owner, subscriptionKey string, templateID int64, deviceID string) error {
	names, err := m.whitelist(owner, subscriptionKey, deviceID)
	if err != nil {
		return err
	}
	err = m.run(ctx, "whitelist_remove", func(ctx context.Context) error {
		for _, b := range WhitelistBindings(names.Whitelist, templateID, deviceID) {
			if err := broker.Unbind(ctx, m.admin, b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("whitelist %s: %w", names.Whitelist, err)
	}
	m.logger.Info("device removed from whitelist", "whitelist", names.Whitelist, "device_id", deviceID)
	return nil
}

func (m *Manager) whitelist(owner naming.Owner, subscriptionKey, deviceID string) (naming.Session, error) {
	if err := checkOwner(owner); err != nil {
		return naming.Session{}, err
	}
	if !naming.ValidSubscriptionKey(subscriptionKey) {
		return naming.Session{}, invalid("malformed subscription key %q", subscriptionKey)
	}
	if err := (Request{DeviceID: deviceID, DevicePulse: true}).Validate(owner); err != nil {
		return naming.Session{}, err
	}
	return naming.PersistentSession(owner, subscriptionKey), nil
}
