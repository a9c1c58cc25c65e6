package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/iot-cloud/pkg/metrics"
)

// ManagementConfig holds the configuration for the management API client.
type ManagementConfig struct {
	Logger *slog.Logger
	// Metrics is optional.
	Metrics *metrics.BrokerMetrics
	// URL is the management API base URL, e.g. http://localhost:15672.
	URL      string
	Username string
	Password string
	// VHost defaults to "/".
	VHost string
	// Timeout bounds every admin call. Calls are never retried.
	Timeout time.Duration
}

// APIError is a non-success response from the management API.
type APIError struct {
	Operation  string
	Body       string
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: management API returned %d: %s", e.Operation, e.StatusCode, e.Body)
}

// Management implements Admin over the RabbitMQ management HTTP API.
type Management struct {
	http    *resty.Client
	logger  *slog.Logger
	metrics *metrics.BrokerMetrics
	vhost   string
}

var _ Admin = (*Management)(nil)

// NewManagement creates a management API client.
func NewManagement(cfg *ManagementConfig) (*Management, error) {
	if cfg == nil {
		return nil, errors.New("management config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.URL == "" {
		return nil, errors.New("management URL cannot be empty")
	}

	vhost := cfg.VHost
	if vhost == "" {
		vhost = "/"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.URL).
		SetBasicAuth(cfg.Username, cfg.Password).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Management{
		http:    client,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		vhost:   vhost,
	}, nil
}

type exchangeBody struct {
	Arguments  map[string]any `json:"arguments"`
	Type       string         `json:"type"`
	Durable    bool           `json:"durable"`
	AutoDelete bool           `json:"auto_delete"`
	Internal   bool           `json:"internal"`
}

type queueBody struct {
	Arguments  map[string]any `json:"arguments"`
	Durable    bool           `json:"durable"`
	AutoDelete bool           `json:"auto_delete"`
}

type bindingBody struct {
	Arguments  map[string]any `json:"arguments"`
	RoutingKey string         `json:"routing_key"`
}

type bindingInfo struct {
	Source          string `json:"source"`
	Destination     string `json:"destination"`
	DestinationType string `json:"destination_type"`
	RoutingKey      string `json:"routing_key"`
	PropertiesKey   string `json:"properties_key"`
}

type userBody struct {
	Password string `json:"password"`
	Tags     string `json:"tags"`
}

type permissionsBody struct {
	Configure string `json:"configure"`
	Write     string `json:"write"`
	Read      string `json:"read"`
}

type topicPermissionsBody struct {
	Exchange string `json:"exchange"`
	Write    string `json:"write"`
	Read     string `json:"read"`
}

// call executes req and classifies the response. When allowMissing is set a 404
// counts as success.
func (m *Management) call(operation string, allowMissing bool, do func() (*resty.Response, error)) error {
	var timer *prometheus.Timer
	if m.metrics != nil {
		timer = prometheus.NewTimer(m.metrics.AdminCallDuration.WithLabelValues(operation))
		defer timer.ObserveDuration()
	}

	resp, err := do()
	status := "success"
	defer func() {
		if m.metrics != nil {
			m.metrics.AdminCalls.WithLabelValues(operation, status).Inc()
		}
	}()

	if err != nil {
		status = "error"
		return fmt.Errorf("%s: %w", operation, err)
	}

	if resp.StatusCode() == http.StatusNotFound {
		if allowMissing {
			status = "missing"
			return nil
		}
		status = "not_found"
		return fmt.Errorf("%s: %w", operation, ErrNotFound)
	}

	if resp.IsError() {
		status = "error"
		return &APIError{Operation: operation, StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	m.logger.Debug("management call succeeded", "operation", operation, "status", resp.StatusCode())
	return nil
}

func (m *Management) req(ctx context.Context, params map[string]string) *resty.Request {
	p := map[string]string{"vhost": m.vhost}
	for k, v := range params {
		p[k] = v
	}
	return m.http.R().SetContext(ctx).SetPathParams(p)
}

// DeclareExchange declares a durable topic exchange.
func (m *Management) DeclareExchange(ctx context.Context, name string) error {
	return m.call("declare_exchange", false, func() (*resty.Response, error) {
		return m.req(ctx, map[string]string{"name": name}).
			SetBody(exchangeBody{Type: "topic", Durable: true, Arguments: map[string]any{}}).
			Put("/api/exchanges/{vhost}/{name}")
	})
}

// DeleteExchange deletes an exchange and all bindings to and from it.
func (m *Management) DeleteExchange(ctx context.Context, name string) error {
	return m.call("delete_exchange", true, func() (*resty.Response, error) {
		return m.req(ctx, map[string]string{"name": name}).Delete("/api/exchanges/{vhost}/{name}")
	})
}

// ExchangeExists reports whether the exchange is declared.
func (m *Management) ExchangeExists(ctx context.Context, name string) (bool, error) {
	err := m.call("get_exchange", false, func() (*resty.Response, error) {
		return m.req(ctx, map[string]string{"name": name}).Get("/api/exchanges/{vhost}/{name}")
	})
	return exists(err)
}

// DeclareQueue declares a queue.
func (m *Management) DeclareQueue(ctx context.Context, name string, opts QueueOptions) error {
	args := map[string]any{}
	if opts.ExpiresMillis > 0 {
		args["x-expires"] = opts.ExpiresMillis
	}
	return m.call("declare_queue", false, func() (*resty.Response, error) {
		return m.req(ctx, map[string]string{"name": name}).
			SetBody(queueBody{Durable: opts.Durable, Arguments: args}).
			Put("/api/queues/{vhost}/{name}")
	})
}

// DeleteQueue deletes a queue regardless of consumers or messages.
func (m *Management) DeleteQueue(ctx context.Context, name string) error {
	return m.call("delete_queue", true, func() (*resty.Response, error) {
		return m.req(ctx, map[string]string{"name": name}).Delete("/api/queues/{vhost}/{name}")
	})
}

// QueueExists reports whether the queue is declared.
func (m *Management) QueueExists(ctx context.Context, name string) (bool, error) {
	err := m.call("get_queue", false, func() (*resty.Response, error) {
		return m.req(ctx, map[string]string{"name": name}).Get("/api/queues/{vhost}/{name}")
	})
	return exists(err)
}

func exists(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

func destinationSegment(t DestinationType) string {
	if t == DestinationExchange {
		return "e"
	}
	return "q"
}

// DeclareBinding creates a binding. Declaring an existing binding is a no-op.
func (m *Management) DeclareBinding(ctx context.Context, b Binding) error {
	return m.call("declare_binding", false, func() (*resty.Response, error) {
		return m.req(ctx, map[string]string{
			"source":      b.Source,
			"destination": b.Destination,
			"kind":        destinationSegment(b.DestinationType),
		}).
			SetBody(bindingBody{RoutingKey: b.RoutingKey, Arguments: map[string]any{}}).
			Post("/api/bindings/{vhost}/e/{source}/{kind}/{destination}")
	})
}

// DeleteBinding deletes a listed binding by its properties key.
func (m *Management) DeleteBinding(ctx context.Context, b Binding) error {
	if b.PropertiesKey == "" {
		return errors.New("delete_binding: binding has no properties key")
	}
	return m.call("delete_binding", true, func() (*resty.Response, error) {
		return m.req(ctx, map[string]string{
			"source":      b.Source,
			"destination": b.Destination,
			"kind":        destinationSegment(b.DestinationType),
			"props":       b.PropertiesKey,
		}).Delete("/api/bindings/{vhost}/e/{source}/{kind}/{destination}/{props}")
	})
}

// ListBindings lists the bindings whose destination is the named entity.
func (m *Management) ListBindings(ctx context.Context, destination string, t DestinationType) ([]Binding, error) {
	path := "/api/queues/{vhost}/{name}/bindings"
	if t == DestinationExchange {
		path = "/api/exchanges/{vhost}/{name}/bindings/destination"
	}

	var infos []bindingInfo
	err := m.call("list_bindings", false, func() (*resty.Response, error) {
		return m.req(ctx, map[string]string{"name": destination}).SetResult(&infos).Get(path)
	})
	if err != nil {
		return nil, err
	}

	bindings := make([]Binding, 0, len(infos))
	for _, info := range infos {
		// The default exchange binds every queue implicitly and cannot be unbound.
		if info.Source == "" {
			continue
		}
		bindings = append(bindings, Binding{
			Source:          info.Source,
			Destination:     info.Destination,
			DestinationType: DestinationType(info.DestinationType),
			RoutingKey:      info.RoutingKey,
			PropertiesKey:   info.PropertiesKey,
		})
	}
	return bindings, nil
}

// PutUser creates the user or replaces its password.
func (m *Management) PutUser(ctx context.Context, name, password string) error {
	return m.call("put_user", false, func() (*resty.Response, error) {
		return m.http.R().SetContext(ctx).
			SetPathParam("name", name).
			SetBody(userBody{Password: password}).
			Put("/api/users/{name}")
	})
}

// DeleteUser deletes the user and its permissions.
func (m *Management) DeleteUser(ctx context.Context, name string) error {
	return m.call("delete_user", true, func() (*resty.Response, error) {
		return m.http.R().SetContext(ctx).SetPathParam("name", name).Delete("/api/users/{name}")
	})
}

// SetPermissions replaces the user's permissions on the vhost.
func (m *Management) SetPermissions(ctx context.Context, user string, p Permissions) error {
	return m.call("set_permissions", false, func() (*resty.Response, error) {
		return m.req(ctx, map[string]string{"user": user}).
			SetBody(permissionsBody{Configure: p.Configure, Write: p.Write, Read: p.Read}).
			Put("/api/permissions/{vhost}/{user}")
	})
}

// SetTopicPermissions replaces the user's topic permissions on one exchange.
func (m *Management) SetTopicPermissions(ctx context.Context, user string, p TopicPermissions) error {
	return m.call("set_topic_permissions", false, func() (*resty.Response, error) {
		return m.req(ctx, map[string]string{"user": user}).
			SetBody(topicPermissionsBody{Exchange: p.Exchange, Write: p.Write, Read: p.Read}).
			Put("/api/topic-permissions/{vhost}/{user}")
	})
}
