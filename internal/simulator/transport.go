package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/iot-cloud/pkg/message"
	"procodus.dev/iot-cloud/pkg/mq"
	"procodus.dev/iot-cloud/pkg/naming"
)

// Transport delivers a device message under its routing key.
type Transport interface {
	Publish(ctx context.Context, deviceID, routingKey string, body []byte) error
	Name() string
}

// AMQPTransport publishes into the device exchange, as an AMQP device does.
type AMQPTransport struct {
	publisher mq.Publisher
	now       func() time.Time
}

// NewAMQPTransport creates an AMQPTransport.
func NewAMQPTransport(p mq.Publisher) (*AMQPTransport, error) {
	if p == nil {
		return nil, errors.New("publisher cannot be nil")
	}
	return &AMQPTransport{publisher: p, now: time.Now}, nil
}

// Name implements Transport.
func (t *AMQPTransport) Name() string {
	return "amqp"
}

// Publish implements Transport.
func (t *AMQPTransport) Publish(ctx context.Context, deviceID, routingKey string, body []byte) error {
	return t.publisher.Publish(ctx, naming.DeviceExchange(deviceID), routingKey, amqp.Publishing{
		ContentType:  message.ContentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    t.now(),
		Body:         body,
	})
}

// MQTTPublisher is the part of a paho client the transport uses.
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTTransport publishes through the broker's MQTT plugin, which maps topic
// levels to routing key words.
type MQTTTransport struct {
	client  MQTTPublisher
	timeout time.Duration
}

// NewMQTTTransport creates an MQTTTransport over a connected client.
func NewMQTTTransport(client MQTTPublisher, timeout time.Duration) (*MQTTTransport, error) {
	if client == nil {
		return nil, errors.New("mqtt client cannot be nil")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MQTTTransport{client: client, timeout: timeout}, nil
}

// Name implements Transport.
func (t *MQTTTransport) Name() string {
	return "mqtt"
}

// Topic converts a routing key to the MQTT topic the plugin maps back to it.
func Topic(routingKey string) string {
	return strings.ReplaceAll(routingKey, ".", "/")
}

// Publish implements Transport. Messages are sent with QoS 1.
func (t *MQTTTransport) Publish(ctx context.Context, _ string, routingKey string, body []byte) error {
	token := t.client.Publish(Topic(routingKey), 1, false, body)

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("publish to %s timed out", routingKey)
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", routingKey, err)
	}
	return nil
}

// MQTTConfig holds the connection settings of a simulated MQTT device.
type MQTTConfig struct {
	Logger *slog.Logger
	// Broker is the broker URL, e.g. tcp://localhost:1883.
	Broker   string
	ClientID string
	Username string
	Password string
}

// ConnectMQTT connects a paho client for a simulated device.
func ConnectMQTT(ctx context.Context, cfg *MQTTConfig) (mqtt.Client, error) {
	if cfg == nil {
		return nil, errors.New("mqtt config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker cannot be empty")
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.OnConnect = func(mqtt.Client) {
		cfg.Logger.Info("connected to mqtt broker", "broker", cfg.Broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		cfg.Logger.Warn("mqtt connection lost", "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}
	return client, nil
}
