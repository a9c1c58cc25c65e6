// Package naming derives broker exchange, queue and account names from device,
// template, owner and subscription identifiers. Every name is a pure function of
// its ids and is prefixed by its id space so names from different spaces never
// collide.
package naming

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Historian entities are system-wide.
const (
	HistorianExchange           = "historian"
	HistorianCommandQueue       = "historian.commands"
	HistorianObservationQueue   = "historian.observations"
	HistorianPulseQueue         = "historian.pulses"
	HistorianNotificationQueue  = "historian.notifications"
	DefaultMQTTExchange         = "amq.topic"
	mqttSubscriptionQueuePrefix = "mqtt-subscription-"
)

// Nothing is a permission regex that matches no resource.
const Nothing = "^$"

// Protocol is the wire protocol a device connects with.
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolAMQP
	ProtocolMQTT
	ProtocolBoth
)

// ErrUnknownProtocol is returned by ParseProtocol.
var ErrUnknownProtocol = errors.New("unknown protocol")

// ParseProtocol parses "amqp", "mqtt" or "both" (case-insensitive).
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "amqp":
		return ProtocolAMQP, nil
	case "mqtt":
		return ProtocolMQTT, nil
	case "both":
		return ProtocolBoth, nil
	default:
		return ProtocolUnknown, fmt.Errorf("%w: %q", ErrUnknownProtocol, s)
	}
}

func (p Protocol) String() string {
	switch p {
	case ProtocolAMQP:
		return "amqp"
	case ProtocolMQTT:
		return "mqtt"
	case ProtocolBoth:
		return "both"
	default:
		return "unknown"
	}
}

// UsesQueue reports whether the device consumes from its own point-to-point queue.
func (p Protocol) UsesQueue() bool {
	return p == ProtocolAMQP || p == ProtocolBoth
}

// UsesMQTT reports whether the device is reached through the shared MQTT exchange.
func (p Protocol) UsesMQTT() bool {
	return p == ProtocolMQTT || p == ProtocolBoth
}

// DeviceExchange is the topic exchange every message of a device passes through.
func DeviceExchange(deviceID string) string {
	return "d." + deviceID
}

// DeviceQueue is the queue the device consumes from when connected with p.
// MQTT devices use the queue the broker's MQTT plugin creates for QoS 1
// subscriptions of client id deviceID. Both maps to the AMQP queue.
func DeviceQueue(deviceID string, p Protocol) string {
	if p == ProtocolMQTT {
		return mqttSubscriptionQueuePrefix + deviceID + "qos1"
	}
	return "d." + deviceID + ".q"
}

// DeviceMQTTQueues are the plugin-managed queues of an MQTT client id.
func DeviceMQTTQueues(deviceID string) []string {
	return []string{
		mqttSubscriptionQueuePrefix + deviceID + "qos0",
		mqttSubscriptionQueuePrefix + deviceID + "qos1",
	}
}

// DeviceAccount is the broker user name of a device.
func DeviceAccount(deviceID string) string {
	return deviceID
}

// TemplatePublishExchange receives traffic addressed to devices of a template.
func TemplatePublishExchange(templateID int64) string {
	return "t." + strconv.FormatInt(templateID, 10) + ".pub"
}

// TemplateSubscribeExchange receives traffic originating at devices of a template.
func TemplateSubscribeExchange(templateID int64) string {
	return "t." + strconv.FormatInt(templateID, 10) + ".sub"
}

// OwnerKind distinguishes applications from tenant-level user accounts.
type OwnerKind int

const (
	OwnerApplication OwnerKind = iota
	OwnerTenantUser
)

// Owner is the application or tenant user a live session belongs to.
type Owner struct {
	ID   string
	Kind OwnerKind
}

// Tag is the owner's id-space-qualified token used inside entity names.
func (o Owner) Tag() string {
	if o.Kind == OwnerTenantUser {
		return "u" + o.ID
	}
	return "a" + o.ID
}

// Tenant reports whether the owner is a tenant-level account.
func (o Owner) Tenant() bool {
	return o.Kind == OwnerTenantUser
}

// Session holds the derived entity names of one live session.
type Session struct {
	Exchange  string
	Queue     string
	Account   string
	Whitelist string
}

// TemporarySession names the entities of a temporary session.
func TemporarySession(owner Owner, sessionKey string) Session {
	base := "tmp." + owner.Tag() + "." + sessionKey
	return Session{
		Exchange: base + ".x",
		Queue:    base + ".q",
		Account:  base,
	}
}

// PersistentSession names the entities of a persistent subscription.
func PersistentSession(owner Owner, subscriptionKey string) Session {
	base := "sub." + owner.Tag() + "." + subscriptionKey
	return Session{
		Exchange:  base + ".x",
		Queue:     base + ".q",
		Account:   base,
		Whitelist: base + ".wl",
	}
}

// InitExchange is the short-lived exchange used to deliver a snapshot to queue.
func InitExchange(queue string) string {
	return "init." + queue
}

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidSubscriptionKey reports whether key may be embedded in entity names.
func ValidSubscriptionKey(key string) bool {
	return tokenPattern.MatchString(key)
}

// ValidOwnerID reports whether id may be embedded in entity names.
func ValidOwnerID(id string) bool {
	return tokenPattern.MatchString(id)
}

// Exact builds a permission regex matching exactly the given names.
func Exact(names ...string) string {
	if len(names) == 0 {
		return Nothing
	}
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = regexp.QuoteMeta(n)
	}
	if len(quoted) == 1 {
		return "^" + quoted[0] + "$"
	}
	return "^(" + strings.Join(quoted, "|") + ")$"
}

// Prefix builds a permission regex matching names that start with p.
func Prefix(p string) string {
	return "^" + regexp.QuoteMeta(p)
}
