// Package session provisions live application subscriptions on the broker:
// short-lived temporary endpoints, named persistent endpoints and the
// whitelist exchanges that restrict persistent endpoints to a device set.
package session

import (
	"errors"
	"fmt"

	"procodus.dev/iot-cloud/internal/broker"
	"procodus.dev/iot-cloud/pkg/naming"
	"procodus.dev/iot-cloud/pkg/routing"
)

var (
	// ErrNotFound is returned when a persistent endpoint has not been created.
	ErrNotFound = errors.New("session endpoint not found")
	// ErrInvalidRequest is returned for a request the caller was not allowed
	// to make or that selects nothing.
	ErrInvalidRequest = errors.New("invalid session request")
	// ErrUnsupportedProtocol is returned for sessions over anything but AMQP.
	ErrUnsupportedProtocol = errors.New("unsupported session protocol")
)

// Request selects the traffic of one template or one device a session sees
// and may send.
type Request struct {
	// DeviceID and TemplateID are mutually exclusive.
	DeviceID   string
	TemplateID int64

	AllCommands     bool
	CommandIDs      []int64
	AllObservations bool
	ObservationIDs  []int64
	DevicePulse     bool
	// ApplicationPulseIDs may only be requested by tenant users.
	ApplicationPulseIDs []int64

	// Snapshot delivers the current value of every selected observation when
	// the endpoint is created.
	Snapshot bool

	// Whitelist restricts a persistent template request to these devices.
	Whitelist []string
}

// wildcard reports whether the request selects everything originating at and
// addressed to its scope.
func (r Request) wildcard() bool {
	return r.AllCommands && r.AllObservations && r.DevicePulse
}

func (r Request) selectsObservations() bool {
	return r.AllObservations || len(r.ObservationIDs) > 0
}

// wantsObservation reports whether the observation id is selected.
func (r Request) wantsObservation(id int64) bool {
	if r.AllObservations {
		return true
	}
	for _, o := range r.ObservationIDs {
		if o == id {
			return true
		}
	}
	return false
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Validate checks the request against the owner's rights.
func (r Request) Validate(owner naming.Owner) error {
	hasDevice := r.DeviceID != ""
	hasTemplate := r.TemplateID != 0
	if hasDevice == hasTemplate {
		return invalid("exactly one of device id and template id must be set")
	}
	if hasDevice && !routing.ValidDeviceID(r.DeviceID) {
		return invalid("malformed device id %q", r.DeviceID)
	}
	if hasTemplate && r.TemplateID < 0 {
		return invalid("template id %d", r.TemplateID)
	}

	if !r.AllCommands && len(r.CommandIDs) == 0 && !r.selectsObservations() &&
		!r.DevicePulse && len(r.ApplicationPulseIDs) == 0 {
		return invalid("request selects nothing")
	}

	if len(r.ApplicationPulseIDs) > 0 && !owner.Tenant() {
		return invalid("application pulses require a tenant account")
	}
	for _, id := range r.ApplicationPulseIDs {
		if id <= 0 {
			return invalid("application pulse id %d is reserved", id)
		}
	}
	for _, id := range r.CommandIDs {
		if id <= 0 {
			return invalid("command id %d", id)
		}
	}
	for _, id := range r.ObservationIDs {
		if id <= 0 {
			return invalid("observation id %d", id)
		}
	}

	if len(r.Whitelist) > 0 && !hasTemplate {
		return invalid("a whitelist needs a template id")
	}
	for _, mid := range r.Whitelist {
		if !routing.ValidDeviceID(mid) {
			return invalid("malformed whitelisted device id %q", mid)
		}
	}
	return nil
}

// Bindings applies the binding matrix to r for the session s. Incoming
// bindings route from the scope's subscribe exchange into the session queue,
// outgoing ones from the session exchange into the scope's publish exchange.
// When s has a whitelist exchange and r names a template, both directions go
// through the whitelist instead.
func Bindings(s naming.Session, r Request) []broker.Binding {
	sub, pub := scopeExchanges(s, r)
	// The word wildcard matches any device of a template.
	dev := r.DeviceID
	if dev == "" {
		dev = routing.Word
	}

	var bindings []broker.Binding
	in := func(key string) {
		bindings = append(bindings, broker.ExchangeToQueue(sub, s.Queue, key))
	}
	out := func(key string) {
		bindings = append(bindings, broker.ExchangeToExchange(s.Exchange, pub, key))
	}

	if r.wildcard() {
		in(routing.AllOfDevice(r.DeviceID))
		out(routing.AllOfDevice(r.DeviceID))
	} else {
		if r.DevicePulse {
			in(routing.AllDevicePulses(r.DeviceID))
		}
		if r.AllCommands {
			in(routing.AllCommands(r.DeviceID))
			in(routing.AllCommandResponses(r.DeviceID))
			out(routing.AllCommands(r.DeviceID))
		} else {
			for _, id := range r.CommandIDs {
				in(routing.CommandKey(dev, id))
				in(routing.CommandResponseKey(dev, id))
				out(routing.CommandKey(dev, id))
			}
		}
		if r.AllObservations {
			in(routing.AllObservations(r.DeviceID))
		} else {
			for _, id := range r.ObservationIDs {
				in(routing.ObservationKey(dev, id))
			}
		}
	}

	for _, id := range r.ApplicationPulseIDs {
		out(routing.ApplicationPulseKey(dev, id))
	}
	return bindings
}

func scopeExchanges(s naming.Session, r Request) (sub, pub string) {
	if r.DeviceID != "" {
		x := naming.DeviceExchange(r.DeviceID)
		return x, x
	}
	if s.Whitelist != "" {
		return s.Whitelist, s.Whitelist
	}
	return naming.TemplateSubscribeExchange(r.TemplateID), naming.TemplatePublishExchange(r.TemplateID)
}

// WhitelistBindings connect a whitelist exchange to the template exchanges for
// one device.
func WhitelistBindings(whitelist string, templateID int64, deviceID string) []broker.Binding {
	key := routing.AllOfDevice(deviceID)
	return []broker.Binding{
		broker.ExchangeToExchange(naming.TemplateSubscribeExchange(templateID), whitelist, key),
		broker.ExchangeToExchange(whitelist, naming.TemplatePublishExchange(templateID), key),
	}
}
