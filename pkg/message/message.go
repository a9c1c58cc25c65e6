// Package message defines the JSON payloads carried on the broker under the
// routing keys of package routing.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ContentType of every payload.
const ContentType = "application/json"

// AMQP headers carrying the provenance of a command.
const (
	HeaderOriginApplication = "OriginApplication"
	HeaderOriginAccount     = "OriginAccount"
	HeaderOriginAddress     = "OriginAddress"
	HeaderOriginReference   = "OriginReference"
)

// ErrEmptyValue is returned for an observation without a value.
var ErrEmptyValue = errors.New("observation has no value")

// Observation is a single observed value. Value is any JSON scalar.
type Observation struct {
	Time  time.Time       `json:"time"`
	Value json.RawMessage `json:"value"`
}

// Float returns the value as a number. Booleans are 0 or 1.
func (o Observation) Float() (float64, error) {
	v := bytes.TrimSpace(o.Value)
	if len(v) == 0 {
		return 0, ErrEmptyValue
	}
	switch string(v) {
	case "true":
		return 1, nil
	case "false":
		return 0, nil
	}
	f, err := strconv.ParseFloat(string(v), 64)
	if err != nil {
		return 0, fmt.Errorf("value %s is not numeric: %w", v, err)
	}
	return f, nil
}

// Formatted returns the compact JSON text of the value.
func (o Observation) Formatted() (string, error) {
	if len(bytes.TrimSpace(o.Value)) == 0 {
		return "", ErrEmptyValue
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, o.Value); err != nil {
		return "", fmt.Errorf("malformed value: %w", err)
	}
	return buf.String(), nil
}

// Command is issued to a device. Time is the issue time and part of the
// command's identity.
type Command struct {
	Time      time.Time       `json:"time"`
	Expiry    *time.Time      `json:"expiry,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	CommandID int64           `json:"command_id"`
}

// CommandResponse answers the command issued at Time.
type CommandResponse struct {
	Time         time.Time       `json:"time"`
	ResponseTime time.Time       `json:"response_time"`
	Message      string          `json:"message,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CommandID    int64           `json:"command_id"`
	Code         int             `json:"code"`
}

// Pulse is a device pulse. A heartbeat may be sent without a body.
type Pulse struct {
	Time    time.Time `json:"time"`
	PulseID int64     `json:"pulse_id"`
}

// NotificationKind says what changed.
type NotificationKind string

const (
	DeviceUpdated   NotificationKind = "device_updated"
	DeviceDeleted   NotificationKind = "device_deleted"
	TemplateUpdated NotificationKind = "template_updated"
)

// Notification announces a change of device or template metadata.
type Notification struct {
	Kind       NotificationKind `json:"kind"`
	DeviceID   string           `json:"device_id,omitempty"`
	TemplateID int64            `json:"template_id,omitempty"`
}

// Decode unmarshals a payload into v, rejecting an empty body.
func Decode(body []byte, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return errors.New("empty body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}
