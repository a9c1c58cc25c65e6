// Package metadata resolves devices and their templates for the ingestion
// pipeline. Device and template records are owned by the device management
// service; this package only reads them.
package metadata

import (
	"context"
	"errors"
	"time"

	"procodus.dev/iot-cloud/internal/stats"
	"procodus.dev/iot-cloud/pkg/naming"
)

var (
	// ErrUnknownDevice is returned for a device id with no device record.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrUnknownTemplate is returned for a template id with no template record.
	ErrUnknownTemplate = errors.New("unknown template")
)

// ValueType is the value type of an observation.
type ValueType int

const (
	ValueNumeric ValueType = iota
	ValueText
	ValueBoolean
)

// HistorianMode selects what the historian keeps of an observation.
type HistorianMode int

const (
	// HistorianNone keeps only the current value.
	HistorianNone HistorianMode = iota
	// HistorianStatistics aggregates numeric samples into statistics buckets.
	HistorianStatistics
)

// Device is the identity of a provisioned device.
type Device struct {
	ID         string
	TemplateID int64
	Protocol   naming.Protocol
}

// Observation is an observation declared by a template.
type Observation struct {
	ID            int64
	Type          ValueType
	HistorianMode HistorianMode
	Statistics    stats.Config
}

// StatisticsEligible reports whether samples of the observation feed the
// statistics aggregator.
func (o Observation) StatisticsEligible() bool {
	return o.Type == ValueNumeric && o.HistorianMode == HistorianStatistics
}

// Pulse is an application pulse declared by a template.
type Pulse struct {
	ID             int64
	MaximumAbsence time.Duration
}

// Template is a device type definition.
type Template struct {
	Observations map[int64]Observation
	Commands     map[int64]bool
	Pulses       map[int64]Pulse
	ID           int64
	// DevicePulseAbsence is the maximum absence of the device liveness pulse.
	DevicePulseAbsence time.Duration
}

// Observation returns the declared observation id.
func (t Template) Observation(id int64) (Observation, bool) {
	o, ok := t.Observations[id]
	return o, ok
}

// HasCommand reports whether the template declares command id.
func (t Template) HasCommand(id int64) bool {
	return t.Commands[id]
}

// Pulse returns the declared pulse id. The device liveness pulse 0 is always
// declared.
func (t Template) Pulse(id int64) (Pulse, bool) {
	if id == 0 {
		return Pulse{ID: 0, MaximumAbsence: t.DevicePulseAbsence}, true
	}
	p, ok := t.Pulses[id]
	return p, ok
}

// Directory looks up devices and templates.
type Directory interface {
	Device(ctx context.Context, deviceID string) (Device, error)
	Template(ctx context.Context, templateID int64) (Template, error)
}
