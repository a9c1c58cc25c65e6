// Package simulator publishes the traffic of simulated devices: sensor
// observations, liveness heartbeats and answers to received commands.
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"procodus.dev/iot-cloud/pkg/generator"
	"procodus.dev/iot-cloud/pkg/message"
	"procodus.dev/iot-cloud/pkg/metrics"
	"procodus.dev/iot-cloud/pkg/routing"
)

// DefaultInterval is the publish interval of a simulator configured with none.
const DefaultInterval = 10 * time.Second

// Config holds the configuration for a Simulator.
type Config struct {
	Logger    *slog.Logger
	Transport Transport
	Devices   []*generator.Device
	// Interval defaults to DefaultInterval.
	Interval time.Duration
	// PulseEvery sends the heartbeat every n-th tick. Defaults to 1.
	PulseEvery int
	// Metrics is optional.
	Metrics *metrics.SimulatorMetrics
	// Now defaults to time.Now.
	Now func() time.Time
}

// Simulator publishes readings of its devices on every tick.
type Simulator struct {
	logger     *slog.Logger
	transport  Transport
	devices    []*generator.Device
	models     map[string]*generator.SensorModel
	interval   time.Duration
	pulseEvery int
	ticks      int
	metrics    *metrics.SimulatorMetrics
	now        func() time.Time
}

// New creates a Simulator.
func New(cfg *Config) (*Simulator, error) {
	if cfg == nil {
		return nil, errors.New("simulator config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Transport == nil {
		return nil, errors.New("transport cannot be nil")
	}

	if len(cfg.Devices) == 0 {
		return nil, errors.New("at least one device is required")
	}

	models := make(map[string]*generator.SensorModel, len(cfg.Devices))
	for _, d := range cfg.Devices {
		if d == nil || !routing.ValidDeviceID(d.ID) {
			return nil, fmt.Errorf("invalid simulated device %v", d)
		}
		models[d.ID] = generator.NewSensorModel(d)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	pulseEvery := cfg.PulseEvery
	if pulseEvery <= 0 {
		pulseEvery = 1
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Simulator{
		logger:     cfg.Logger,
		transport:  cfg.Transport,
		devices:    cfg.Devices,
		models:     models,
		interval:   interval,
		pulseEvery: pulseEvery,
		metrics:    cfg.Metrics,
		now:        now,
	}, nil
}

// Run publishes on every interval until ctx is done.
func (s *Simulator) Run(ctx context.Context) error {
	s.logger.Info("starting simulator",
		"devices", len(s.devices),
		"transport", s.transport.Name(),
		"interval", s.interval)

	if s.metrics != nil {
		s.metrics.ActiveDevices.Set(float64(len(s.devices)))
		defer s.metrics.ActiveDevices.Set(0)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil {
			s.logger.Warn("simulator tick failed", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("simulator stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick publishes one reading of every device, and the heartbeats when due.
func (s *Simulator) Tick(ctx context.Context) error {
	at := s.now().UTC()
	pulse := s.ticks%s.pulseEvery == 0
	s.ticks++

	var errs []error
	for _, d := range s.devices {
		if err := s.publishDevice(ctx, d, at, pulse); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Simulator) publishDevice(ctx context.Context, d *generator.Device, at time.Time, pulse bool) error {
	reading := s.models[d.ID].Next(at)
	values := reading.Values()

	ids := make([]int64, 0, len(values)+1)
	for id := range values {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var errs []error
	for _, id := range ids {
		raw := json.RawMessage(strconv.FormatFloat(values[id], 'f', -1, 64))
		if err := s.publish(ctx, d.ID, routing.ObservationKey(d.ID, id), message.Observation{Time: at, Value: raw}); err != nil {
			errs = append(errs, err)
		}
	}

	status, err := json.Marshal(d.Status)
	if err == nil {
		err = s.publish(ctx, d.ID, routing.ObservationKey(d.ID, generator.ObservationStatus), message.Observation{Time: at, Value: status})
	}
	if err != nil {
		errs = append(errs, err)
	}

	if pulse {
		if err := s.publish(ctx, d.ID, routing.DevicePulseKey(d.ID), message.Pulse{Time: at}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Simulator) publish(ctx context.Context, deviceID, key string, v any) error {
	category := routing.CategoryOf(key).String()

	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	if err := s.transport.Publish(ctx, deviceID, key, body); err != nil {
		if s.metrics != nil {
			s.metrics.PublishFailures.WithLabelValues(category, s.transport.Name()).Inc()
		}
		return fmt.Errorf("failed to publish %s: %w", key, err)
	}

	if s.metrics != nil {
		s.metrics.MessagesPublished.WithLabelValues(category, s.transport.Name()).Inc()
	}
	s.logger.Debug("simulated message published", "routing_key", key)
	return nil
}
