package topology

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"procodus.dev/iot-cloud/pkg/metrics"
)

// DeviceRepository persists device records. It is owned by the device
// management service.
type DeviceRepository interface {
	CreateDevice(ctx context.Context, d Device) error
	DeleteDevice(ctx context.Context, deviceID string) error
}

// CompensationError reports what could not be undone after a failed
// provisioning. Either field may be nil.
type CompensationError struct {
	Topology   error
	Repository error
	DeviceID   string
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation of device %s incomplete: topology: %v, repository: %v",
		e.DeviceID, e.Topology, e.Repository)
}

// Unwrap returns the underlying failures.
func (e *CompensationError) Unwrap() []error {
	var errs []error
	if e.Topology != nil {
		errs = append(errs, e.Topology)
	}
	if e.Repository != nil {
		errs = append(errs, e.Repository)
	}
	return errs
}

// DefaultCompensationTimeout bounds a compensation run.
const DefaultCompensationTimeout = 30 * time.Second

// ProvisionerConfig holds the configuration for a Provisioner.
type ProvisionerConfig struct {
	Logger     *slog.Logger
	Manager    *Manager
	Repository DeviceRepository
	// Metrics is optional.
	Metrics *metrics.BrokerMetrics
	// CompensationTimeout defaults to DefaultCompensationTimeout.
	CompensationTimeout time.Duration
}

// Provisioner persists devices and creates their topology, compensating with
// best-effort deletion when topology creation fails.
type Provisioner struct {
	logger              *slog.Logger
	manager             *Manager
	repo                DeviceRepository
	metrics             *metrics.BrokerMetrics
	compensationTimeout time.Duration
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(cfg *ProvisionerConfig) (*Provisioner, error) {
	if cfg == nil {
		return nil, errors.New("provisioner config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Manager == nil {
		return nil, errors.New("topology manager cannot be nil")
	}

	if cfg.Repository == nil {
		return nil, errors.New("device repository cannot be nil")
	}

	timeout := cfg.CompensationTimeout
	if timeout <= 0 {
		timeout = DefaultCompensationTimeout
	}

	return &Provisioner{
		logger:              cfg.Logger,
		manager:             cfg.Manager,
		repo:                cfg.Repository,
		metrics:             cfg.Metrics,
		compensationTimeout: timeout,
	}, nil
}

// ProvisionDevice stores d and creates its topology. If the topology cannot be
// created the record and any partial topology are deleted again; a failure of
// that cleanup is logged and the original error is returned.
func (p *Provisioner) ProvisionDevice(ctx context.Context, d Device) (Credentials, error) {
	if err := validateDevice(d); err != nil {
		return Credentials{}, err
	}

	if err := p.repo.CreateDevice(ctx, d); err != nil {
		return Credentials{}, fmt.Errorf("failed to store device %s: %w", d.ID, err)
	}

	creds, err := p.manager.CreateDeviceTopology(ctx, d)
	if err == nil {
		return creds, nil
	}

	p.logger.Error("device topology creation failed, compensating", "device_id", d.ID, "error", err)
	if cerr := p.Compensate(ctx, d.ID); cerr != nil {
		p.logger.Error("compensation failed", "device_id", d.ID, "error", cerr)
	}
	return Credentials{}, fmt.Errorf("failed to provision device %s: %w", d.ID, err)
}

// Compensate deletes the topology and the record of the device. It runs on
// its own deadline so that it still runs after the caller's context expired.
func (p *Provisioner) Compensate(ctx context.Context, deviceID string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.compensationTimeout)
	defer cancel()

	cerr := &CompensationError{DeviceID: deviceID}
	cerr.Topology = p.manager.DeleteDeviceTopology(ctx, deviceID)
	cerr.Repository = p.repo.DeleteDevice(ctx, deviceID)

	status := "success"
	defer func() {
		if p.metrics != nil {
			p.metrics.Compensations.WithLabelValues(status).Inc()
		}
	}()

	if cerr.Topology != nil || cerr.Repository != nil {
		status = "error"
		return cerr
	}
	p.logger.Info("device provisioning compensated", "device_id", deviceID)
	return nil
}

// DeprovisionDevice deletes the topology and then the record of the device.
func (p *Provisioner) DeprovisionDevice(ctx context.Context, deviceID string) error {
	if err := p.manager.DeleteDeviceTopology(ctx, deviceID); err != nil {
		return err
	}
	if err := p.repo.DeleteDevice(ctx, deviceID); err != nil {
		return fmt.Errorf("failed to delete device %s: %w", deviceID, err)
	}
	return nil
}
