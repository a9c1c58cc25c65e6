package metadata

import (
	"context"
	"errors"
	"sync"
)

// CachedDirectory memoizes a Directory until a record is invalidated. Lookup
// failures are not cached, and neither is a record loaded while an
// invalidation of the same kind ran.
type CachedDirectory struct {
	next      Directory
	mu        sync.RWMutex
	devices   map[string]Device
	templates map[int64]Template

	// Bumped by every invalidation.
	deviceEpoch   uint64
	templateEpoch uint64
}

var _ Directory = (*CachedDirectory)(nil)

// NewCachedDirectory wraps next.
func NewCachedDirectory(next Directory) (*CachedDirectory, error) {
	if next == nil {
		return nil, errors.New("directory cannot be nil")
	}
	return &CachedDirectory{
		next:      next,
		devices:   make(map[string]Device),
		templates: make(map[int64]Template),
	}, nil
}

// Device implements Directory.
func (c *CachedDirectory) Device(ctx context.Context, deviceID string) (Device, error) {
	c.mu.RLock()
	d, ok := c.devices[deviceID]
	epoch := c.deviceEpoch
	c.mu.RUnlock()
	if ok {
		return d, nil
	}

	d, err := c.next.Device(ctx, deviceID)
	if err != nil {
		return Device{}, err
	}

	c.mu.Lock()
	if c.deviceEpoch == epoch {
		c.devices[deviceID] = d
	}
	c.mu.Unlock()
	return d, nil
}

// Template implements Directory.
func (c *CachedDirectory) Template(ctx context.Context, templateID int64) (Template, error) {
	c.mu.RLock()
	t, ok := c.templates[templateID]
	epoch := c.templateEpoch
	c.mu.RUnlock()
	if ok {
		return t, nil
	}

	t, err := c.next.Template(ctx, templateID)
	if err != nil {
		return Template{}, err
	}

	c.mu.Lock()
	if c.templateEpoch == epoch {
		c.templates[templateID] = t
	}
	c.mu.Unlock()
	return t, nil
}

// InvalidateDevice drops the cached device.
func (c *CachedDirectory) InvalidateDevice(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.devices, deviceID)
	c.deviceEpoch++
}

// InvalidateTemplate drops the cached template.
func (c *CachedDirectory) InvalidateTemplate(templateID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.templates, templateID)
	c.templateEpoch++
}
