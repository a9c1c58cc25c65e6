// Package pulse merges heartbeat and pulse events into contiguous liveness
// periods.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"procodus.dev/iot-cloud/pkg/metrics"
)

// DevicePulseID is the reserved liveness pulse of every device.
const DevicePulseID int64 = 0

// Key identifies the single open period of one pulse of one device.
type Key struct {
	DeviceID string
	PulseID  int64
}

// Event is one received pulse.
type Event struct {
	Time     time.Time
	DeviceID string
	PulseID  int64
}

// Period is a contiguous interval of observed pulses.
type Period struct {
	From           time.Time     `json:"From"`
	To             time.Time     `json:"To"`
	DeviceID       string        `json:"-"`
	PulseID        int64         `json:"-"`
	Count          int64         `json:"Count"`
	MaximumAbsence time.Duration `json:"-"`
}

// Key returns the key of the period.
func (p Period) Key() Key {
	return Key{DeviceID: p.DeviceID, PulseID: p.PulseID}
}

// Cache holds the open period of each key. Get returns nil without error for a
// key that has no open period.
type Cache interface {
	Get(ctx context.Context, key Key) (*Period, error)
	Put(ctx context.Context, p Period) error
}

// History persists closed periods.
type History interface {
	WritePeriod(ctx context.Context, p Period) error
}

// TrackerConfig holds the dependencies of a Tracker.
type TrackerConfig struct {
	Logger  *slog.Logger
	Cache   Cache
	History History
	// Metrics is optional.
	Metrics *metrics.IngestMetrics
}

// Tracker extends or rotates pulse periods.
type Tracker struct {
	logger  *slog.Logger
	cache   Cache
	history History
	metrics *metrics.IngestMetrics
}

// NewTracker creates a Tracker.
func NewTracker(cfg *TrackerConfig) (*Tracker, error) {
	if cfg == nil {
		return nil, errors.New("tracker config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Cache == nil {
		return nil, errors.New("cache cannot be nil")
	}

	if cfg.History == nil {
		return nil, errors.New("history cannot be nil")
	}

	return &Tracker{
		logger:  cfg.Logger,
		cache:   cfg.Cache,
		history: cfg.History,
		metrics: cfg.Metrics,
	}, nil
}

// Observe applies e to the open period of its key. When the gap since the last
// pulse exceeds maxAbsence the open period is written to history and a new one
// starts at e.Time. A pulse older than the period end counts without moving To
// backwards. The resulting open period is always written back to the cache.
func (t *Tracker) Observe(ctx context.Context, e Event, maxAbsence time.Duration) (Period, error) {
	key := Key{DeviceID: e.DeviceID, PulseID: e.PulseID}
	at := e.Time.UTC()

	current, err := t.cache.Get(ctx, key)
	if err != nil {
		return Period{}, fmt.Errorf("failed to read pulse period of %s pulse %d: %w", e.DeviceID, e.PulseID, err)
	}

	var next Period
	switch {
	case current == nil:
		next = Period{DeviceID: e.DeviceID, PulseID: e.PulseID, From: at, To: at, Count: 1}
	case at.Sub(current.To) > maxAbsence:
		closed := *current
		closed.DeviceID, closed.PulseID, closed.MaximumAbsence = e.DeviceID, e.PulseID, maxAbsence
		if err := t.history.WritePeriod(ctx, closed); err != nil {
			return Period{}, fmt.Errorf("failed to close pulse period of %s pulse %d: %w", e.DeviceID, e.PulseID, err)
		}
		if t.metrics != nil {
			t.metrics.PulsePeriodsClosed.Inc()
		}
		t.logger.Debug("pulse period closed",
			"device_id", e.DeviceID,
			"pulse_id", e.PulseID,
			"from", closed.From,
			"to", closed.To,
			"count", closed.Count)
		next = Period{DeviceID: e.DeviceID, PulseID: e.PulseID, From: at, To: at, Count: 1}
	default:
		next = *current
		next.DeviceID, next.PulseID = e.DeviceID, e.PulseID
		if at.After(next.To) {
			next.To = at
		}
		next.Count++
	}
	next.MaximumAbsence = maxAbsence

	if err := t.cache.Put(ctx, next); err != nil {
		return Period{}, fmt.Errorf("failed to store pulse period of %s pulse %d: %w", e.DeviceID, e.PulseID, err)
	}
	return next, nil
}

// MemoryCache is a Cache backed by a map.
type MemoryCache struct {
	mu      sync.Mutex
	periods map[Key]Period
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{periods: make(map[Key]Period)}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key Key) (*Period, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.periods[key]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// Put implements Cache.
func (c *MemoryCache) Put(_ context.Context, p Period) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.periods[p.Key()] = p
	return nil
}
