package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"procodus.dev/iot-cloud/pkg/metrics"
)

// ErrOutOfOrder is returned for a sample older than its open bucket.
var ErrOutOfOrder = errors.New("sample precedes open statistics bucket")

// Sample is one numeric observation value.
type Sample struct {
	Time          time.Time
	DeviceID      string
	ObservationID int64
	Value         float64
}

// Config is the statistics configuration of one template observation.
type Config struct {
	Mode Mode
	// Step is seconds for ModeTimeRange and samples for ModeSampleCount.
	Step int64
}

// Sink persists flushed statistics.
type Sink interface {
	WriteStatistics(ctx context.Context, s Statistics) error
}

// AggregatorConfig holds the dependencies of an Aggregator.
type AggregatorConfig struct {
	Logger *slog.Logger
	Sink   Sink
	// Store defaults to a MemoryStore.
	Store Store
	// Metrics is optional.
	Metrics *metrics.IngestMetrics
}

// Aggregator maintains one open bucket per key. It is not safe for concurrent
// use; the observation consumer owns it.
type Aggregator struct {
	logger  *slog.Logger
	sink    Sink
	store   Store
	metrics *metrics.IngestMetrics
}

// NewAggregator creates an Aggregator.
func NewAggregator(cfg *AggregatorConfig) (*Aggregator, error) {
	if cfg == nil {
		return nil, errors.New("aggregator config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Sink == nil {
		return nil, errors.New("sink cannot be nil")
	}

	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}

	return &Aggregator{
		logger:  cfg.Logger,
		sink:    cfg.Sink,
		store:   store,
		metrics: cfg.Metrics,
	}, nil
}

// Add folds s into the open bucket of its key, flushing the bucket first when
// s falls past its window. A failed flush leaves the old bucket open and s
// unaccounted.
func (a *Aggregator) Add(ctx context.Context, s Sample, cfg Config) error {
	key := Key{DeviceID: s.DeviceID, ObservationID: s.ObservationID}
	t := s.Time.UTC()

	b, ok := a.store.Get(key)
	if !ok {
		b = open(key, t, cfg)
		b.add(s.Value)
		a.store.Put(b)
		return nil
	}

	if t.Before(b.From) {
		return fmt.Errorf("%w: %s observation %d at %s, bucket starts %s",
			ErrOutOfOrder, s.DeviceID, s.ObservationID, t.Format(time.RFC3339), b.From.Format(time.RFC3339))
	}

	if !closes(b, t) {
		b.add(s.Value)
		return nil
	}

	if err := a.sink.WriteStatistics(ctx, b.Statistics()); err != nil {
		return fmt.Errorf("failed to flush statistics of %s observation %d: %w", s.DeviceID, s.ObservationID, err)
	}

	if a.metrics != nil {
		a.metrics.StatisticsFlushes.Inc()
	}
	a.logger.Debug("statistics bucket flushed",
		"device_id", s.DeviceID,
		"observation_id", s.ObservationID,
		"from", b.From,
		"count", b.Count)

	next := open(key, t, cfg)
	next.add(s.Value)
	a.store.Put(next)
	return nil
}

// Open returns the open bucket of key, if any.
func (a *Aggregator) Open(key Key) (*Bucket, bool) {
	return a.store.Get(key)
}

func closes(b *Bucket, t time.Time) bool {
	if b.Mode == ModeSampleCount {
		return b.Count >= b.Step
	}
	return !t.Before(b.To)
}

func open(key Key, t time.Time, cfg Config) *Bucket {
	b := &Bucket{Key: key, Mode: cfg.Mode}
	if cfg.Mode == ModeSampleCount {
		b.Step = cfg.Step
		if b.Step <= 0 {
			b.Step = 1
		}
		b.From, b.To = t, t.Add(time.Second)
		return b
	}

	b.Step = cfg.Step
	if b.Step <= 0 {
		b.Step = DefaultStep
	}
	b.From, b.To = Window(t, b.Step)
	return b
}
