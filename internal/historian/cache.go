package historian

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"procodus.dev/iot-cloud/internal/pulse"
)

// RedisConfig holds the redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient creates a redis client and verifies the connection.
func NewRedisClient(ctx context.Context, cfg *RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		return nil, errors.New("redis config cannot be nil")
	}

	if cfg.Addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func currentValueKey(deviceID string) string {
	return "cv:" + deviceID
}

func pulseKey(deviceID string) string {
	return "pulse:" + deviceID
}

// CurrentValue is the latest value of one observation.
type CurrentValue struct {
	Time  time.Time
	Value string
}

func (v CurrentValue) encode() string {
	return strconv.FormatInt(v.Time.UnixMilli(), 10) + "," + v.Value
}

func decodeCurrentValue(s string) (CurrentValue, error) {
	ts, value, ok := strings.Cut(s, ",")
	if !ok {
		return CurrentValue{}, fmt.Errorf("malformed current value %q", s)
	}
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return CurrentValue{}, fmt.Errorf("malformed current value timestamp %q: %w", ts, err)
	}
	return CurrentValue{Time: time.UnixMilli(ms).UTC(), Value: value}, nil
}

// CurrentValueCache keeps the latest value of every observation of a device in
// the redis hash cv:<deviceID>, field <observationID>, as
// "<unixMillis>,<formattedValue>".
type CurrentValueCache struct {
	client *redis.Client
}

// NewCurrentValueCache creates a CurrentValueCache.
func NewCurrentValueCache(client *redis.Client) *CurrentValueCache {
	return &CurrentValueCache{client: client}
}

// Set stores v unless a newer value is already cached. It reports whether v
// was stored. The observation consumer is the only writer, so the read and the
// write need not be atomic.
func (c *CurrentValueCache) Set(ctx context.Context, deviceID string, observationID int64, v CurrentValue) (bool, error) {
	key := currentValueKey(deviceID)
	field := strconv.FormatInt(observationID, 10)

	existing, err := c.client.HGet(ctx, key, field).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return false, fmt.Errorf("failed to read current value: %w", err)
	default:
		if old, err := decodeCurrentValue(existing); err == nil && old.Time.After(v.Time) {
			return false, nil
		}
	}

	if err := c.client.HSet(ctx, key, field, v.encode()).Err(); err != nil {
		return false, fmt.Errorf("failed to store current value: %w", err)
	}
	return true, nil
}

// Get returns every cached value of the device keyed by observation id.
// Malformed entries are skipped.
func (c *CurrentValueCache) Get(ctx context.Context, deviceID string) (map[int64]CurrentValue, error) {
	fields, err := c.client.HGetAll(ctx, currentValueKey(deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read current values: %w", err)
	}

	values := make(map[int64]CurrentValue, len(fields))
	for f, raw := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			continue
		}
		v, err := decodeCurrentValue(raw)
		if err != nil {
			continue
		}
		values[id] = v
	}
	return values, nil
}

// Delete drops every cached value of the device.
func (c *CurrentValueCache) Delete(ctx context.Context, deviceID string) error {
	return c.client.Del(ctx, currentValueKey(deviceID)).Err()
}

// PulseCache implements pulse.Cache on the redis hash pulse:<deviceID>, field
// <pulseID>, holding {"From","To","Count"} JSON.
type PulseCache struct {
	client *redis.Client
}

var _ pulse.Cache = (*PulseCache)(nil)

// NewPulseCache creates a PulseCache.
func NewPulseCache(client *redis.Client) *PulseCache {
	return &PulseCache{client: client}
}

// Get implements pulse.Cache.
func (c *PulseCache) Get(ctx context.Context, key pulse.Key) (*pulse.Period, error) {
	raw, err := c.client.HGet(ctx, pulseKey(key.DeviceID), strconv.FormatInt(key.PulseID, 10)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pulse period: %w", err)
	}

	var p pulse.Period
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode pulse period: %w", err)
	}
	p.DeviceID, p.PulseID = key.DeviceID, key.PulseID
	return &p, nil
}

// Put implements pulse.Cache.
func (c *PulseCache) Put(ctx context.Context, p pulse.Period) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode pulse period: %w", err)
	}
	if err := c.client.HSet(ctx, pulseKey(p.DeviceID), strconv.FormatInt(p.PulseID, 10), raw).Err(); err != nil {
		return fmt.Errorf("failed to store pulse period: %w", err)
	}
	return nil
}
