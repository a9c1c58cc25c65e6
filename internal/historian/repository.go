package historian

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"procodus.dev/iot-cloud/internal/pulse"
	"procodus.dev/iot-cloud/internal/stats"
	"procodus.dev/iot-cloud/pkg/metrics"
)

// RepositoryConfig holds the configuration for a Repository.
type RepositoryConfig struct {
	Logger *slog.Logger
	DB     *gorm.DB
	// Writer is optional. Without it writes run on the caller's goroutine.
	Writer *Writer
	// Metrics is optional.
	Metrics *metrics.IngestMetrics
}

// Repository writes history rows. Inserts ignore rows whose natural key
// already exists, so redelivered messages are harmless.
type Repository struct {
	logger  *slog.Logger
	db      *gorm.DB
	writer  *Writer
	metrics *metrics.IngestMetrics
}

var (
	_ stats.Sink    = (*Repository)(nil)
	_ pulse.History = (*Repository)(nil)
)

// NewRepository creates a Repository.
func NewRepository(cfg *RepositoryConfig) (*Repository, error) {
	if cfg == nil {
		return nil, errors.New("repository config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.DB == nil {
		return nil, errors.New("database cannot be nil")
	}

	return &Repository{
		logger:  cfg.Logger,
		db:      cfg.DB,
		writer:  cfg.Writer,
		metrics: cfg.Metrics,
	}, nil
}

func (r *Repository) write(ctx context.Context, table, deviceID string, fn func(context.Context) error) error {
	var timer *prometheus.Timer
	if r.metrics != nil {
		timer = prometheus.NewTimer(r.metrics.StorageDuration.WithLabelValues(table))
		defer timer.ObserveDuration()
	}

	var err error
	if r.writer != nil {
		err = r.writer.Do(ctx, deviceID, fn)
	} else {
		err = fn(ctx)
	}

	if r.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		r.metrics.StorageWrites.WithLabelValues(table, status).Inc()
	}
	return err
}

func (r *Repository) insertIgnore(ctx context.Context, table, deviceID string, row any) error {
	return r.write(ctx, table, deviceID, func(ctx context.Context) error {
		res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
		if res.Error != nil {
			return fmt.Errorf("failed to insert into %s: %w", table, res.Error)
		}
		if res.RowsAffected == 0 {
			r.logger.Debug("duplicate history row ignored", "table", table, "device_id", deviceID)
		}
		return nil
	})
}

// WriteStatistics stores a flushed statistics bucket.
func (r *Repository) WriteStatistics(ctx context.Context, s stats.Statistics) error {
	row := &ObservationStatistics{
		Time:          s.Time.UTC(),
		DeviceID:      s.DeviceID,
		ObservationID: s.ObservationID,
		Mode:          s.Mode.String(),
		Step:          s.Step,
		Count:         s.Count,
		Mean:          s.Mean,
		Min:           s.Min,
		Max:           s.Max,
		StdDev:        s.StdDev,
		Median:        s.Median,
	}
	return r.insertIgnore(ctx, row.TableName(), s.DeviceID, row)
}

// WritePeriod stores a closed pulse period.
func (r *Repository) WritePeriod(ctx context.Context, p pulse.Period) error {
	row := &PulseHistory{
		Time:                  p.From.UTC(),
		End:                   p.To.UTC(),
		DeviceID:              p.DeviceID,
		PulseID:               p.PulseID,
		Count:                 p.Count,
		MaximumAbsenceSeconds: int64(p.MaximumAbsence.Seconds()),
	}
	return r.insertIgnore(ctx, row.TableName(), p.DeviceID, row)
}

// InsertCommand stores an issued command.
func (r *Repository) InsertCommand(ctx context.Context, c *CommandRecord) error {
	if c.Arguments != "" && !json.Valid([]byte(c.Arguments)) {
		return errors.New("command arguments are not valid JSON")
	}
	c.Time = c.Time.UTC()
	return r.insertIgnore(ctx, c.TableName(), c.DeviceID, c)
}

// UpdateCommandResponse fills the response fields of the matching command and
// reports whether a row matched.
func (r *Repository) UpdateCommandResponse(ctx context.Context, resp CommandResponse) (bool, error) {
	var updated bool
	err := r.write(ctx, CommandRecord{}.TableName(), resp.DeviceID, func(ctx context.Context) error {
		responseTime := resp.ResponseTime.UTC()
		code := resp.Code
		res := r.db.WithContext(ctx).
			Model(&CommandRecord{}).
			Where("time = ? AND device_id = ? AND command_id = ?", resp.Time.UTC(), resp.DeviceID, resp.CommandID).
			Updates(map[string]any{
				"response_time":    &responseTime,
				"response_code":    &code,
				"response_message": resp.Message,
				"response_payload": resp.Payload,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to update command response: %w", res.Error)
		}
		updated = res.RowsAffected > 0
		return nil
	})
	return updated, err
}
