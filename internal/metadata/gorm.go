package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"procodus.dev/iot-cloud/internal/stats"
	"procodus.dev/iot-cloud/pkg/naming"
)

// DefaultDevicePulseAbsence applies to templates without a configured absence.
const DefaultDevicePulseAbsence = 5 * time.Minute

// DeviceRow is a row of the devices table.
type DeviceRow struct {
	ID         string `gorm:"primaryKey;size:16"`
	Protocol   string `gorm:"size:8;not null"`
	TemplateID int64  `gorm:"index;not null"`
}

// TableName specifies the table name for DeviceRow model.
func (DeviceRow) TableName() string {
	return "devices"
}

// TemplateRow is a row of the templates table.
type TemplateRow struct {
	ID                        int64 `gorm:"primaryKey;autoIncrement:false"`
	DevicePulseAbsenceSeconds int64
}

// TableName specifies the table name for TemplateRow model.
func (TemplateRow) TableName() string {
	return "templates"
}

// TemplateObservationRow is a row of the template_observations table.
type TemplateObservationRow struct {
	ValueType     string `gorm:"size:16;not null"`
	HistorianMode string `gorm:"size:16;not null"`
	TemplateID    int64  `gorm:"primaryKey;autoIncrement:false"`
	ObservationID int64  `gorm:"primaryKey;autoIncrement:false"`
	// StatisticsCount selects sample-count windows of HistorianStep samples.
	StatisticsCount bool
	HistorianStep   int64
}

// TableName specifies the table name for TemplateObservationRow model.
func (TemplateObservationRow) TableName() string {
	return "template_observations"
}

// TemplateCommandRow is a row of the template_commands table.
type TemplateCommandRow struct {
	TemplateID int64 `gorm:"primaryKey;autoIncrement:false"`
	CommandID  int64 `gorm:"primaryKey;autoIncrement:false"`
}

// TableName specifies the table name for TemplateCommandRow model.
func (TemplateCommandRow) TableName() string {
	return "template_commands"
}

// TemplatePulseRow is a row of the template_pulses table.
type TemplatePulseRow struct {
	TemplateID            int64 `gorm:"primaryKey;autoIncrement:false"`
	PulseID               int64 `gorm:"primaryKey;autoIncrement:false"`
	MaximumAbsenceSeconds int64 `gorm:"not null"`
}

// TableName specifies the table name for TemplatePulseRow model.
func (TemplatePulseRow) TableName() string {
	return "template_pulses"
}

// Models lists the metadata tables for migrations.
func Models() []any {
	return []any{
		&DeviceRow{},
		&TemplateRow{},
		&TemplateObservationRow{},
		&TemplateCommandRow{},
		&TemplatePulseRow{},
	}
}

// GormDirectory reads devices and templates from postgres.
type GormDirectory struct {
	db *gorm.DB
}

var _ Directory = (*GormDirectory)(nil)

// NewGormDirectory creates a GormDirectory.
func NewGormDirectory(db *gorm.DB) (*GormDirectory, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	return &GormDirectory{db: db}, nil
}

// Device implements Directory.
func (d *GormDirectory) Device(ctx context.Context, deviceID string) (Device, error) {
	var row DeviceRow
	err := d.db.WithContext(ctx).Where("id = ?", deviceID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Device{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if err != nil {
		return Device{}, fmt.Errorf("failed to load device %s: %w", deviceID, err)
	}

	protocol, err := naming.ParseProtocol(row.Protocol)
	if err != nil {
		return Device{}, fmt.Errorf("device %s: %w", deviceID, err)
	}
	return Device{ID: row.ID, TemplateID: row.TemplateID, Protocol: protocol}, nil
}

// Template implements Directory.
func (d *GormDirectory) Template(ctx context.Context, templateID int64) (Template, error) {
	db := d.db.WithContext(ctx)

	var row TemplateRow
	err := db.Where("id = ?", templateID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Template{}, fmt.Errorf("%w: %d", ErrUnknownTemplate, templateID)
	}
	if err != nil {
		return Template{}, fmt.Errorf("failed to load template %d: %w", templateID, err)
	}

	var observations []TemplateObservationRow
	if err := db.Where("template_id = ?", templateID).Find(&observations).Error; err != nil {
		return Template{}, fmt.Errorf("failed to load observations of template %d: %w", templateID, err)
	}

	var commands []TemplateCommandRow
	if err := db.Where("template_id = ?", templateID).Find(&commands).Error; err != nil {
		return Template{}, fmt.Errorf("failed to load commands of template %d: %w", templateID, err)
	}

	var pulses []TemplatePulseRow
	if err := db.Where("template_id = ?", templateID).Find(&pulses).Error; err != nil {
		return Template{}, fmt.Errorf("failed to load pulses of template %d: %w", templateID, err)
	}

	t := Template{
		ID:                 templateID,
		DevicePulseAbsence: time.Duration(row.DevicePulseAbsenceSeconds) * time.Second,
		Observations:       make(map[int64]Observation, len(observations)),
		Commands:           make(map[int64]bool, len(commands)),
		Pulses:             make(map[int64]Pulse, len(pulses)),
	}
	if t.DevicePulseAbsence <= 0 {
		t.DevicePulseAbsence = DefaultDevicePulseAbsence
	}
	for _, o := range observations {
		t.Observations[o.ObservationID] = observationFromRow(o)
	}
	for _, c := range commands {
		t.Commands[c.CommandID] = true
	}
	for _, p := range pulses {
		t.Pulses[p.PulseID] = Pulse{ID: p.PulseID, MaximumAbsence: time.Duration(p.MaximumAbsenceSeconds) * time.Second}
	}
	return t, nil
}

func observationFromRow(r TemplateObservationRow) Observation {
	o := Observation{ID: r.ObservationID}
	switch r.ValueType {
	case "text":
		o.Type = ValueText
	case "boolean":
		o.Type = ValueBoolean
	default:
		o.Type = ValueNumeric
	}
	if r.HistorianMode == "statistics" {
		o.HistorianMode = HistorianStatistics
	}
	o.Statistics = stats.Config{Mode: stats.ModeTimeRange, Step: r.HistorianStep}
	if r.StatisticsCount {
		o.Statistics.Mode = stats.ModeSampleCount
	}
	return o
}

// CreateDevice stores a device record.
func (d *GormDirectory) CreateDevice(ctx context.Context, dev Device) error {
	row := &DeviceRow{ID: dev.ID, TemplateID: dev.TemplateID, Protocol: dev.Protocol.String()}
	if err := d.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to create device %s: %w", dev.ID, err)
	}
	return nil
}

// DeleteDevice deletes a device record. Deleting a missing device is not an
// error.
func (d *GormDirectory) DeleteDevice(ctx context.Context, deviceID string) error {
	if err := d.db.WithContext(ctx).Where("id = ?", deviceID).Delete(&DeviceRow{}).Error; err != nil {
		return fmt.Errorf("failed to delete device %s: %w", deviceID, err)
	}
	return nil
}

// UpdateDeviceTemplate reassigns the template of a device record.
func (d *GormDirectory) UpdateDeviceTemplate(ctx context.Context, deviceID string, templateID int64) error {
	res := d.db.WithContext(ctx).Model(&DeviceRow{}).Where("id = ?", deviceID).Update("template_id", templateID)
	if res.Error != nil {
		return fmt.Errorf("failed to update device %s: %w", deviceID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return nil
}

// DevicesOfTemplate lists the ids of the devices assigned to a template.
func (d *GormDirectory) DevicesOfTemplate(ctx context.Context, templateID int64) ([]string, error) {
	var ids []string
	err := d.db.WithContext(ctx).Model(&DeviceRow{}).
		Where("template_id = ?", templateID).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list devices of template %d: %w", templateID, err)
	}
	return ids, nil
}
