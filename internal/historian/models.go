// Package historian persists closed statistics buckets, pulse periods and
// command history, keeps the current-value and pulse caches in redis, and
// serializes durable writes through per-device single-writer shards.
package historian

import (
	"time"
)

// ObservationStatistics is one flushed statistics bucket.
type ObservationStatistics struct {
	Time          time.Time `gorm:"primaryKey"`
	Median        *float64
	DeviceID      string `gorm:"primaryKey;size:16"`
	Mode          string `gorm:"size:16;not null"`
	ObservationID int64  `gorm:"primaryKey;autoIncrement:false"`
	Step          int64  `gorm:"not null"`
	Count         int64  `gorm:"not null"`
	Mean          float64
	Min           float64
	Max           float64
	StdDev        float64
}

// TableName specifies the table name for ObservationStatistics model.
func (ObservationStatistics) TableName() string {
	return "observation_statistics"
}

// PulseHistory is one closed pulse period. Time is the period start.
type PulseHistory struct {
	Time                  time.Time `gorm:"primaryKey"`
	End                   time.Time `gorm:"not null"`
	DeviceID              string    `gorm:"primaryKey;size:16"`
	PulseID               int64     `gorm:"primaryKey;autoIncrement:false"`
	Count                 int64     `gorm:"not null"`
	MaximumAbsenceSeconds int64
}

// TableName specifies the table name for PulseHistory model.
func (PulseHistory) TableName() string {
	return "pulse_history"
}

// CommandRecord is one issued command and, once received, its response. Time is
// the issue time.
type CommandRecord struct {
	Time              time.Time `gorm:"primaryKey"`
	Expiry            *time.Time
	ResponseTime      *time.Time
	ResponseCode      *int
	DeviceID          string `gorm:"primaryKey;size:16"`
	Arguments         string `gorm:"type:text"`
	OriginApplication string
	OriginAccount     string
	OriginAddress     string
	OriginReference   string
	ResponseMessage   string
	ResponsePayload   string `gorm:"type:text"`
	CommandID         int64  `gorm:"primaryKey;autoIncrement:false"`
}

// TableName specifies the table name for CommandRecord model.
func (CommandRecord) TableName() string {
	return "command_history"
}

// CommandResponse fills the response fields of the command issued at Time.
type CommandResponse struct {
	Time         time.Time
	ResponseTime time.Time
	DeviceID     string
	Message      string
	Payload      string
	CommandID    int64
	Code         int
}
