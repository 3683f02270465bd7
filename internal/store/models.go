// Package store provides the PostgreSQL persistence layer for the crowd
// analytics pipeline: the device registry tables, the append-only reading and
// realtime update logs, and the read path used by dashboards.
package store

import (
	"time"

	"gorm.io/gorm"
)

// Device is the canonical identity of a camera or transit sensor. Devices are
// provisioned out of band (or seeded by the simulator); the ingestion
// pipeline only ever reads them, except for the online/last-seen bookkeeping
// done by the offline watchdog.
type Device struct {
	DeviceID        string         `gorm:"uniqueIndex;not null"`
	CameraID        uint           `gorm:"index"`
	OwnerBusinessID *int64         `gorm:"index"`
	IPAddress       string         `gorm:"index"`
	LocationLabel   string         `gorm:"not null"`
	LocationType    string         `gorm:"not null;default:general"`
	Online          bool           `gorm:"not null;default:true"`
	LastSeen        time.Time      `gorm:"index:idx_devices_last_seen"`
	CreatedAt       time.Time      `gorm:"autoCreateTime"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime"`
	DeletedAt       gorm.DeletedAt `gorm:"index"`
	ID              uint           `gorm:"primaryKey"`
	Readings        []Reading      `gorm:"foreignKey:DeviceID;references:DeviceID"`
}

// TableName specifies the table name for the Device model.
func (Device) TableName() string {
	return "devices"
}

// Reading is one persisted occupancy observation. Rows are append-only: the
// pipeline never updates or deletes them.
type Reading struct {
	Timestamp        time.Time `gorm:"index:idx_readings_device_ts;index:idx_readings_ts;not null"`
	CreatedAt        time.Time `gorm:"autoCreateTime"`
	DeviceID         string    `gorm:"index:idx_readings_device_ts;not null"`
	PeopleCount      int       `gorm:"not null"`
	Density          string    `gorm:"not null"`
	Confidence       float64   `gorm:"not null"`
	EntryCount       int       `gorm:"not null"`
	ExitCount        int       `gorm:"not null"`
	CurrentOccupancy int       `gorm:"not null"`
	TrendDirection   string    `gorm:"not null;default:stable"`
	LocationType     string    `gorm:"not null;default:general"`
	ProcessingTimeMs int       `gorm:"not null"`
	ImageSize        int       `gorm:"not null"`
	ID               uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for the Reading model.
func (Reading) TableName() string {
	return "readings"
}

// RealtimeUpdate is a fanout event derived from a reading or a device state
// change. Rows are append-only and pruned after the retention window; this is
// a best-effort live feed, not a durable queue.
type RealtimeUpdate struct {
	ID             string     `gorm:"primaryKey;size:36"`
	Type           string     `gorm:"index:idx_updates_type_created;not null"`
	SourceDeviceID string     `gorm:"index;not null"`
	Payload        []byte     `gorm:"type:jsonb;not null"`
	Priority       int        `gorm:"not null;default:1"`
	CreatedAt      time.Time  `gorm:"index:idx_updates_type_created;index:idx_updates_created"`
	ConsumedAt     *time.Time `gorm:""`
}

// TableName specifies the table name for the RealtimeUpdate model.
func (RealtimeUpdate) TableName() string {
	return "realtime_updates"
}

// VehicleArrival is one transit vehicle detection from a stop-mounted sensor.
// Append-only, like readings.
type VehicleArrival struct {
	CreatedAt               time.Time `gorm:"autoCreateTime;index:idx_arrivals_created"`
	DeviceID                string    `gorm:"index;not null"`
	VehicleNumber           string    `gorm:"not null"`
	VehicleType             string    `gorm:"not null;default:bus"`
	Status                  string    `gorm:"index;not null"`
	DistanceMeters          int       `gorm:"not null"`
	EstimatedArrivalSeconds int       `gorm:"not null"`
	OccupancyPercent        int       `gorm:"not null;default:50"`
	Confidence              float64   `gorm:"not null"`
	ID                      uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for the VehicleArrival model.
func (VehicleArrival) TableName() string {
	return "vehicle_arrivals"
}
