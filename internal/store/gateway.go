package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"procodus.dev/crowdwatch/pkg/metrics"
)

// Gateway is the persistence gateway for the ingestion pipeline: append-only
// writers for readings, realtime updates and vehicle arrivals, plus the read
// path the dashboards poll. Row-level atomicity comes from the store's own
// single-row insert guarantees; the gateway adds no locking of its own.
type Gateway struct {
	logger  *slog.Logger
	db      *gorm.DB
	metrics *metrics.StoreMetrics // Optional metrics
}

// NewGateway creates a new Gateway instance.
func NewGateway(logger *slog.Logger, db *gorm.DB, m *metrics.StoreMetrics) (*Gateway, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if db == nil {
		return nil, errors.New("database cannot be nil")
	}

	return &Gateway{
		logger:  logger,
		db:      db,
		metrics: m,
	}, nil
}

// ReadingFilter narrows the dashboard read query.
type ReadingFilter struct {
	DeviceID     string
	LocationType string
	Hours        int
	Limit        int
}

// Summary aggregates the readings matched by a ReadingFilter.
type Summary struct {
	TotalAnalyses    int64   `json:"total_analyses"`
	AvgPeopleCount   float64 `json:"avg_people_count"`
	MaxPeopleCount   int     `json:"max_people_count"`
	HighDensityCount int64   `json:"high_density_count"`
	AvgConfidence    float64 `json:"avg_confidence"`
}

// InsertReading appends one reading. The insert is a single atomic row write;
// a reading is never visible to fanout consumers before this returns.
func (g *Gateway) InsertReading(ctx context.Context, reading *Reading) error {
	if reading == nil {
		return errors.New("reading cannot be nil")
	}

	done := g.observe("insert", "readings")
	err := g.db.WithContext(ctx).Create(reading).Error
	done(err)
	if err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}
	return nil
}

// InsertUpdate appends one realtime update row for polling consumers.
func (g *Gateway) InsertUpdate(ctx context.Context, update *RealtimeUpdate) error {
	if update == nil {
		return errors.New("update cannot be nil")
	}

	done := g.observe("insert", "realtime_updates")
	err := g.db.WithContext(ctx).Create(update).Error
	done(err)
	if err != nil {
		return fmt.Errorf("failed to insert realtime update: %w", err)
	}
	return nil
}

// InsertArrival appends one vehicle arrival.
func (g *Gateway) InsertArrival(ctx context.Context, arrival *VehicleArrival) error {
	if arrival == nil {
		return errors.New("arrival cannot be nil")
	}

	done := g.observe("insert", "vehicle_arrivals")
	err := g.db.WithContext(ctx).Create(arrival).Error
	done(err)
	if err != nil {
		return fmt.Errorf("failed to insert vehicle arrival: %w", err)
	}
	return nil
}

// QueryReadings returns the readings matching the filter, newest first,
// together with their aggregate summary.
func (g *Gateway) QueryReadings(ctx context.Context, filter ReadingFilter) ([]Reading, *Summary, error) {
	hours := filter.Hours
	if hours <= 0 {
		hours = 24
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	scope := g.db.WithContext(ctx).Model(&Reading{}).Where("timestamp > ?", since)
	if filter.DeviceID != "" {
		scope = scope.Where("device_id = ?", filter.DeviceID)
	}
	if filter.LocationType != "" {
		scope = scope.Where("location_type = ?", filter.LocationType)
	}

	var readings []Reading
	done := g.observe("select", "readings")
	err := scope.Session(&gorm.Session{}).
		Order("timestamp DESC").
		Limit(limit).
		Find(&readings).Error
	done(err)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query readings: %w", err)
	}

	var summary Summary
	done = g.observe("select", "readings")
	err = scope.Session(&gorm.Session{}).
		Select(`COUNT(*) AS total_analyses,
			COALESCE(AVG(people_count), 0) AS avg_people_count,
			COALESCE(MAX(people_count), 0) AS max_people_count,
			COUNT(CASE WHEN density IN ('high', 'overcrowded') THEN 1 END) AS high_density_count,
			COALESCE(AVG(confidence), 0) AS avg_confidence`).
		Scan(&summary).Error
	done(err)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to summarize readings: %w", err)
	}

	return readings, &summary, nil
}

// RecentUpdates returns updates created after since, highest priority first.
// Polling dashboards use this to reconcile events they missed while
// disconnected from the live feed.
func (g *Gateway) RecentUpdates(ctx context.Context, since time.Time, limit int) ([]RealtimeUpdate, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var updates []RealtimeUpdate
	done := g.observe("select", "realtime_updates")
	err := g.db.WithContext(ctx).
		Where("created_at > ?", since).
		Order("priority DESC, created_at DESC").
		Limit(limit).
		Find(&updates).Error
	done(err)
	if err != nil {
		return nil, fmt.Errorf("failed to query realtime updates: %w", err)
	}
	return updates, nil
}

// PruneUpdates deletes realtime updates older than the cutoff and returns the
// number of rows removed. Readings are never pruned.
func (g *Gateway) PruneUpdates(ctx context.Context, olderThan time.Time) (int64, error) {
	done := g.observe("delete", "realtime_updates")
	result := g.db.WithContext(ctx).
		Where("created_at < ?", olderThan).
		Delete(&RealtimeUpdate{})
	done(result.Error)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune realtime updates: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// MarkDeviceSeen records that a device produced a reading. Best-effort
// bookkeeping for the offline watchdog; failures are the caller's to log,
// never to surface.
func (g *Gateway) MarkDeviceSeen(ctx context.Context, deviceID string, at time.Time) error {
	done := g.observe("update", "devices")
	err := g.db.WithContext(ctx).
		Model(&Device{}).
		Where("device_id = ?", deviceID).
		Updates(map[string]interface{}{"last_seen": at, "online": true}).Error
	done(err)
	if err != nil {
		return fmt.Errorf("failed to mark device seen: %w", err)
	}
	return nil
}

// MarkDevicesOffline flags online devices unseen since the cutoff and returns
// the flagged rows so the caller can emit device_status updates for them.
func (g *Gateway) MarkDevicesOffline(ctx context.Context, cutoff time.Time) ([]Device, error) {
	var stale []Device
	done := g.observe("select", "devices")
	err := g.db.WithContext(ctx).
		Where("online = ? AND last_seen < ?", true, cutoff).
		Find(&stale).Error
	done(err)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale devices: %w", err)
	}

	if len(stale) == 0 {
		return nil, nil
	}

	ids := make([]uint, len(stale))
	for i, d := range stale {
		ids[i] = d.ID
	}

	done = g.observe("update", "devices")
	err = g.db.WithContext(ctx).
		Model(&Device{}).
		Where("id IN ?", ids).
		Update("online", false).Error
	done(err)
	if err != nil {
		return nil, fmt.Errorf("failed to mark devices offline: %w", err)
	}

	return stale, nil
}

// observe starts a DB operation observation and returns its completion
// callback. Safe to call with metrics disabled.
func (g *Gateway) observe(operation, table string) func(error) {
	if g.metrics == nil {
		return func(error) {}
	}

	timer := prometheus.NewTimer(g.metrics.OperationDuration.WithLabelValues(operation, table))
	return func(err error) {
		timer.ObserveDuration()
		status := "success"
		if err != nil {
			status = "error"
		}
		g.metrics.OperationsTotal.WithLabelValues(operation, table, status).Inc()
	}
}
