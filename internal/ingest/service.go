package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/crowdwatch/internal/classify"
	"procodus.dev/crowdwatch/internal/fanout"
	"procodus.dev/crowdwatch/internal/registry"
	"procodus.dev/crowdwatch/internal/store"
	"procodus.dev/crowdwatch/pkg/metrics"
)

// Store is the persistence surface the ingestion service writes through.
// Satisfied by *store.Gateway.
type Store interface {
	InsertReading(ctx context.Context, reading *store.Reading) error
	InsertUpdate(ctx context.Context, update *store.RealtimeUpdate) error
	InsertArrival(ctx context.Context, arrival *store.VehicleArrival) error
	MarkDeviceSeen(ctx context.Context, deviceID string, at time.Time) error
	PruneUpdates(ctx context.Context, olderThan time.Time) (int64, error)
	MarkDevicesOffline(ctx context.Context, cutoff time.Time) ([]store.Device, error)
}

// Publisher receives an update after its reading is durably persisted.
// Publish errors are logged and swallowed; fanout never blocks ingestion.
type Publisher interface {
	Publish(ctx context.Context, update fanout.Update) error
}

// HubPublisher adapts the in-process hub to the Publisher interface.
type HubPublisher struct {
	Hub *fanout.Hub
}

// Publish implements Publisher.
func (p HubPublisher) Publish(_ context.Context, update fanout.Update) error {
	p.Hub.Publish(update)
	return nil
}

// Service runs the ingestion pipeline: resolve the device, normalize the
// submission, persist the reading, then publish the realtime update. Each
// submission walks those stages strictly in order; a reading is never visible
// to fanout before its insert has returned.
type Service struct {
	logger     *slog.Logger
	resolver   *registry.Resolver
	normalizer *Normalizer
	store      Store
	publishers []Publisher
	metrics    *metrics.IngestMetrics // Optional metrics
	now        func() time.Time
}

// ServiceConfig holds the configuration for the Service.
type ServiceConfig struct {
	Logger     *slog.Logger
	Resolver   *registry.Resolver
	Normalizer *Normalizer
	Store      Store
	Publishers []Publisher
	Metrics    *metrics.IngestMetrics
}

// NewService creates a new Service instance.
func NewService(cfg *ServiceConfig) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("service config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Resolver == nil {
		return nil, errors.New("resolver cannot be nil")
	}

	if cfg.Normalizer == nil {
		return nil, errors.New("normalizer cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	return &Service{
		logger:     cfg.Logger,
		resolver:   cfg.Resolver,
		normalizer: cfg.Normalizer,
		store:      cfg.Store,
		publishers: cfg.Publishers,
		metrics:    cfg.Metrics,
		now:        time.Now,
	}, nil
}

// Result is what a successful submission produced.
type Result struct {
	Reading *store.Reading
	Update  *fanout.Update
}

// crowdPayload is the type-specific payload of a crowd_change update.
type crowdPayload struct {
	PeopleCount      int       `json:"people_count"`
	CrowdDensity     string    `json:"crowd_density"`
	Confidence       float64   `json:"confidence"`
	ProcessingTimeMs int       `json:"processing_time_ms"`
	Timestamp        time.Time `json:"timestamp"`
}

// Submit runs one submission through the pipeline. It returns a
// *ValidationError when the device identity cannot be resolved and
// ErrStoreUnavailable (wrapped) when the insert fails; in both cases nothing
// has been written. Publish failures after the insert are logged only.
func (s *Service) Submit(ctx context.Context, sub Submission) (*Result, error) {
	resolution, err := s.resolve(ctx, sub)
	if err != nil {
		s.observeSubmission(sub, "rejected_validation")
		return nil, err
	}

	reading := s.normalize(sub, resolution.DeviceID)

	// The client may have gone away while we resolved; abort before writing.
	if err := ctx.Err(); err != nil {
		s.observeSubmission(sub, "rejected_validation")
		return nil, err
	}

	if err := s.persist(ctx, reading); err != nil {
		s.observeSubmission(sub, "rejected_store")
		return nil, err
	}

	if err := s.store.MarkDeviceSeen(ctx, reading.DeviceID, reading.Timestamp); err != nil {
		s.logger.Warn("failed to mark device seen", "device_id", reading.DeviceID, "error", err)
	}

	update := s.publishCrowdChange(ctx, reading)

	s.observeSubmission(sub, "accepted")
	s.logger.Info("reading ingested",
		"device_id", reading.DeviceID,
		"resolution_path", resolution.Path,
		"people_count", reading.PeopleCount,
		"density", reading.Density,
		"priority", update.Priority,
	)

	return &Result{Reading: reading, Update: update}, nil
}

func (s *Service) resolve(ctx context.Context, sub Submission) (*registry.Resolution, error) {
	done := s.stage("resolve")
	resolution, err := s.resolver.Resolve(ctx, sub.Identity())
	done()

	if err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			if s.metrics != nil {
				s.metrics.DevicesResolved.WithLabelValues("unresolved").Inc()
			}
			return nil, newIdentityError(sub.received())
		}
		return nil, fmt.Errorf("failed to resolve device: %w", err)
	}

	if s.metrics != nil {
		s.metrics.DevicesResolved.WithLabelValues(resolution.Path).Inc()
	}
	return resolution, nil
}

func (s *Service) normalize(sub Submission, deviceID string) *store.Reading {
	done := s.stage("normalize")
	defer done()
	return s.normalizer.Normalize(sub, deviceID, s.now().UTC())
}

func (s *Service) persist(ctx context.Context, reading *store.Reading) error {
	done := s.stage("persist")
	err := s.store.InsertReading(ctx, reading)
	done()

	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if s.metrics != nil {
		s.metrics.ReadingsPersisted.Inc()
	}
	return nil
}

// publishCrowdChange derives the realtime update from a persisted reading,
// appends it for polling consumers and hands it to the live publishers. All
// of it is best-effort; the reading already stands.
func (s *Service) publishCrowdChange(ctx context.Context, reading *store.Reading) *fanout.Update {
	payload, _ := json.Marshal(crowdPayload{
		PeopleCount:      reading.PeopleCount,
		CrowdDensity:     reading.Density,
		Confidence:       reading.Confidence,
		ProcessingTimeMs: reading.ProcessingTimeMs,
		Timestamp:        reading.Timestamp,
	})

	update := &fanout.Update{
		ID:             uuid.New().String(),
		Type:           classify.UpdateCrowdChange,
		SourceDeviceID: reading.DeviceID,
		Payload:        payload,
		Priority:       classify.CrowdPriority(classify.Density(reading.Density)),
		CreatedAt:      reading.Timestamp,
	}

	s.emit(ctx, update)
	return update
}

// emit writes the update row for pollers and publishes to the live feeds.
func (s *Service) emit(ctx context.Context, update *fanout.Update) {
	done := s.stage("publish")
	defer done()

	row := &store.RealtimeUpdate{
		ID:             update.ID,
		Type:           string(update.Type),
		SourceDeviceID: update.SourceDeviceID,
		Payload:        update.Payload,
		Priority:       update.Priority,
		CreatedAt:      update.CreatedAt,
	}
	if err := s.store.InsertUpdate(ctx, row); err != nil {
		s.logger.Warn("failed to persist realtime update",
			"update_id", update.ID,
			"type", update.Type,
			"error", err,
		)
	}

	for _, pub := range s.publishers {
		if err := s.publishSafe(ctx, pub, update); err != nil {
			s.logger.Warn("failed to publish realtime update",
				"update_id", update.ID,
				"type", update.Type,
				"error", err,
			)
		}
	}
}

// publishSafe contains a publisher panic so a broken fanout consumer cannot
// fail an already-persisted submission.
func (s *Service) publishSafe(ctx context.Context, pub Publisher, update *fanout.Update) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("publisher panic: %v", r)
		}
	}()
	return pub.Publish(ctx, *update)
}

// ArrivalSubmission is a transit vehicle detection posted by a stop sensor.
type ArrivalSubmission struct {
	DeviceID                string   `json:"device_id"`
	VehicleNumber           string   `json:"vehicle_number"`
	VehicleType             string   `json:"vehicle_type"`
	Status                  string   `json:"status"`
	DistanceMeters          int      `json:"distance_meters"`
	EstimatedArrivalSeconds int      `json:"estimated_arrival_seconds"`
	OccupancyPercent        *int     `json:"occupancy_percent"`
	Confidence              *float64 `json:"confidence"`
}

// arrivalPayload is the type-specific payload of a vehicle_arrival update.
type arrivalPayload struct {
	VehicleNumber           string `json:"vehicle_number"`
	VehicleType             string `json:"vehicle_type"`
	Status                  string `json:"status"`
	DistanceMeters          int    `json:"distance_meters"`
	EstimatedArrivalSeconds int    `json:"estimated_arrival_seconds"`
}

// SubmitArrival ingests one vehicle arrival and emits the matching update.
func (s *Service) SubmitArrival(ctx context.Context, sub ArrivalSubmission) (*fanout.Update, error) {
	if sub.DeviceID == "" {
		return nil, &ValidationError{
			Message: "device identity required",
			Hint:    "provide the device_id of the stop sensor",
		}
	}
	if sub.VehicleNumber == "" {
		return nil, &ValidationError{
			Message: "vehicle_number required",
			Hint:    "provide the line or fleet number of the detected vehicle",
		}
	}

	status := sub.Status
	if status == "" {
		status = "approaching"
	}
	vehicleType := sub.VehicleType
	if vehicleType == "" {
		vehicleType = "bus"
	}
	occupancy := 50
	if sub.OccupancyPercent != nil {
		occupancy = *sub.OccupancyPercent
	}
	confidence := 0.9
	if sub.Confidence != nil {
		confidence = *sub.Confidence
	}

	arrival := &store.VehicleArrival{
		DeviceID:                sub.DeviceID,
		VehicleNumber:           sub.VehicleNumber,
		VehicleType:             vehicleType,
		Status:                  status,
		DistanceMeters:          sub.DistanceMeters,
		EstimatedArrivalSeconds: sub.EstimatedArrivalSeconds,
		OccupancyPercent:        occupancy,
		Confidence:              confidence,
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := s.store.InsertArrival(ctx, arrival); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	payload, _ := json.Marshal(arrivalPayload{
		VehicleNumber:           arrival.VehicleNumber,
		VehicleType:             arrival.VehicleType,
		Status:                  arrival.Status,
		DistanceMeters:          arrival.DistanceMeters,
		EstimatedArrivalSeconds: arrival.EstimatedArrivalSeconds,
	})

	update := &fanout.Update{
		ID:             uuid.New().String(),
		Type:           classify.UpdateVehicleArrival,
		SourceDeviceID: arrival.DeviceID,
		Payload:        payload,
		Priority:       classify.ArrivalPriority(arrival.Status),
		CreatedAt:      s.now().UTC(),
	}
	s.emit(ctx, update)

	s.logger.Info("vehicle arrival ingested",
		"device_id", arrival.DeviceID,
		"vehicle_number", arrival.VehicleNumber,
		"status", arrival.Status,
		"priority", update.Priority,
	)
	return update, nil
}

// statusPayload is the type-specific payload of a device_status update.
type statusPayload struct {
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

// SweepOffline flags devices unseen for the given window and emits a critical
// device_status update for each transition. Run periodically by the server.
func (s *Service) SweepOffline(ctx context.Context, unseenFor time.Duration) (int, error) {
	cutoff := s.now().UTC().Add(-unseenFor)
	stale, err := s.store.MarkDevicesOffline(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep offline devices: %w", err)
	}

	for _, device := range stale {
		payload, _ := json.Marshal(statusPayload{Online: false, LastSeen: device.LastSeen})
		s.emit(ctx, &fanout.Update{
			ID:             uuid.New().String(),
			Type:           classify.UpdateDeviceStatus,
			SourceDeviceID: device.DeviceID,
			Payload:        payload,
			Priority:       classify.StatusPriority(),
			CreatedAt:      s.now().UTC(),
		})
		s.logger.Warn("device went offline",
			"device_id", device.DeviceID,
			"last_seen", device.LastSeen,
		)
	}

	return len(stale), nil
}

// Prune deletes realtime updates older than the retention window.
func (s *Service) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	pruned, err := s.store.PruneUpdates(ctx, s.now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune realtime updates: %w", err)
	}
	if pruned > 0 {
		s.logger.Info("pruned realtime updates", "rows", pruned)
	}
	return pruned, nil
}

// observeSubmission counts one submission outcome.
func (s *Service) observeSubmission(sub Submission, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.SubmissionsTotal.WithLabelValues(sub.Format(), outcome).Inc()
}

// stage times one pipeline stage. Safe to call with metrics disabled.
func (s *Service) stage(name string) func() {
	if s.metrics == nil {
		return func() {}
	}
	timer := prometheus.NewTimer(s.metrics.PipelineDuration.WithLabelValues(name))
	return func() { timer.ObserveDuration() }
}
