package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"procodus.dev/crowdwatch/internal/store"
	"procodus.dev/crowdwatch/pkg/metrics"
)

// ServerConfig holds the configuration for the simulator server.
type ServerConfig struct {
	// Logger is the structured logger
	Logger *slog.Logger
	// IngestURL is the base URL of the ingestion service
	IngestURL string
	// DeviceCount is the number of simulated cameras
	DeviceCount int
	// Interval is the time between readings per device
	Interval time.Duration
	// BinaryEvery posts a raw frame instead of JSON every Nth reading
	BinaryEvery int
	// ArrivalEvery posts a vehicle arrival every Nth reading on transit devices
	ArrivalEvery int
	// DB is used to seed the simulated devices into the registry; optional
	DB *gorm.DB
	// MetricsPort serves /metrics when positive
	MetricsPort int
	// Metrics is the optional Prometheus metrics collector
	Metrics *metrics.SimulatorMetrics
}

// Server runs one goroutine per simulated camera, each posting readings to
// the ingestion endpoint on its own ticker.
type Server struct {
	logger  *slog.Logger
	config  *ServerConfig
	cameras []*Camera
	client  *http.Client
	metrics *metrics.SimulatorMetrics
	wg      sync.WaitGroup
}

// NewServer creates a new simulator Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.IngestURL == "" {
		return nil, errors.New("ingest URL cannot be empty")
	}

	if cfg.DeviceCount <= 0 {
		return nil, errors.New("device count must be positive")
	}

	if cfg.Interval <= 0 {
		return nil, errors.New("interval must be positive")
	}

	if cfg.BinaryEvery <= 0 {
		cfg.BinaryEvery = 10
	}
	if cfg.ArrivalEvery <= 0 {
		cfg.ArrivalEvery = 15
	}

	cameras := make([]*Camera, 0, cfg.DeviceCount)
	for i := 0; i < cfg.DeviceCount; i++ {
		cameras = append(cameras, NewCamera(uint(i+1)))
	}

	return &Server{
		logger:  cfg.Logger,
		config:  cfg,
		cameras: cameras,
		client:  &http.Client{Timeout: 10 * time.Second},
		metrics: cfg.Metrics,
	}, nil
}

// Run seeds the fleet and blocks posting readings until shutdown.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	if err := s.seedDevices(ctx); err != nil {
		return err
	}

	if s.config.MetricsPort > 0 {
		go s.serveMetrics(ctx)
	}

	for _, camera := range s.cameras {
		s.wg.Add(1)
		go s.runCamera(ctx, camera)
	}

	s.logger.Info("simulator started",
		"device_count", len(s.cameras),
		"interval", s.config.Interval,
		"ingest_url", s.config.IngestURL,
	)

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	}

	s.logger.Info("waiting for simulated devices to shut down...")
	s.wg.Wait()

	s.logger.Info("simulator stopped")
	return nil
}

// serveMetrics exposes the Prometheus endpoint until the context is cancelled.
func (s *Server) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("failed to shut down metrics server", "error", err)
		}
	}()

	s.logger.Info("metrics server started", "port", s.config.MetricsPort)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("metrics server error", "error", err)
	}
}

// seedDevices registers the simulated cameras so the resolver can find them
// by camera id and IP. Skipped when no database is configured; the simulator
// then relies on explicit device ids.
func (s *Server) seedDevices(ctx context.Context) error {
	if s.config.DB == nil {
		s.logger.Info("no database configured, skipping device seeding")
		return nil
	}

	for _, camera := range s.cameras {
		device := &store.Device{
			DeviceID:      camera.DeviceID,
			CameraID:      camera.CameraID,
			IPAddress:     camera.IPAddress,
			LocationLabel: camera.LocationLabel,
			LocationType:  camera.LocationType,
			Online:        true,
			LastSeen:      time.Now().UTC(),
		}

		err := s.config.DB.WithContext(ctx).
			Where("device_id = ?", device.DeviceID).
			FirstOrCreate(device).Error
		if err != nil {
			return fmt.Errorf("failed to seed device %s: %w", device.DeviceID, err)
		}

		if s.metrics != nil {
			s.metrics.DevicesSeeded.Inc()
		}
		s.logger.Info("seeded device",
			"device_id", device.DeviceID,
			"camera_id", device.CameraID,
			"location", device.LocationLabel,
		)
	}
	return nil
}

// runCamera posts readings for one camera until the context is cancelled.
func (s *Server) runCamera(ctx context.Context, camera *Camera) {
	defer s.wg.Done()

	if s.metrics != nil {
		s.metrics.ActiveDevices.Inc()
		defer s.metrics.ActiveDevices.Dec()
	}

	model := NewOccupancyModel()
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	logger := s.logger.With(slog.String("device_id", camera.DeviceID))
	logger.Info("simulated device started")

	n := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("simulated device shutting down")
			return

		case <-ticker.C:
			n++
			var err error
			switch {
			case n%s.config.BinaryEvery == 0:
				err = s.postFrame(ctx, camera)
			case camera.LocationType == "transit_stop" && n%s.config.ArrivalEvery == 0:
				err = s.postArrival(ctx, camera)
			default:
				err = s.postReading(ctx, camera, model.Next(time.Now()))
			}

			if err != nil {
				logger.Error("failed to post", "error", err)
				continue
			}
			logger.Debug("posted reading")
		}
	}
}

// postReading submits one JSON reading.
func (s *Server) postReading(ctx context.Context, camera *Camera, tick Tick) error {
	done := s.observe("json")

	confidence := 0.7 + rand.Float64()*0.25 // #nosec G404
	payload, err := json.Marshal(map[string]any{
		"camera_id":          camera.CameraID,
		"ip_address":         camera.IPAddress,
		"people_count":       tick.PeopleCount,
		"confidence_score":   confidence,
		"entry_count":        tick.EntryCount,
		"exit_count":         tick.ExitCount,
		"current_occupancy":  tick.Occupancy,
		"trend_direction":    tick.Trend,
		"location_type":      camera.LocationType,
		"processing_time_ms": 150 + rand.Intn(100), // #nosec G404
	})
	if err != nil {
		done(err)
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	err = s.post(ctx, "/api/v1/readings", "application/json", payload, nil)
	done(err)
	return err
}

// postFrame submits a raw frame the way camera firmware without onboard
// detection would.
func (s *Server) postFrame(ctx context.Context, camera *Camera) error {
	done := s.observe("binary")

	// Variable frame size so the analyzer sees both busy and empty scenes.
	frame := make([]byte, 20000+rand.Intn(80000)) // #nosec G404

	err := s.post(ctx, "/api/v1/readings", "image/jpeg", frame, map[string]string{
		"X-Camera-ID":     fmt.Sprintf("%d", camera.CameraID),
		"X-Location-Zone": camera.LocationLabel,
	})
	done(err)
	return err
}

// postArrival submits a synthetic vehicle arrival from a transit stop sensor.
func (s *Server) postArrival(ctx context.Context, camera *Camera) error {
	statuses := []string{"approaching", "arrived", "departed"}
	payload, err := json.Marshal(map[string]any{
		"device_id":                 camera.DeviceID,
		"vehicle_number":            gofakeit.Numerify("##-BZ"),
		"vehicle_type":              "bus",
		"status":                    statuses[rand.Intn(len(statuses))], // #nosec G404
		"distance_meters":           rand.Intn(500),                     // #nosec G404
		"estimated_arrival_seconds": rand.Intn(300),                     // #nosec G404
	})
	if err != nil {
		return fmt.Errorf("failed to marshal arrival: %w", err)
	}

	if err := s.post(ctx, "/api/v1/arrivals", "application/json", payload, nil); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ArrivalsPosted.Inc()
	}
	return nil
}

// post sends one request and checks for a 2xx response.
func (s *Server) post(ctx context.Context, path, contentType string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.IngestURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("ingestion returned status %d", resp.StatusCode)
	}
	return nil
}

// observe times one submission. Safe to call with metrics disabled.
func (s *Server) observe(format string) func(error) {
	if s.metrics == nil {
		return func(error) {}
	}

	timer := prometheus.NewTimer(s.metrics.PostDuration.WithLabelValues(format))
	return func(err error) {
		timer.ObserveDuration()
		if err != nil {
			s.metrics.PostFailures.WithLabelValues(format, "http_error").Inc()
			return
		}
		s.metrics.ReadingsPosted.WithLabelValues(format).Inc()
	}
}
