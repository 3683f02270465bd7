package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/crowdwatch/internal/fanout"
	"procodus.dev/crowdwatch/internal/store"
	"procodus.dev/crowdwatch/pkg/metrics"
)

// ReadStore is the query surface the dashboard endpoints read through.
// Satisfied by *store.Gateway.
type ReadStore interface {
	QueryReadings(ctx context.Context, filter store.ReadingFilter) ([]store.Reading, *store.Summary, error)
	RecentUpdates(ctx context.Context, since time.Time, limit int) ([]store.RealtimeUpdate, error)
}

// Server is the ingestion HTTP server. Besides the request handlers it owns
// the retention pruner and the offline watchdog.
type Server struct {
	logger     *slog.Logger
	config     *ServerConfig
	service    *Service
	readStore  ReadStore
	hub        *fanout.Hub
	wsHandler  http.Handler
	metrics    *metrics.IngestMetrics // Optional metrics
	httpServer *http.Server
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger    *slog.Logger
	Service   *Service
	ReadStore ReadStore
	Hub       *fanout.Hub
	WSHandler http.Handler
	Metrics   *metrics.IngestMetrics

	// HTTP server configuration
	HTTPPort int

	// Retention window for realtime_updates rows.
	Retention time.Duration

	// PruneInterval is how often the pruner runs.
	PruneInterval time.Duration

	// OfflineAfter is how long a device may go unseen before it is flagged
	// offline.
	OfflineAfter time.Duration

	// SweepInterval is how often the offline watchdog runs.
	SweepInterval time.Duration
}

// NewServer creates a new ingestion Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Service == nil {
		return nil, errors.New("service cannot be nil")
	}

	if cfg.ReadStore == nil {
		return nil, errors.New("read store cannot be nil")
	}

	if cfg.Hub == nil {
		return nil, errors.New("hub cannot be nil")
	}

	if cfg.HTTPPort <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}
	if cfg.OfflineAfter <= 0 {
		cfg.OfflineAfter = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	return &Server{
		logger:    cfg.Logger,
		config:    cfg,
		service:   cfg.Service,
		readStore: cfg.ReadStore,
		hub:       cfg.Hub,
		wsHandler: cfg.WSHandler,
		metrics:   cfg.Metrics,
	}, nil
}

// Run starts the ingestion server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting ingestion server")

	// Create context with cancellation
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Start background jobs
	go s.pruneLoop(ctx)
	go s.sweepLoop(ctx)

	// Create HTTP server
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)

	// Start HTTP server in goroutine
	httpErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(httpErr)
	}()

	s.logger.Info("ingestion server started successfully")

	// Wait for shutdown signal or HTTP error
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-httpErr:
		if err != nil {
			s.logger.Error("HTTP server error", "error", err)
			cancel()
			return err
		}
	}

	// Shutdown
	return s.Shutdown()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down ingestion server")

	var shutdownErr error

	// Shutdown HTTP server
	if s.httpServer != nil {
		s.logger.Info("stopping HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown HTTP server", "error", err)
			shutdownErr = fmt.Errorf("HTTP server shutdown error: %w", err)
		}
		s.logger.Info("HTTP server stopped")
	}

	// Close the fanout hub so websocket clients get a clean close
	s.hub.Close()

	if shutdownErr != nil {
		s.logger.Error("ingestion server shutdown completed with errors", "error", shutdownErr)
		return shutdownErr
	}

	s.logger.Info("ingestion server shutdown completed successfully")
	return nil
}

// Handler returns the server's HTTP handler. Exposed for tests and for
// embedding the API into another mux.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Ingestion
	mux.HandleFunc("POST /api/v1/readings", s.instrument("/api/v1/readings", s.handleSubmitReading))
	mux.HandleFunc("POST /api/v1/arrivals", s.instrument("/api/v1/arrivals", s.handleSubmitArrival))

	// Dashboard read path
	mux.HandleFunc("GET /api/v1/readings", s.instrument("/api/v1/readings", s.handleQueryReadings))
	mux.HandleFunc("GET /api/v1/updates", s.instrument("/api/v1/updates", s.handleRecentUpdates))

	// Live subscription
	if s.wsHandler != nil {
		mux.Handle("GET /ws/updates", s.wsHandler)
	}

	// Operational endpoints
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

// statusRecorder captures the response status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument wraps a handler with HTTP request metrics. No-op without
// metrics.
func (s *Server) instrument(path string, next http.HandlerFunc) http.HandlerFunc {
	if s.metrics == nil {
		return next
	}

	return func(w http.ResponseWriter, r *http.Request) {
		s.metrics.HTTPRequestsInFlight.WithLabelValues(r.Method, path).Inc()
		defer s.metrics.HTTPRequestsInFlight.WithLabelValues(r.Method, path).Dec()

		timer := prometheus.NewTimer(s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, path))
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next(recorder, r)

		timer.ObserveDuration()
		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(recorder.status)).Inc()
	}
}

// pruneLoop deletes realtime updates past the retention window.
func (s *Server) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.service.Prune(ctx, s.config.Retention); err != nil {
				s.logger.Error("retention prune failed", "error", err)
			}
		}
	}
}

// sweepLoop flags devices that stopped reporting.
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.service.SweepOffline(ctx, s.config.OfflineAfter); err != nil {
				s.logger.Error("offline sweep failed", "error", err)
			}
		}
	}
}
