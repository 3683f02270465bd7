package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/crowdwatch/internal/simulator"
	"procodus.dev/crowdwatch/internal/store"
	"procodus.dev/crowdwatch/pkg/metrics"
)

var simulatorCmd = &cobra.Command{
	Use:   "simulator",
	Short: "Run the camera fleet simulator",
	Long: `Run the simulator that:
- Generates a synthetic fleet of camera devices
- Seeds the devices into the registry database
- Posts crowd readings (JSON and raw frames) to the ingestion endpoint
- Posts occasional vehicle arrivals from transit stop devices`,
	RunE: runSimulator,
}

func init() {
	rootCmd.AddCommand(simulatorCmd)

	// Simulator-specific flags
	simulatorCmd.Flags().String("ingest-url", "http://localhost:8080", "Base URL of the ingestion service")
	simulatorCmd.Flags().Int("device-count", 5, "Number of simulated cameras")
	simulatorCmd.Flags().Duration("interval", 5*time.Second, "Interval between readings per device")
	simulatorCmd.Flags().Int("binary-every", 10, "Post a raw frame every Nth reading")
	simulatorCmd.Flags().Int("arrival-every", 15, "Post a vehicle arrival every Nth reading on transit devices")
	simulatorCmd.Flags().Int("metrics-port", 0, "Prometheus metrics port (0 disables the endpoint)")
	simulatorCmd.Flags().String("db-host", "", "PostgreSQL host for device seeding (empty skips seeding)")
	simulatorCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	simulatorCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	simulatorCmd.Flags().String("db-password", "", "PostgreSQL password")
	simulatorCmd.Flags().String("db-name", "crowdwatch", "PostgreSQL database name")
	simulatorCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")

	// Bind flags to viper
	_ = viper.BindPFlag("simulator.ingest_url", simulatorCmd.Flags().Lookup("ingest-url"))
	_ = viper.BindPFlag("simulator.device_count", simulatorCmd.Flags().Lookup("device-count"))
	_ = viper.BindPFlag("simulator.interval", simulatorCmd.Flags().Lookup("interval"))
	_ = viper.BindPFlag("simulator.binary_every", simulatorCmd.Flags().Lookup("binary-every"))
	_ = viper.BindPFlag("simulator.arrival_every", simulatorCmd.Flags().Lookup("arrival-every"))
	_ = viper.BindPFlag("simulator.metrics_port", simulatorCmd.Flags().Lookup("metrics-port"))
	_ = viper.BindPFlag("simulator.db.host", simulatorCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("simulator.db.port", simulatorCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("simulator.db.user", simulatorCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("simulator.db.password", simulatorCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("simulator.db.name", simulatorCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("simulator.db.sslmode", simulatorCmd.Flags().Lookup("db-sslmode"))
}

func runSimulator(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting simulator service")

	config := &simulator.ServerConfig{
		Logger:       logger,
		IngestURL:    viper.GetString("simulator.ingest_url"),
		DeviceCount:  viper.GetInt("simulator.device_count"),
		Interval:     viper.GetDuration("simulator.interval"),
		BinaryEvery:  viper.GetInt("simulator.binary_every"),
		ArrivalEvery: viper.GetInt("simulator.arrival_every"),
		MetricsPort:  viper.GetInt("simulator.metrics_port"),
		Metrics:      metrics.NewSimulatorMetrics("crowdwatch"),
	}

	// Seeding database is optional; without it the resolver cannot match the
	// simulated camera ids and readings fall back to explicit device ids.
	if dbHost := viper.GetString("simulator.db.host"); dbHost != "" {
		db, err := store.NewDB(&store.DBConfig{
			Logger:   logger.With(slog.String("component", "db")),
			Host:     dbHost,
			Port:     viper.GetInt("simulator.db.port"),
			User:     viper.GetString("simulator.db.user"),
			Password: viper.GetString("simulator.db.password"),
			DBName:   viper.GetString("simulator.db.name"),
			SSLMode:  viper.GetString("simulator.db.sslmode"),
		})
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			return err
		}
		defer func() {
			if err := store.CloseDB(db, logger); err != nil {
				logger.Error("failed to close database", "error", err)
			}
		}()
		config.DB = db
	}

	server, err := simulator.NewServer(config)
	if err != nil {
		logger.Error("failed to create simulator server", "error", err)
		return err
	}

	logger.Info("simulator configuration",
		"ingest_url", config.IngestURL,
		"device_count", config.DeviceCount,
		"interval", config.Interval,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("simulator server error", "error", err)
		return err
	}

	logger.Info("simulator stopped")
	return nil
}
