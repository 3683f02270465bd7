package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/crowdwatch/internal/fanout"
	"procodus.dev/crowdwatch/internal/ingest"
	"procodus.dev/crowdwatch/internal/registry"
	"procodus.dev/crowdwatch/internal/store"
	"procodus.dev/crowdwatch/pkg/metrics"
	"procodus.dev/crowdwatch/pkg/mq"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run the ingestion service",
	Long: `Run the ingestion service that:
- Accepts crowd readings from camera devices over HTTP
- Resolves each reading to a registered device
- Classifies, persists and fans readings out as prioritized realtime updates
- Serves the dashboard read API and a websocket live feed`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	// Ingest-specific flags
	ingestCmd.Flags().Int("http-port", 8080, "HTTP server port")
	ingestCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	ingestCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	ingestCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	ingestCmd.Flags().String("db-password", "", "PostgreSQL password")
	ingestCmd.Flags().String("db-name", "crowdwatch", "PostgreSQL database name")
	ingestCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	ingestCmd.Flags().String("rabbitmq-url", "", "RabbitMQ URL for the update bridge (empty disables the bridge)")
	ingestCmd.Flags().String("queue-name", "realtime-updates", "RabbitMQ queue name for bridged updates")
	ingestCmd.Flags().Duration("retention", 24*time.Hour, "Retention window for realtime updates")
	ingestCmd.Flags().Duration("prune-interval", time.Hour, "How often the retention pruner runs")
	ingestCmd.Flags().Duration("offline-after", 5*time.Minute, "Unseen window before a device is flagged offline")
	ingestCmd.Flags().Duration("sweep-interval", time.Minute, "How often the offline watchdog runs")

	// Bind flags to viper
	_ = viper.BindPFlag("ingest.http.port", ingestCmd.Flags().Lookup("http-port"))
	_ = viper.BindPFlag("ingest.db.host", ingestCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("ingest.db.port", ingestCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("ingest.db.user", ingestCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("ingest.db.password", ingestCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("ingest.db.name", ingestCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("ingest.db.sslmode", ingestCmd.Flags().Lookup("db-sslmode"))
	_ = viper.BindPFlag("ingest.rabbitmq.url", ingestCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("ingest.rabbitmq.queue_name", ingestCmd.Flags().Lookup("queue-name"))
	_ = viper.BindPFlag("ingest.retention", ingestCmd.Flags().Lookup("retention"))
	_ = viper.BindPFlag("ingest.prune_interval", ingestCmd.Flags().Lookup("prune-interval"))
	_ = viper.BindPFlag("ingest.offline_after", ingestCmd.Flags().Lookup("offline-after"))
	_ = viper.BindPFlag("ingest.sweep_interval", ingestCmd.Flags().Lookup("sweep-interval"))
}

func runIngest(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting ingestion service")

	const namespace = "crowdwatch"
	ingestMetrics := metrics.NewIngestMetrics(namespace)
	storeMetrics := metrics.NewStoreMetrics(namespace)
	fanoutMetrics := metrics.NewFanoutMetrics(namespace)

	// Database
	db, err := store.NewDB(&store.DBConfig{
		Logger:   logger.With(slog.String("component", "db")),
		Host:     viper.GetString("ingest.db.host"),
		Port:     viper.GetInt("ingest.db.port"),
		User:     viper.GetString("ingest.db.user"),
		Password: viper.GetString("ingest.db.password"),
		DBName:   viper.GetString("ingest.db.name"),
		SSLMode:  viper.GetString("ingest.db.sslmode"),
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

	gateway, err := store.NewGateway(logger.With(slog.String("component", "store")), db, storeMetrics)
	if err != nil {
		logger.Error("failed to create persistence gateway", "error", err)
		return err
	}

	// Device resolution
	reg, err := registry.NewGormRegistry(db)
	if err != nil {
		logger.Error("failed to create device registry", "error", err)
		return err
	}
	resolver, err := registry.NewResolver(logger.With(slog.String("component", "resolver")), reg)
	if err != nil {
		logger.Error("failed to create resolver", "error", err)
		return err
	}

	normalizer, err := ingest.NewNormalizer(ingest.NewHeuristicAnalyzer())
	if err != nil {
		logger.Error("failed to create normalizer", "error", err)
		return err
	}

	// Realtime fanout
	hub, err := fanout.NewHub(logger.With(slog.String("component", "fanout")), fanoutMetrics)
	if err != nil {
		logger.Error("failed to create fanout hub", "error", err)
		return err
	}

	wsHandler, err := fanout.NewWebsocketHandler(logger.With(slog.String("component", "websocket")), hub, fanoutMetrics)
	if err != nil {
		logger.Error("failed to create websocket handler", "error", err)
		return err
	}

	ctx := context.Background()

	// Optional AMQP bridge for off-process consumers
	if rabbitURL := viper.GetString("ingest.rabbitmq.url"); rabbitURL != "" {
		mqMetrics := metrics.NewMQMetrics(namespace)
		client := mq.New(viper.GetString("ingest.rabbitmq.queue_name"), rabbitURL,
			logger.With(slog.String("component", "mq-client")))
		client.SetMetrics(mqMetrics)
		defer func() {
			if err := client.Close(); err != nil {
				logger.Error("failed to close MQ client", "error", err)
			}
		}()

		bridge, err := fanout.NewBridge(logger.With(slog.String("component", "bridge")), client)
		if err != nil {
			logger.Error("failed to create update bridge", "error", err)
			return err
		}
		go bridge.Run(ctx, hub.Subscribe(fanout.DefaultBuffer))
		logger.Info("update bridge enabled", "queue", viper.GetString("ingest.rabbitmq.queue_name"))
	}

	// Pipeline service
	service, err := ingest.NewService(&ingest.ServiceConfig{
		Logger:     logger.With(slog.String("component", "pipeline")),
		Resolver:   resolver,
		Normalizer: normalizer,
		Store:      gateway,
		Publishers: []ingest.Publisher{ingest.HubPublisher{Hub: hub}},
		Metrics:    ingestMetrics,
	})
	if err != nil {
		logger.Error("failed to create ingestion service", "error", err)
		return err
	}

	config := &ingest.ServerConfig{
		Logger:        logger,
		Service:       service,
		ReadStore:     gateway,
		Hub:           hub,
		WSHandler:     wsHandler,
		Metrics:       ingestMetrics,
		HTTPPort:      viper.GetInt("ingest.http.port"),
		Retention:     viper.GetDuration("ingest.retention"),
		PruneInterval: viper.GetDuration("ingest.prune_interval"),
		OfflineAfter:  viper.GetDuration("ingest.offline_after"),
		SweepInterval: viper.GetDuration("ingest.sweep_interval"),
	}

	server, err := ingest.NewServer(config)
	if err != nil {
		logger.Error("failed to create ingestion server", "error", err)
		return err
	}

	logger.Info("ingestion server configuration",
		"http_port", config.HTTPPort,
		"db_host", viper.GetString("ingest.db.host"),
		"db_name", viper.GetString("ingest.db.name"),
		"retention", config.Retention,
		"offline_after", config.OfflineAfter,
	)

	if err := server.Run(ctx); err != nil {
		logger.Error("ingestion server error", "error", err)
		return err
	}

	logger.Info("ingestion server stopped")
	return nil
}
