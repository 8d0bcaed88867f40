package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/coldwatch/config"
	"example.com/coldwatch/internal/api"
	"example.com/coldwatch/internal/cache"
	"example.com/coldwatch/internal/database"
	"example.com/coldwatch/internal/metrics"
	"example.com/coldwatch/internal/notify"
	"example.com/coldwatch/internal/repositories"
	"example.com/coldwatch/internal/search"
	"example.com/coldwatch/internal/services"
	"example.com/coldwatch/internal/tracing"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server to handle incoming telemetry and notification requests`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize database connection
	db, err := database.Connect(cfg.DB)
	if err != nil {
		return err
	}

	// Initialize cache
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
		redisCache = nil
	}

	// Initialize tracer
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = tracing.Noop()
	}

	// Initialize Elasticsearch client
	var indexer search.NotificationIndexer
	var searcher search.NotificationSearcher
	if cfg.Elastic.Enabled {
		elasticClient, err := search.NewElasticClient(cfg.Elastic)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search functionality")
		} else {
			indexer = elasticClient
			searcher = elasticClient
		}
	}

	// Initialize the push dispatcher
	dispatcher, err := notify.NewFCMDispatcher(ctx, cfg.Firebase)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize FCM dispatcher, push notifications disabled")
		dispatcher = notify.Disabled()
	}

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()

	// Initialize repositories
	deviceRepo := repositories.NewDeviceRepository(db)
	readingRepo := repositories.NewReadingRepository(db)
	alertRepo := repositories.NewAlertRepository(db)
	notificationRepo := repositories.NewNotificationRepository(db)

	// Initialize services
	telemetryService := services.NewTelemetryService(
		deviceRepo, readingRepo, alertRepo, notificationRepo,
		redisCache, dispatcher, indexer, metricsCollector, tracer,
		cfg.Telemetry.Unit, cfg.Telemetry.EscalationThreshold, cfg.Retention.Window(),
	)
	notificationService := services.NewNotificationService(notificationRepo, searcher)

	// Initialize and start the server
	server := api.NewServer(cfg, telemetryService, notificationService, metricsCollector, tracer)

	// Start the server in a goroutine
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	// Wait for termination signal
	<-ctx.Done()

	// Shutdown the server
	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}
