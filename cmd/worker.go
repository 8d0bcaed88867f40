package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/coldwatch/config"
	"example.com/coldwatch/internal/cache"
	"example.com/coldwatch/internal/database"
	"example.com/coldwatch/internal/messaging"
	"example.com/coldwatch/internal/metrics"
	"example.com/coldwatch/internal/notify"
	"example.com/coldwatch/internal/repositories"
	"example.com/coldwatch/internal/search"
	"example.com/coldwatch/internal/services"
	"example.com/coldwatch/internal/tracing"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker to consume telemetry from Azure Service Bus, sweep device connectivity, and reap expired readings`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	// Create an error group to manage goroutines
	g, ctx := errgroup.WithContext(ctx)

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
	if cfg.Elastic.Enabled {
		elasticClient, err := search.NewElasticClient(cfg.Elastic)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search functionality")
		} else {
			indexer = elasticClient
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
	connectivityService := services.NewConnectivityService(
		deviceRepo, readingRepo, notificationRepo,
		dispatcher, metricsCollector, tracer,
		cfg.Connectivity.ActivityTimeout(), cfg.Connectivity.Cooldown(),
		cfg.Connectivity.SweepConcurrency,
	)

	// Initialize Azure Service Bus client
	azureBus, err := messaging.NewAzureServiceBus(cfg.Azure)
	if err != nil {
		return err
	}

	// Start the service bus processor
	g.Go(func() error {
		log.Info().Str("queue", cfg.Azure.QueueName).Msg("Starting Azure Service Bus processor")
		return azureBus.ProcessMessages(ctx, telemetryService.ProcessTelemetryMessage)
	})

	// Start the scheduled jobs
	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		// Connectivity sweep on the configured cron schedule
		_, err = scheduler.NewJob(
			gocron.CronJob(cfg.Connectivity.SweepCron, false),
			gocron.NewTask(func() {
				if _, err := connectivityService.Sweep(ctx); err != nil {
					log.Error().Err(err).Msg("Connectivity sweep failed")
				}
			}),
		)
		if err != nil {
			return err
		}

		// Reading retention reaper
		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Retention.ReapInterval),
			gocron.NewTask(func() {
				if _, err := telemetryService.ReapExpiredReadings(ctx); err != nil {
					log.Error().Err(err).Msg("Failed to reap expired readings")
				}
			}),
		)
		if err != nil {
			return err
		}

		log.Info().
			Str("sweep_cron", cfg.Connectivity.SweepCron).
			Dur("reap_interval", cfg.Retention.ReapInterval).
			Msg("Starting scheduler")
		scheduler.Start()

		// Wait for context cancellation
		<-ctx.Done()

		// Shutdown the scheduler
		return scheduler.Shutdown()
	})

	// Wait for any goroutine to exit
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	if err := azureBus.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close Service Bus client")
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
