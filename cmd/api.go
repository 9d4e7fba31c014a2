package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/backstage/services/orchestrator/config"
	"example.com/backstage/services/orchestrator/internal/api"
	"example.com/backstage/services/orchestrator/internal/broker"
	"example.com/backstage/services/orchestrator/internal/cache"
	"example.com/backstage/services/orchestrator/internal/clients"
	"example.com/backstage/services/orchestrator/internal/metrics"
	"example.com/backstage/services/orchestrator/internal/models"
	"example.com/backstage/services/orchestrator/internal/orchestrator"
	"example.com/backstage/services/orchestrator/internal/repositories"
	"example.com/backstage/services/orchestrator/internal/search"
	"example.com/backstage/services/orchestrator/internal/tracing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the HTTP API server",
	Long:  `Start the HTTP API server that accepts notification requests and drives their enrichment.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	db, readOnlyDB, err := initDatabases(cfg)
	if err != nil {
		return err
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("failed to initialize Redis cache, continuing without caching")
	}

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("failed to initialize tracer, continuing without tracing")
	}

	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("failed to initialize Elasticsearch client, continuing without audit search")
	}

	metricsCollector := metrics.NewMetrics()

	notifRepo := repositories.NewNotificationRepository(db, readOnlyDB)
	eventRepo := repositories.NewNotificationEventRepository(db, readOnlyDB)

	userClient := clients.NewUserClient(cfg.ExternalServices.UserServiceName, log.Logger)
	templateClient := clients.NewTemplateClient(cfg.ExternalServices.TemplateServiceName, log.Logger)

	brokerGateway, err := broker.NewGateway(ctx, cfg.Broker)
	if err != nil {
		return errors.Wrap(err, "failed to initialize broker gateway")
	}
	defer brokerGateway.Close()

	if err := brokerGateway.DeclareTopology(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to declare broker topology, assuming it already exists")
	}

	orch := orchestrator.New(log.Logger, userClient, templateClient, redisCache, brokerGateway, notifRepo, eventRepo, elasticClient, tracer, metricsCollector)

	server := api.NewServer(cfg, api.Dependencies{
		DB:           db,
		Orchestrator: orch,
		NotifRepo:    notifRepo,
		EventRepo:    eventRepo,
		Cache:        redisCache,
		Metrics:      metricsCollector,
	}, tracer)

	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	log.Info().Msg("API server shut down")
	return nil
}

func initDatabases(cfg config.Config) (*gorm.DB, *gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to write database")
	}

	readOnlyDB, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to read-only database")
	}

	if err := models.SetupModels(db); err != nil {
		return nil, nil, errors.Wrap(err, "failed to run migrations")
	}

	if err := configurePool(db, cfg.Database); err != nil {
		return nil, nil, err
	}
	if err := configurePool(readOnlyDB, cfg.Database); err != nil {
		return nil, nil, err
	}

	return db, readOnlyDB, nil
}

func configurePool(db *gorm.DB, cfg config.DatabaseConfig) error {
	sqlDB, err := db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get underlying DB connection")
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	return nil
}
