package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/orchestrator/config"
	"example.com/backstage/services/orchestrator/internal/broker"
	"example.com/backstage/services/orchestrator/internal/cache"
	"example.com/backstage/services/orchestrator/internal/clients"
	"example.com/backstage/services/orchestrator/internal/metrics"
	"example.com/backstage/services/orchestrator/internal/models"
	"example.com/backstage/services/orchestrator/internal/orchestrator"
	"example.com/backstage/services/orchestrator/internal/repositories"
	"example.com/backstage/services/orchestrator/internal/search"
	"example.com/backstage/services/orchestrator/internal/tracing"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// staleAfter is how long a notification may sit in pending before the
// recovery job re-drives it through enrichment.
const staleAfter = 5 * time.Minute

// recoveryBatchSize bounds how many rows a single recovery or retry pass
// claims, so one worker instance never monopolizes the row-lock queue.
const recoveryBatchSize = 50

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background recovery worker",
	Long: `Start the background worker that re-drives stale pending notifications
and retries failed ones on a schedule. It owns broker topology declaration.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	g, ctx := errgroup.WithContext(ctx)

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

	notifRepo := repositories.NewNotificationRepository(db, readOnlyDB)
	eventRepo := repositories.NewNotificationEventRepository(db, readOnlyDB)

	userClient := clients.NewUserClient(cfg.ExternalServices.UserServiceName, log.Logger)
	templateClient := clients.NewTemplateClient(cfg.ExternalServices.TemplateServiceName, log.Logger)

	brokerGateway, err := broker.NewGateway(ctx, cfg.Broker)
	if err != nil {
		return errors.Wrap(err, "failed to initialize broker gateway")
	}
	defer brokerGateway.Close()

	// The worker owns topology declaration: it is the process guaranteed to
	// run continuously, unlike API replicas that may scale to zero.
	if err := brokerGateway.DeclareTopology(ctx); err != nil {
		return errors.Wrap(err, "failed to declare broker topology")
	}

	metricsCollector := metrics.NewMetrics()

	orch := orchestrator.New(log.Logger, userClient, templateClient, redisCache, brokerGateway, notifRepo, eventRepo, elasticClient, tracer, metricsCollector)

	g.Go(func() error {
		log.Info().Dur("interval", 1*time.Minute).Msg("starting pending-recovery job")
		return runScheduledJob(ctx, 1*time.Minute, func() {
			recoverStalePending(ctx, notifRepo, orch)
		})
	})

	g.Go(func() error {
		log.Info().Dur("interval", 2*time.Minute).Msg("starting failed-retry job")
		return runScheduledJob(ctx, 2*time.Minute, func() {
			retryFailed(ctx, notifRepo, eventRepo, orch)
		})
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("worker error")
		return err
	}

	log.Info().Msg("worker shutting down gracefully")
	return nil
}

// runScheduledJob wraps a gocron scheduler running a single recurring task,
// blocking until ctx is cancelled.
func runScheduledJob(ctx context.Context, interval time.Duration, task func()) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "failed to create scheduler")
	}

	if _, err := scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(task),
	); err != nil {
		return errors.Wrap(err, "failed to schedule job")
	}

	scheduler.Start()
	<-ctx.Done()
	return scheduler.Shutdown()
}

// recoverStalePending re-drives notifications that never made it out of
// pending -- most likely because the API process that accepted them died
// before dispatching enrichment.
func recoverStalePending(ctx context.Context, notifRepo *repositories.NotificationRepository, orch *orchestrator.Orchestrator) {
	stale, err := notifRepo.GetPendingOlderThan(ctx, staleAfter, recoveryBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to select stale pending notifications")
		return
	}

	for i := range stale {
		orch.RetryExisting(ctx, &stale[i])
	}

	if len(stale) > 0 {
		log.Info().Int("count", len(stale)).Msg("re-drove stale pending notifications")
	}
}

// retryFailed drives eligible failed notifications back through enrichment,
// recording a retried event ahead of the attempt.
func retryFailed(ctx context.Context, notifRepo *repositories.NotificationRepository, eventRepo *repositories.NotificationEventRepository, orch *orchestrator.Orchestrator) {
	failed, err := notifRepo.GetFailedForRetry(ctx, recoveryBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to select notifications for retry")
		return
	}

	for i := range failed {
		notif := &failed[i]
		if err := eventRepo.CreateEventSimple(ctx, notif.ID, notif.CorrelationID, models.EventRetried, notif.Channel, nil); err != nil {
			log.Warn().Err(err).Str("notification_id", notif.ID.String()).Msg("failed to record retry event")
		}
		orch.RetryExisting(ctx, notif)
	}

	if len(failed) > 0 {
		log.Info().Int("count", len(failed)).Msg("retried failed notifications")
	}
}
