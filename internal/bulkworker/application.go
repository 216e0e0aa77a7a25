package bulkworker

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/configuration"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/failure"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/ingest"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/jobqueue"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/lock"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/metrics"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/model"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/orchestrator"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/pipeline"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/poller"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/ratelimit"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/remote"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/repository"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/schedule"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/staging"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/app"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/database"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/logging"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/task"
)

// Run sets up the bulk workers and runs them until a SIGTERM is received
func Run(config configuration.Configuration) error {
	g, ctx := errgroup.WithContext(app.CreateContextWithShutdown())

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	//////////////////////////////////////////////////////////////////////////
	// Database setup (postgres and redis)
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Setting up database connections")
	db, err := database.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return errors.WithMessage(err, "Error opening connection to postgres")
	}
	defer db.Close()
	repo, err := repository.NewPostgresBulkRunRepository(db, config.RunCacheSize)
	if err != nil {
		return errors.WithMessage(err, "Error creating bulk run repository")
	}

	redisClient, err := config.Redis.Connect()
	if err != nil {
		return err
	}
	defer func() {
		err := redisClient.Close()
		if err != nil {
			log.WithError(errors.WithStack(err)).Warnf("Redis client didn't close down cleanly")
		}
	}()

	//////////////////////////////////////////////////////////////////////////
	// Queues
	//////////////////////////////////////////////////////////////////////////
	policies, err := config.Policies()
	if err != nil {
		return err
	}
	broker := jobqueue.NewRedisBroker(redisClient, policies)
	deadLetters := jobqueue.NewRedisDeadLetterSink(redisClient)
	registerer := prometheus.DefaultRegisterer
	m := metrics.New(registerer)
	observer := jobqueue.Observers{jobqueue.LoggingObserver{}, jobqueue.NewMetricsObserver(registerer)}

	//////////////////////////////////////////////////////////////////////////
	// Processors
	//////////////////////////////////////////////////////////////////////////
	gate := ratelimit.NewRedisGate(redisClient, config.RateLimit)
	credentials := remote.NewCachedCredentials(remote.StaticCredentials(config.Remote.Shops), config.Remote.CredentialsTTL)
	client := remote.NewGraphqlClient(config.Remote.Graphql, credentials)
	engine := failure.NewEngine(repo, broker, deadLetters, m, config.Failure)
	handlers := map[string]jobqueue.Handler{
		model.OrchestratorQueue: orchestrator.New(repo, lock.NewRedisBulkLock(redisClient), gate, client, broker, m, config.Orchestrator).Handler(),
		model.PollerQueue:       poller.New(repo, gate, client, broker, engine, m, config.Poller).Handler(),
		model.IngestQueue: ingest.New(
			repo,
			pipeline.New(pipeline.NewDownloader(config.Pipeline.Download, gate, m), m, config.Pipeline),
			staging.NewPostgresStore(db),
			m,
			config.Ingest,
		).Handler(),
	}

	// List of services to run concurrently. They are only started once everything is set up.
	var services []func() error
	var workers []*jobqueue.Worker
	for queue, handler := range handlers {
		worker, err := jobqueue.NewWorker(broker, queue, handler, deadLetters, observer, config.Worker)
		if err != nil {
			return errors.WithMessagef(err, "error creating worker for %s", queue)
		}
		workers = append(workers, worker)
		services = append(services, func() error { return worker.Run(ctx) })
	}

	scheduler, err := schedule.New(broker, config.Schedules)
	if err != nil {
		return err
	}
	services = append(services, func() error { return scheduler.Run(ctx) })

	taskManager := task.NewBackgroundTaskManager("bulkworker_", registerer)
	registerBackgroundTasks(taskManager, broker, workers, m, config.QueueMetricsInterval)
	defer func() {
		if timedOut := taskManager.StopAll(5 * time.Second); timedOut {
			log.Warn("background tasks did not stop in time")
		}
	}()

	for _, service := range services {
		g.Go(service)
	}
	return g.Wait()
}

// registerBackgroundTasks schedules queue housekeeping for every worker and the queue depth sampler.
func registerBackgroundTasks(taskManager *task.BackgroundTaskManager, broker *jobqueue.RedisBroker, workers []*jobqueue.Worker, m *metrics.Metrics, sampleInterval time.Duration) {
	for _, worker := range workers {
		taskManager.Register(maintainQueue(worker), worker.MaintenanceInterval(), "maintain_"+strings.ReplaceAll(worker.Queue(), "-", "_"))
	}
	taskManager.Register(sampleQueueDepths(broker, m), sampleInterval, "queue_depths")
}

func maintainQueue(worker *jobqueue.Worker) func(ctx context.Context) {
	return func(_ context.Context) {
		if err := worker.Maintain(); err != nil {
			logging.WithStacktrace(log.WithField(logging.QueueField, worker.Queue()), err).Warn("error maintaining queue")
		}
	}
}

func sampleQueueDepths(broker *jobqueue.RedisBroker, m *metrics.Metrics) func(ctx context.Context) {
	return func(_ context.Context) {
		for _, queue := range []string{model.OrchestratorQueue, model.PollerQueue, model.IngestQueue} {
			counts, err := broker.Counts(queue)
			if err != nil {
				log.WithError(err).Warnf("error counting jobs of %s", queue)
				continue
			}
			m.QueueDepth(queue, "waiting", counts.Waiting)
			m.QueueDepth(queue, "active", counts.Active)
			m.QueueDepth(queue, "delayed", counts.Delayed)
			m.QueueDepth(queue, "completed", counts.Completed)
			m.QueueDepth(queue, "failed", counts.Failed)
		}
	}
}

// Migrate applies the embedded migrations to the configured database.
func Migrate(ctx context.Context, config configuration.Configuration) error {
	db, err := database.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return errors.WithMessage(err, "Error opening connection to postgres")
	}
	defer db.Close()
	migrations, err := repository.Migrations()
	if err != nil {
		return err
	}
	return database.UpdateDatabase(ctx, db, migrations)
}

var validate = validator.New()

// Submit enqueues a manually triggered orchestration request.
func Submit(ctx context.Context, enqueuer jobqueue.Enqueuer, payload model.OrchestratorPayload) (*jobqueue.Job, error) {
	if payload.TriggeredBy == "" {
		payload.TriggeredBy = model.TriggeredByManual
	}
	if payload.RequestedAt.IsZero() {
		payload.RequestedAt = time.Now().UTC()
	}
	if err := validate.Struct(payload); err != nil {
		return nil, errors.WithStack(err)
	}
	return enqueuer.Enqueue(ctx, jobqueue.EnqueueRequest{
		Queue:   model.OrchestratorQueue,
		Name:    model.OrchestratorJobName,
		Version: model.PayloadVersion,
		Group:   payload.ShopId,
		Payload: payload,
	})
}

// SubmitWithConfig connects to the configured redis and submits payload.
func SubmitWithConfig(ctx context.Context, config configuration.Configuration, payload model.OrchestratorPayload) (*jobqueue.Job, error) {
	policies, err := config.Policies()
	if err != nil {
		return nil, err
	}
	redisClient, err := config.Redis.Connect()
	if err != nil {
		return nil, err
	}
	defer redisClient.Close()
	return Submit(ctx, jobqueue.NewRedisBroker(redisClient, policies), payload)
}
