package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/jobqueue"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/lock"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/metrics"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/model"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/ratelimit"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/remote"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/repository"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/errs"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/logging"
)

// ContractVersion is the version stored with the query contract of new runs.
const ContractVersion = 1

const errorCodeStartFailed = "BULK_ORCHESTRATOR_FAILED"

type Config struct {
	LockTTL           time.Duration `validate:"gt=0"`
	LockRenewInterval time.Duration `validate:"gt=0"`
	// Delay before retrying an orchestration that found the shop locked.
	ContentionDelay time.Duration `validate:"gt=0"`
	// Tokens taken from the shop's rate gate before starting a remote operation.
	StartCost int64 `validate:"gt=0"`
	// Longest in-process wait for the rate gate before the job is rescheduled instead.
	GateMaxWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		LockTTL:           lock.DefaultTTL,
		LockRenewInterval: lock.DefaultRenewInterval,
		ContentionDelay:   lock.DefaultContentionDelay,
		StartCost:         10,
		GateMaxWait:       5 * time.Second,
	}
}

// Orchestrator creates or resumes the bulk run of an orchestration request and starts its remote
// operation. At most one orchestration per shop makes progress at a time, guarded by the shop lock.
type Orchestrator struct {
	repo     repository.BulkRunRepository
	locks    lock.BulkLock
	gate     ratelimit.Gate
	client   remote.Client
	enqueuer jobqueue.Enqueuer
	metrics  *metrics.Metrics
	config   Config
	now      func() time.Time
}

func New(
	repo repository.BulkRunRepository,
	locks lock.BulkLock,
	gate ratelimit.Gate,
	client remote.Client,
	enqueuer jobqueue.Enqueuer,
	m *metrics.Metrics,
	config Config,
) *Orchestrator {
	return &Orchestrator{
		repo:     repo,
		locks:    locks,
		gate:     gate,
		client:   client,
		enqueuer: enqueuer,
		metrics:  m,
		config:   config,
		now:      time.Now,
	}
}

func (o *Orchestrator) Handler() jobqueue.Handler {
	return jobqueue.NewTypedHandler[model.OrchestratorPayload](model.OrchestratorJobName, model.PayloadVersion, o.Process)
}

// DeriveIdempotencyKey is the key used for requests that did not bring their own.
func DeriveIdempotencyKey(shopId string, operationType model.OperationType, queryType string, query string) string {
	queryHash := sha256.Sum256([]byte(query))
	key := sha256.Sum256([]byte(strings.Join([]string{
		shopId, string(operationType), queryType, hex.EncodeToString(queryHash[:]),
	}, "|")))
	return hex.EncodeToString(key[:])
}

func (o *Orchestrator) Process(ctx context.Context, job *jobqueue.Job, payload *model.OrchestratorPayload) jobqueue.Result {
	logger := logging.ForRun(payload.ShopId, "").WithFields(log.Fields{
		"operationType": payload.OperationType,
		"triggeredBy":   payload.TriggeredBy,
	})
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("bulk.shop_id", payload.ShopId),
		attribute.String("bulk.operation_type", string(payload.OperationType)),
		attribute.String("bulk.query_type", payload.QueryType),
	)

	handle, err := o.locks.Acquire(payload.ShopId, o.config.LockTTL)
	if err != nil {
		return jobqueue.Failure(err)
	}
	if handle == nil {
		o.metrics.LockContended()
		logger.Infof("shop is locked by another bulk operation, retrying in %s", o.config.ContentionDelay)
		return jobqueue.Reschedule(o.config.ContentionDelay)
	}
	renewer := lock.StartRenewer(o.locks, handle, o.config.LockTTL, o.config.LockRenewInterval)
	defer func() {
		renewer.Stop()
		if released, err := o.locks.Release(handle); err != nil {
			logging.WithStacktrace(logger, err).Warn("error releasing shop lock")
		} else if !released {
			logger.Warn("shop lock was no longer held on release")
		}
	}()

	return o.orchestrate(ctx, job, payload, renewer, logger)
}

func (o *Orchestrator) orchestrate(
	ctx context.Context,
	job *jobqueue.Job,
	payload *model.OrchestratorPayload,
	renewer *lock.Renewer,
	logger *log.Entry,
) jobqueue.Result {
	key := strings.TrimSpace(payload.IdempotencyKey)
	if key == "" {
		key = DeriveIdempotencyKey(payload.ShopId, payload.OperationType, payload.QueryType, payload.GraphqlQuery)
	}
	run, created, err := o.createOrLoad(ctx, payload, key)
	if err != nil {
		return jobqueue.Failure(err)
	}
	logger = logger.WithField(logging.BulkRunIdField, run.Id)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("bulk.run_id", run.Id))

	if run.Status.IsTerminal() {
		logger.Infof("run already finished with status %s, nothing to do", run.Status)
		return jobqueue.Success()
	}
	err = o.step(ctx, run, model.StepOrchestratorAcquireLock, map[string]interface{}{
		"created":   created,
		"jobId":     job.Id,
		"lockTTLms": o.config.LockTTL.Milliseconds(),
	})
	if err != nil {
		return jobqueue.Failure(err)
	}

	if run.RemoteOperationId != "" {
		logger.Infof("run already has remote operation %s, resuming polling", run.RemoteOperationId)
		if err := o.step(ctx, run, model.StepOrchestratorResume, map[string]interface{}{"remoteOperationId": run.RemoteOperationId}); err != nil {
			return jobqueue.Failure(err)
		}
		if err := o.enqueuePoller(ctx, run, payload); err != nil {
			return jobqueue.Failure(err)
		}
		return jobqueue.Success()
	}

	query := payload.GraphqlQuery
	if run.IdempotencyKey != key {
		// Resuming the shop's other active run, which must be restarted with its own query.
		contract, ok := run.CursorState.Contract()
		if !ok || contract.GraphqlQuery == "" {
			return jobqueue.Failure(errors.Errorf("active run %s of shop %s has no stored query", run.Id, run.ShopId))
		}
		query = contract.GraphqlQuery
	}

	decision, err := ratelimit.Wait(ctx, o.gate, run.ShopId, o.config.StartCost, o.config.GateMaxWait)
	if err != nil {
		return jobqueue.Failure(err)
	}
	if !decision.Allowed {
		logger.Infof("rate gate closed, retrying in %s", decision.Delay)
		return jobqueue.Reschedule(decision.Delay)
	}

	select {
	case <-renewer.Lost():
		return jobqueue.Failure(errors.Errorf("lost lock of shop %s before starting the remote operation", run.ShopId))
	default:
	}

	operation, throttle, err := o.client.StartBulkQuery(ctx, run.ShopId, query)
	if throttle != nil {
		if err := o.gate.Sync(run.ShopId, *throttle); err != nil {
			logging.WithStacktrace(logger, err).Warn("error syncing throttle status")
		}
	}
	if err != nil {
		return o.startFailed(ctx, job, run, err, logger)
	}

	now := o.now()
	running := model.BulkRunRunning
	run, err = o.repo.UpdateRun(ctx, run.Id, repository.RunUpdate{
		Status:            &running,
		RemoteOperationId: &operation.Id,
		StartedAt:         &now,
	})
	if err != nil {
		return jobqueue.Failure(err)
	}
	o.metrics.RunStarted(string(run.OperationType))
	err = o.step(ctx, run, model.StepOrchestratorStartBulk, map[string]interface{}{
		"remoteOperationId": operation.Id,
		"remoteStatus":      string(operation.Status),
		"retryCount":        run.RetryCount,
	})
	if err != nil {
		return jobqueue.Failure(err)
	}
	if err := o.enqueuePoller(ctx, run, payload); err != nil {
		return jobqueue.Failure(err)
	}
	logger.WithField("remoteOperationId", operation.Id).Info("started remote bulk operation")
	return jobqueue.Success()
}

// createOrLoad inserts the run of a request, or loads the run that made the insert fail: the one
// with the same idempotency key, or else the shop's active run.
func (o *Orchestrator) createOrLoad(ctx context.Context, payload *model.OrchestratorPayload, key string) (*model.BulkRun, bool, error) {
	run := &model.BulkRun{
		ShopId:         payload.ShopId,
		OperationType:  payload.OperationType,
		QueryType:      payload.QueryType,
		Status:         model.BulkRunPending,
		IdempotencyKey: key,
		MaxRetries:     model.DefaultMaxRetries,
		CursorState: model.CursorState{}.WithContract(model.QueryContract{
			OperationType: payload.OperationType,
			QueryType:     payload.QueryType,
			Version:       ContractVersion,
			GraphqlQuery:  payload.GraphqlQuery,
		}),
	}
	err := o.repo.CreateRun(ctx, run)
	if err == nil {
		return run, true, nil
	}
	if !errs.IsAlreadyExists(err) {
		return nil, false, err
	}

	existing, err := o.repo.GetRunByIdempotencyKey(ctx, key)
	if err == nil {
		return existing, false, nil
	}
	if !errs.IsNotFound(err) {
		return nil, false, err
	}
	existing, err = o.repo.GetActiveRun(ctx, payload.ShopId)
	if err != nil {
		return nil, false, errors.WithMessagef(err, "run of shop %s conflicted but could not be loaded", payload.ShopId)
	}
	return existing, false, nil
}

// startFailed turns an error of the remote start call into the job result. Rate limits reschedule,
// permanent errors fail the run and dead letter the job, anything else is retried by the queue and
// only fails the run once the job has no attempts left.
func (o *Orchestrator) startFailed(ctx context.Context, job *jobqueue.Job, run *model.BulkRun, err error, logger *log.Entry) jobqueue.Result {
	if rateLimited, ok := remote.IsRateLimited(err); ok {
		logger.Infof("remote api rate limited the start, retrying in %s", rateLimited.RetryAfter)
		return jobqueue.Reschedule(rateLimited.RetryAfter)
	}

	permanent := remote.IsPermanent(err)
	lastAttempt := job.MaxAttempts > 0 && job.AttemptsMade+1 >= job.MaxAttempts
	errorType := startErrorType(err)
	recordErr := o.repo.InsertError(ctx, model.BulkError{
		BulkRunId:    run.Id,
		ShopId:       run.ShopId,
		ErrorType:    model.ErrorTypeOrchestrator,
		ErrorCode:    errorCodeStartFailed,
		ErrorMessage: err.Error(),
		Payload: map[string]interface{}{
			"permanent": permanent,
			"errorType": errorType,
			"attempt":   job.AttemptsMade + 1,
		},
	})
	if recordErr != nil {
		logging.WithStacktrace(logger, recordErr).Warn("error recording start failure")
	}

	if permanent || lastAttempt {
		failed := model.BulkRunFailed
		message := err.Error()
		now := o.now()
		if _, updateErr := o.repo.UpdateRun(ctx, run.Id, repository.RunUpdate{
			Status:       &failed,
			ErrorMessage: &message,
			CompletedAt:  &now,
		}); updateErr != nil {
			logging.WithStacktrace(logger, updateErr).Warn("error marking run failed")
		}
		if stepErr := o.repo.InsertStep(ctx, model.BulkStep{
			BulkRunId:    run.Id,
			ShopId:       run.ShopId,
			StepName:     model.StepOrchestratorStartBulk,
			Status:       model.StepFailed,
			ErrorMessage: message,
			Details:      map[string]interface{}{"errorType": errorType, "permanent": permanent},
		}); stepErr != nil {
			logging.WithStacktrace(logger, stepErr).Warn("error recording start step")
		}
	}
	if permanent {
		logging.WithStacktrace(logger, err).Error("remote api permanently rejected the bulk operation")
		return jobqueue.Failure(jobqueue.Unrecoverable(err))
	}
	return jobqueue.Failure(err)
}

func startErrorType(err error) string {
	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "invalid"):
		return "INVALID_QUERY"
	case strings.Contains(message, "access denied"),
		strings.Contains(message, "unauthorized"),
		strings.Contains(message, "forbidden"),
		strings.Contains(message, "missing scope"),
		strings.Contains(message, "not installed"):
		return "AUTH_FAILED"
	}
	return "UNKNOWN"
}

// enqueuePoller hands the run to the poller. The poll timeout counts from when the export was
// requested, so the request time travels with it.
func (o *Orchestrator) enqueuePoller(ctx context.Context, run *model.BulkRun, payload *model.OrchestratorPayload) error {
	requestedAt := payload.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = o.now()
	}
	_, err := o.enqueuer.Enqueue(ctx, jobqueue.EnqueueRequest{
		Queue:   model.PollerQueue,
		Name:    model.PollerJobName,
		Version: model.PayloadVersion,
		Group:   run.ShopId,
		// One poller per remote operation.
		JobId: "poll:" + run.Id + ":" + run.RemoteOperationId,
		Payload: model.PollerPayload{
			ShopId:            run.ShopId,
			BulkRunId:         run.Id,
			RemoteOperationId: run.RemoteOperationId,
			TriggeredBy:       payload.TriggeredBy,
			RequestedAt:       requestedAt,
		},
	})
	return errors.WithMessagef(err, "error enqueueing poller of run %s", run.Id)
}

func (o *Orchestrator) step(ctx context.Context, run *model.BulkRun, name string, details map[string]interface{}) error {
	return o.repo.InsertStep(ctx, model.BulkStep{
		BulkRunId: run.Id,
		ShopId:    run.ShopId,
		StepName:  name,
		Details:   details,
	})
}
