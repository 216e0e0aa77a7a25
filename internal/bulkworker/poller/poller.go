package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/failure"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/jobqueue"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/metrics"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/model"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/ratelimit"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/remote"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/repository"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/errs"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/logging"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/util"
)

type Config struct {
	// Wait before the n-th poll is Backoff[n], clamped to the last entry.
	Backoff []time.Duration `validate:"min=1"`
	// Runs still not finished this long after the poller was first enqueued are failed.
	Timeout     time.Duration `validate:"gt=0"`
	PollCost    int64         `validate:"gt=0"`
	GateMaxWait time.Duration
	// How long the remote API keeps result files available.
	ResultTTL time.Duration `validate:"gt=0"`
}

func DefaultConfig() Config {
	return Config{
		Backoff:     []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 30 * time.Second},
		Timeout:     4 * time.Hour,
		PollCost:    1,
		GateMaxWait: 5 * time.Second,
		ResultTTL:   7 * 24 * time.Hour,
	}
}

func (c Config) nextDelay(pollAttempt int) time.Duration {
	if len(c.Backoff) == 0 {
		return 0
	}
	if pollAttempt < 0 {
		pollAttempt = 0
	}
	if pollAttempt >= len(c.Backoff) {
		pollAttempt = len(c.Backoff) - 1
	}
	return c.Backoff[pollAttempt]
}

// Poller follows a started remote operation until it finishes, then hands the run to ingestion or
// to the failure engine.
type Poller struct {
	repo     repository.BulkRunRepository
	gate     ratelimit.Gate
	client   remote.Client
	enqueuer jobqueue.Enqueuer
	engine   *failure.Engine
	metrics  *metrics.Metrics
	config   Config
	now      func() time.Time
}

func New(
	repo repository.BulkRunRepository,
	gate ratelimit.Gate,
	client remote.Client,
	enqueuer jobqueue.Enqueuer,
	engine *failure.Engine,
	m *metrics.Metrics,
	config Config,
) *Poller {
	return &Poller{
		repo:     repo,
		gate:     gate,
		client:   client,
		enqueuer: enqueuer,
		engine:   engine,
		metrics:  m,
		config:   config,
		now:      time.Now,
	}
}

func (p *Poller) Handler() jobqueue.Handler {
	return jobqueue.NewTypedHandler[model.PollerPayload](model.PollerJobName, model.PayloadVersion, p.Process)
}

func (p *Poller) Process(ctx context.Context, job *jobqueue.Job, payload *model.PollerPayload) jobqueue.Result {
	logger := logging.ForRun(payload.ShopId, payload.BulkRunId).WithFields(log.Fields{
		"remoteOperationId": payload.RemoteOperationId,
		"pollAttempt":       payload.PollAttempt,
	})

	run, err := p.repo.GetRun(ctx, payload.BulkRunId)
	if errs.IsNotFound(err) {
		return jobqueue.Failure(jobqueue.Unrecoverable(err))
	}
	if err != nil {
		return jobqueue.Failure(err)
	}
	if run.Status.IsTerminal() {
		logger.Infof("run already finished with status %s, stopping", run.Status)
		return jobqueue.Success()
	}
	if run.RemoteOperationId != payload.RemoteOperationId {
		logger.Infof("run moved on to remote operation %q, stopping", run.RemoteOperationId)
		return jobqueue.Success()
	}

	if age := p.now().Sub(payload.RequestedAt); age > p.config.Timeout {
		return p.timeout(ctx, run, age, logger)
	}

	err = p.repo.InsertStep(ctx, model.BulkStep{
		BulkRunId: run.Id,
		ShopId:    run.ShopId,
		StepName:  model.StepPollerTick,
		Details:   map[string]interface{}{"pollAttempt": payload.PollAttempt},
	})
	if err != nil {
		return jobqueue.Failure(err)
	}

	decision, err := ratelimit.Wait(ctx, p.gate, run.ShopId, p.config.PollCost, p.config.GateMaxWait)
	if err != nil {
		return jobqueue.Failure(err)
	}
	if !decision.Allowed {
		return jobqueue.Reschedule(util.MaxDuration(decision.Delay, p.config.nextDelay(payload.PollAttempt)))
	}

	operation, throttle, err := p.client.GetBulkOperation(ctx, run.ShopId, payload.RemoteOperationId)
	var throttleDelay time.Duration
	if throttle != nil {
		throttleDelay = p.throttleDelay(*throttle)
		if err := p.gate.Sync(run.ShopId, *throttle); err != nil {
			logging.WithStacktrace(logger, err).Warn("error syncing throttle status")
		}
	}
	if rateLimited, ok := remote.IsRateLimited(err); ok {
		return jobqueue.Reschedule(rateLimited.RetryAfter)
	}
	if err != nil {
		return jobqueue.Failure(err)
	}

	if operation == nil {
		p.metrics.PollTick("NOT_FOUND")
		return p.next(payload, throttleDelay)
	}
	p.metrics.PollTick(string(operation.Status))
	logger.WithFields(log.Fields{
		"status":      operation.Status,
		"objectCount": operation.ObjectCount,
		"fileSize":    operation.FileSize,
	}).Info("polled remote bulk operation")

	if operation.PartialDataUrl != "" {
		run, err = p.recordPartial(ctx, run, operation)
		if err != nil {
			return jobqueue.Failure(err)
		}
	}

	switch {
	case operation.Status == remote.StatusCompleted:
		return p.completed(ctx, run, operation, payload, logger)
	case operation.Status.IsTerminalFailure():
		return p.terminalFailure(ctx, job, run, operation, payload)
	default:
		return p.next(payload, throttleDelay)
	}
}

// next reschedules the poll with the attempt counter carried on the payload.
func (p *Poller) next(payload *model.PollerPayload, throttleDelay time.Duration) jobqueue.Result {
	delay := util.MaxDuration(p.config.nextDelay(payload.PollAttempt), throttleDelay)
	next := *payload
	next.PollAttempt++
	return jobqueue.RescheduleWithPayload(delay, next)
}

// throttleDelay is the time the remote bucket needs to refill enough for another poll.
func (p *Poller) throttleDelay(status ratelimit.ThrottleStatus) time.Duration {
	missing := float64(p.config.PollCost) - status.CurrentlyAvailable
	if missing <= 0 || status.RestoreRate <= 0 {
		return 0
	}
	return time.Duration(missing / status.RestoreRate * float64(time.Second))
}

func (p *Poller) recordPartial(ctx context.Context, run *model.BulkRun, operation *remote.BulkOperation) (*model.BulkRun, error) {
	if run.PartialDataUrl != operation.PartialDataUrl {
		updated, err := p.repo.UpdateRun(ctx, run.Id, repository.RunUpdate{PartialDataUrl: &operation.PartialDataUrl})
		if err != nil {
			return nil, err
		}
		run = updated
	}
	return run, p.artifact(ctx, run, model.ArtifactPartial, operation.PartialDataUrl, operation.FileSize)
}

func (p *Poller) artifact(ctx context.Context, run *model.BulkRun, artifactType model.ArtifactType, url string, size int64) error {
	expires := p.now().Add(p.config.ResultTTL)
	return p.repo.UpsertArtifact(ctx, model.BulkArtifact{
		BulkRunId:    run.Id,
		ShopId:       run.ShopId,
		ArtifactType: artifactType,
		Url:          url,
		BytesSize:    size,
		ExpiresAt:    &expires,
	})
}

func (p *Poller) completed(ctx context.Context, run *model.BulkRun, operation *remote.BulkOperation, payload *model.PollerPayload, logger *log.Entry) jobqueue.Result {
	now := p.now()
	url := operation.Url
	partial := false
	if url == "" {
		url = operation.PartialDataUrl
		partial = true
	}
	if url == "" {
		message := "remote operation completed without a result url"
		failed := model.BulkRunFailed
		if err := p.repo.InsertStep(ctx, model.BulkStep{
			BulkRunId:    run.Id,
			ShopId:       run.ShopId,
			StepName:     model.StepPollerMissingUrl,
			Status:       model.StepFailed,
			ErrorMessage: message,
		}); err != nil {
			return jobqueue.Failure(err)
		}
		if err := p.repo.InsertError(ctx, model.BulkError{
			BulkRunId:    run.Id,
			ShopId:       run.ShopId,
			ErrorType:    model.ErrorTypePoller,
			ErrorCode:    "MISSING_RESULT_URL",
			ErrorMessage: message,
		}); err != nil {
			return jobqueue.Failure(err)
		}
		if _, err := p.repo.UpdateRun(ctx, run.Id, repository.RunUpdate{Status: &failed, ErrorMessage: &message, CompletedAt: &now}); err != nil {
			return jobqueue.Failure(err)
		}
		logger.Warn(message)
		return jobqueue.Success()
	}

	completed := model.BulkRunCompleted
	_, err := p.repo.UpdateRun(ctx, run.Id, repository.RunUpdate{
		Status:      &completed,
		ResultUrl:   &url,
		CompletedAt: &now,
	})
	if err != nil {
		return jobqueue.Failure(err)
	}
	artifactType := model.ArtifactResult
	if partial {
		artifactType = model.ArtifactPartial
	}
	if err := p.artifact(ctx, run, artifactType, url, operation.FileSize); err != nil {
		return jobqueue.Failure(err)
	}
	err = p.repo.InsertStep(ctx, model.BulkStep{
		BulkRunId: run.Id,
		ShopId:    run.ShopId,
		StepName:  model.StepPollerCompleted,
		Details: map[string]interface{}{
			"objectCount": operation.ObjectCount,
			"fileSize":    operation.FileSize,
			"partial":     partial,
			"pollAttempt": payload.PollAttempt,
		},
	})
	if err != nil {
		return jobqueue.Failure(err)
	}
	_, err = p.enqueuer.Enqueue(ctx, jobqueue.EnqueueRequest{
		Queue:   model.IngestQueue,
		Name:    model.IngestJobName,
		Version: model.PayloadVersion,
		Group:   run.ShopId,
		JobId:   "ingest-" + run.Id,
		Payload: model.IngestPayload{
			ShopId:      run.ShopId,
			BulkRunId:   run.Id,
			ResultUrl:   url,
			Partial:     partial,
			TriggeredBy: payload.TriggeredBy,
			RequestedAt: now,
		},
	})
	if err != nil {
		return jobqueue.Failure(errors.WithMessagef(err, "error enqueueing ingest of run %s", run.Id))
	}
	logger.WithField("partial", partial).Info("remote bulk operation completed")
	return jobqueue.Success()
}

func (p *Poller) terminalFailure(ctx context.Context, job *jobqueue.Job, run *model.BulkRun, operation *remote.BulkOperation, payload *model.PollerPayload) jobqueue.Result {
	code := operation.ErrorCode
	if code == "" {
		code = string(operation.Status)
	}
	err := p.repo.InsertError(ctx, model.BulkError{
		BulkRunId:    run.Id,
		ShopId:       run.ShopId,
		ErrorType:    model.ErrorTypePoller,
		ErrorCode:    code,
		ErrorMessage: fmt.Sprintf("remote operation ended with status %s", operation.Status),
		Payload: map[string]interface{}{
			"remoteOperationId": operation.Id,
			"partialDataUrl":    operation.PartialDataUrl,
			"objectCount":       operation.ObjectCount,
		},
	})
	if err != nil {
		return jobqueue.Failure(err)
	}
	_, _, err = p.engine.Handle(ctx, failure.TerminalEvent{
		Run:          run,
		Status:       operation.Status,
		ProviderCode: operation.ErrorCode,
		TriggeredBy:  payload.TriggeredBy,
		Job:          job,
	})
	if err != nil {
		return jobqueue.Failure(err)
	}
	return jobqueue.Success()
}

func (p *Poller) timeout(ctx context.Context, run *model.BulkRun, age time.Duration, logger *log.Entry) jobqueue.Result {
	message := fmt.Sprintf("poll timeout after %s", age.Round(time.Second))
	now := p.now()
	failed := model.BulkRunFailed
	err := p.repo.InsertStep(ctx, model.BulkStep{
		BulkRunId:    run.Id,
		ShopId:       run.ShopId,
		StepName:     model.StepPollerTimeout,
		Status:       model.StepFailed,
		ErrorMessage: message,
		Details:      map[string]interface{}{"ageMs": age.Milliseconds()},
	})
	if err != nil {
		return jobqueue.Failure(err)
	}
	err = p.repo.InsertError(ctx, model.BulkError{
		BulkRunId:    run.Id,
		ShopId:       run.ShopId,
		ErrorType:    model.ErrorTypeTimeout,
		ErrorCode:    "timeout",
		ErrorMessage: message,
	})
	if err != nil {
		return jobqueue.Failure(err)
	}
	if _, err := p.repo.UpdateRun(ctx, run.Id, repository.RunUpdate{Status: &failed, ErrorMessage: &message, CompletedAt: &now}); err != nil {
		return jobqueue.Failure(err)
	}
	logger.Warn(message)
	return jobqueue.Success()
}
