package failure

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/jobqueue"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/metrics"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/model"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/remote"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/repository"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/logging"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/util"
)

type Outcome string

const (
	OutcomeRetryEnqueued Outcome = "retry_enqueued"
	OutcomeSalvaged      Outcome = "salvaged"
	OutcomeDeadLettered  Outcome = "dlq"
	OutcomeNoRetry       Outcome = "no_retry"
)

type EngineConfig struct {
	RetryBaseDelay time.Duration `validate:"gt=0"`
	RetryMaxDelay  time.Duration `validate:"gt=0"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		RetryBaseDelay: 30 * time.Second,
		RetryMaxDelay:  30 * time.Minute,
	}
}

// RetryDelay is the wait before the orchestrator restarts a run for the given retry (1 based).
func (c EngineConfig) RetryDelay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	delay := c.RetryBaseDelay
	for i := 1; i < retry && delay < c.RetryMaxDelay; i++ {
		delay *= 2
	}
	return util.MinDuration(delay, c.RetryMaxDelay)
}

// RetryJobId is the orchestrator job id of a run's nth retry.
func RetryJobId(runId string, retry int) string {
	return fmt.Sprintf("retry:%s:%d", runId, retry)
}

// TerminalEvent describes a remote operation that ended without a usable result.
type TerminalEvent struct {
	Run          *model.BulkRun
	Status       remote.OperationStatus
	ProviderCode string
	TriggeredBy  model.TriggeredBy
	// The job that observed the failure, copied into dead letters.
	Job *jobqueue.Job
}

// Engine decides what happens to a run whose remote operation failed: restart it, complete it with
// its partial result or give up and dead letter it. Every branch leaves the run in a state that can
// be audited from its steps and errors.
type Engine struct {
	repo     repository.BulkRunRepository
	enqueuer jobqueue.Enqueuer
	// May be nil, in which case abandoned runs are only logged.
	sink    jobqueue.DeadLetterSink
	metrics *metrics.Metrics
	config  EngineConfig
	now     func() time.Time
}

func NewEngine(repo repository.BulkRunRepository, enqueuer jobqueue.Enqueuer, sink jobqueue.DeadLetterSink, m *metrics.Metrics, config EngineConfig) *Engine {
	return &Engine{
		repo:     repo,
		enqueuer: enqueuer,
		sink:     sink,
		metrics:  m,
		config:   config,
		now:      time.Now,
	}
}

func (e *Engine) Handle(ctx context.Context, event TerminalEvent) (Outcome, Decision, error) {
	decision := Classify(event.Status, event.ProviderCode)
	run := event.Run
	logger := logging.ForRun(run.ShopId, run.Id).WithFields(log.Fields{
		"status":         event.Status,
		"providerCode":   event.ProviderCode,
		"classification": decision.Classification,
		"retryCount":     run.RetryCount,
		"maxRetries":     run.MaxRetries,
	})

	var outcome Outcome
	var err error
	switch {
	case !decision.Retryable():
		outcome, err = e.abandon(ctx, event, decision, fmt.Sprintf("permanent_bulk_failure:%s:%s", event.Status, event.ProviderCode))
	case run.RetryCount >= run.MaxRetries && run.PartialDataUrl != "":
		outcome, err = e.salvage(ctx, event, decision)
	case run.RetryCount >= run.MaxRetries:
		outcome, err = e.abandon(ctx, event, decision, fmt.Sprintf("max_retries_exceeded:%s", event.Status))
	default:
		outcome, err = e.retry(ctx, event, decision)
	}
	if err != nil {
		return outcome, decision, err
	}
	e.metrics.TerminalOutcome(string(outcome))
	logger.WithField("outcome", outcome).Warn("remote bulk operation failed")
	return outcome, decision, nil
}

func (e *Engine) retry(ctx context.Context, event TerminalEvent, decision Decision) (Outcome, error) {
	run := event.Run
	contract, ok := run.CursorState.Contract()
	if !ok || contract.GraphqlQuery == "" {
		// Nothing to restart with.
		return e.abandon(ctx, event, decision, fmt.Sprintf("missing_query_contract:%s", event.Status))
	}

	// The retry job is enqueued before the run is reset, so a failed enqueue leaves the run as it was
	// and the poller job that reported the failure is retried. The job id makes that second attempt a
	// no-op when the first enqueue went through but the reset did not.
	nextRetry := run.RetryCount + 1
	delay := e.config.RetryDelay(nextRetry)
	_, err := e.enqueuer.Enqueue(ctx, jobqueue.EnqueueRequest{
		Queue:   model.OrchestratorQueue,
		Name:    model.OrchestratorJobName,
		Version: model.PayloadVersion,
		Group:   run.ShopId,
		JobId:   RetryJobId(run.Id, nextRetry),
		Delay:   delay,
		Payload: model.OrchestratorPayload{
			ShopId:         run.ShopId,
			OperationType:  run.OperationType,
			QueryType:      run.QueryType,
			GraphqlQuery:   contract.GraphqlQuery,
			IdempotencyKey: run.IdempotencyKey,
			TriggeredBy:    event.TriggeredBy,
			RequestedAt:    e.now(),
		},
	})
	if err != nil {
		return "", errors.WithMessagef(err, "error enqueueing retry of run %s", run.Id)
	}
	reset, err := e.repo.ResetForRetry(ctx, run.Id)
	if err != nil {
		return "", errors.WithMessagef(err, "error resetting run %s for retry", run.Id)
	}
	err = e.repo.InsertStep(ctx, model.BulkStep{
		BulkRunId: run.Id,
		ShopId:    run.ShopId,
		StepName:  model.StepPollerRetryEnqueued,
		Details: map[string]interface{}{
			"retryCount":   reset.RetryCount,
			"maxRetries":   reset.MaxRetries,
			"delaySeconds": delay.Seconds(),
			"errorType":    string(decision.ErrorType),
		},
	})
	return OutcomeRetryEnqueued, err
}

func (e *Engine) salvage(ctx context.Context, event TerminalEvent, decision Decision) (Outcome, error) {
	run := event.Run
	now := e.now()
	completed := model.BulkRunCompleted
	message := fmt.Sprintf("salvaged partial result after %s", event.Status)
	_, err := e.repo.UpdateRun(ctx, run.Id, repository.RunUpdate{
		Status:       &completed,
		ResultUrl:    &run.PartialDataUrl,
		ErrorMessage: &message,
		CompletedAt:  &now,
		CursorState: run.CursorState.WithSalvage(model.SalvageInfo{
			Partial: true,
			Url:     run.PartialDataUrl,
			At:      now,
			Reason:  string(decision.ErrorType),
		}),
	})
	if err != nil {
		return "", errors.WithMessagef(err, "error completing run %s with its partial result", run.Id)
	}
	err = e.repo.InsertError(ctx, model.BulkError{
		BulkRunId:    run.Id,
		ShopId:       run.ShopId,
		ErrorType:    model.ErrorTypeSalvage,
		ErrorCode:    decision.ErrorCode,
		ErrorMessage: message,
		Payload: map[string]interface{}{
			"terminalStatus": string(event.Status),
			"providerCode":   event.ProviderCode,
			"retryCount":     run.RetryCount,
			"partialDataUrl": run.PartialDataUrl,
		},
	})
	if err != nil {
		return "", err
	}
	err = e.repo.InsertStep(ctx, model.BulkStep{
		BulkRunId: run.Id,
		ShopId:    run.ShopId,
		StepName:  model.StepPollerSalvagedPartial,
		Details:   map[string]interface{}{"partial": true, "url": run.PartialDataUrl},
	})
	if err != nil {
		return "", err
	}
	_, err = e.enqueuer.Enqueue(ctx, jobqueue.EnqueueRequest{
		Queue:   model.IngestQueue,
		Name:    model.IngestJobName,
		Version: model.PayloadVersion,
		Group:   run.ShopId,
		JobId:   "ingest-" + run.Id,
		Payload: model.IngestPayload{
			ShopId:      run.ShopId,
			BulkRunId:   run.Id,
			ResultUrl:   run.PartialDataUrl,
			Partial:     true,
			TriggeredBy: event.TriggeredBy,
			RequestedAt: now,
		},
	})
	if err != nil {
		return "", errors.WithMessagef(err, "error enqueueing ingest of salvaged run %s", run.Id)
	}
	return OutcomeSalvaged, nil
}

type deadLetterData struct {
	OriginalJob json.RawMessage        `json:"originalJob,omitempty"`
	ErrorType   ErrorType              `json:"errorType"`
	Attempts    map[string]int         `json:"attempts"`
	LastError   map[string]interface{} `json:"lastError"`
	ShopId      string                 `json:"shopId"`
	BulkRunId   string                 `json:"bulkRunId"`
}

// abandon dead letters the failure, when a sink is wired, and marks the run with its terminal status.
func (e *Engine) abandon(ctx context.Context, event TerminalEvent, decision Decision, reason string) (Outcome, error) {
	run := event.Run
	outcome := OutcomeNoRetry
	if e.sink != nil {
		letter, err := e.deadLetter(event, decision, reason)
		if err != nil {
			return "", err
		}
		if err := e.sink.Send(ctx, letter); err != nil {
			return "", errors.WithMessagef(err, "error dead lettering run %s", run.Id)
		}
		outcome = OutcomeDeadLettered
		err = e.repo.InsertStep(ctx, model.BulkStep{
			BulkRunId: run.Id,
			ShopId:    run.ShopId,
			StepName:  model.StepPollerDeadLettered,
			Details:   map[string]interface{}{"reason": reason},
		})
		if err != nil {
			return "", err
		}
	} else {
		logging.ForRun(run.ShopId, run.Id).WithField("reason", reason).Warn("no dead letter sink configured, failure is only recorded on the run")
	}

	now := e.now()
	status := runStatusFor(event.Status)
	message := fmt.Sprintf("%s (%s)", reason, decision.ErrorType)
	_, err := e.repo.UpdateRun(ctx, run.Id, repository.RunUpdate{
		Status:       &status,
		ErrorMessage: &message,
		CompletedAt:  &now,
	})
	if err != nil {
		return "", errors.WithMessagef(err, "error marking run %s %s", run.Id, status)
	}
	err = e.repo.InsertStep(ctx, model.BulkStep{
		BulkRunId:    run.Id,
		ShopId:       run.ShopId,
		StepName:     model.StepPollerFailed,
		Status:       model.StepFailed,
		ErrorMessage: message,
		Details: map[string]interface{}{
			"outcome":        string(outcome),
			"classification": string(decision.Classification),
		},
	})
	return outcome, err
}

func (e *Engine) deadLetter(event TerminalEvent, decision Decision, reason string) (jobqueue.DeadLetter, error) {
	run := event.Run
	data := deadLetterData{
		ErrorType: decision.ErrorType,
		Attempts:  map[string]int{"retryCount": run.RetryCount, "maxRetries": run.MaxRetries},
		LastError: map[string]interface{}{
			"terminalStatus": string(event.Status),
			"providerCode":   event.ProviderCode,
			"errorCode":      decision.ErrorCode,
		},
		ShopId:    run.ShopId,
		BulkRunId: run.Id,
	}
	letter := jobqueue.DeadLetter{
		OriginalQueue:   model.PollerQueue,
		OriginalJobId:   run.Id,
		OriginalJobName: model.PollerJobName,
		AttemptsMade:    run.RetryCount,
		FailedReason:    reason,
		OccurredAt:      e.now(),
	}
	if event.Job != nil {
		letter.OriginalQueue = event.Job.Queue
		letter.OriginalJobId = event.Job.Id
		letter.OriginalJobName = event.Job.Name
		data.OriginalJob = event.Job.Payload
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return jobqueue.DeadLetter{}, errors.WithStack(err)
	}
	letter.Data = encoded
	return letter, nil
}

func runStatusFor(status remote.OperationStatus) model.BulkRunStatus {
	switch status {
	case remote.StatusCanceled:
		return model.BulkRunCanceled
	case remote.StatusExpired:
		return model.BulkRunExpired
	}
	return model.BulkRunFailed
}
