package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/logging"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/tracing"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/util"
)

type WorkerConfig struct {
	// How long the claim loop sleeps when no job could be claimed.
	PollInterval time.Duration
	// Maximum number of delayed jobs promoted per tick.
	PromoteBatch int
	// How long Run waits for in flight jobs after its context is cancelled.
	ShutdownTimeout time.Duration
	// How often Maintain should run: stalled job recovery and retention cleanup.
	MaintenanceInterval time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.PromoteBatch <= 0 {
		c.PromoteBatch = 100
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 30 * time.Second
	}
	return c
}

// Worker consumes one queue. At most policy.Concurrency jobs run at once; the broker enforces the
// per group limit across all workers of the queue.
type Worker struct {
	broker   *RedisBroker
	queue    string
	policy   Policy
	handler  Handler
	sink     DeadLetterSink
	observer Observer
	config   WorkerConfig
	pool     *ants.Pool
	slots    chan struct{}

	mu     sync.Mutex
	leased map[string]struct{}
	wg     sync.WaitGroup
}

func NewWorker(broker *RedisBroker, queue string, handler Handler, sink DeadLetterSink, observer Observer, config WorkerConfig) (*Worker, error) {
	if handler == nil {
		return nil, errors.Errorf("[NewWorker] no handler for queue %s", queue)
	}
	policy := broker.Policy(queue)
	pool, err := ants.NewPool(policy.Concurrency, ants.WithPanicHandler(func(p interface{}) {
		log.Errorf("worker pool of %s recovered from panic: %v", queue, p)
	}))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if observer == nil {
		observer = LoggingObserver{}
	}
	return &Worker{
		broker:   broker,
		queue:    queue,
		policy:   policy,
		handler:  handler,
		sink:     sink,
		observer: observer,
		config:   config.withDefaults(),
		pool:     pool,
		slots:    make(chan struct{}, policy.Concurrency),
		leased:   map[string]struct{}{},
	}, nil
}

func (w *Worker) Queue() string {
	return w.queue
}

// Run claims and processes jobs until ctx is cancelled, then waits up to the shutdown timeout for
// jobs in flight. Jobs run under their own context so that shutdown does not fail them.
func (w *Worker) Run(ctx context.Context) error {
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()
	defer w.pool.Release()

	maintenanceDone := make(chan struct{})
	go func() {
		defer close(maintenanceDone)
		w.maintain(ctx)
	}()

	log.Infof("worker for queue %s started with concurrency %d", w.queue, w.policy.Concurrency)
	for {
		select {
		case <-ctx.Done():
			w.drain(cancelJobs)
			<-maintenanceDone
			log.Infof("worker for queue %s stopped", w.queue)
			return nil
		case w.slots <- struct{}{}:
		}

		job, err := w.broker.Claim(w.queue)
		if err != nil {
			log.WithError(err).Warnf("error claiming job from %s", w.queue)
		}
		if job == nil {
			<-w.slots
			_ = util.Sleep(ctx, w.config.PollInterval)
			continue
		}

		w.track(job.Id)
		w.wg.Add(1)
		err = w.pool.Submit(func() {
			defer w.wg.Done()
			defer func() { <-w.slots }()
			defer w.untrack(job.Id)
			w.execute(jobCtx, job)
		})
		if err != nil {
			// The lease runs out and the job is recovered as stalled.
			w.wg.Done()
			w.untrack(job.Id)
			<-w.slots
			log.WithError(err).Errorf("error submitting job %s to the worker pool", job.Id)
		}
	}
}

func (w *Worker) drain(cancelJobs context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.config.ShutdownTimeout):
		log.Warnf("jobs of %s still running after %s, cancelling them", w.queue, w.config.ShutdownTimeout)
		cancelJobs()
		<-done
	}
}

// maintain promotes delayed jobs and keeps the leases of running jobs alive.
func (w *Worker) maintain(ctx context.Context) {
	promoteTicker := time.NewTicker(w.config.PollInterval)
	defer promoteTicker.Stop()
	leaseTicker := time.NewTicker(w.policy.LeaseDuration / 3)
	defer leaseTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-promoteTicker.C:
			if _, err := w.broker.PromoteDelayed(w.queue, w.config.PromoteBatch); err != nil {
				log.WithError(err).Warnf("error promoting delayed jobs of %s", w.queue)
			}
		case <-leaseTicker.C:
			if err := w.broker.ExtendLeases(w.queue, w.leasedIds()); err != nil {
				log.WithError(err).Warnf("error extending leases of %s", w.queue)
			}
		}
	}
}

// Maintain recovers stalled jobs and deletes finished jobs and dead letters past retention. Every
// process may run it; the broker scripts make concurrent runs safe.
func (w *Worker) Maintain() error {
	if recovered, err := w.broker.RecoverStalled(w.queue, 1000); err != nil {
		return err
	} else if recovered > 0 {
		log.Warnf("recovered %d stalled jobs on %s", recovered, w.queue)
	}
	if _, err := w.broker.CleanFinished(w.queue); err != nil {
		return err
	}
	if cleaner, ok := w.sink.(*RedisDeadLetterSink); ok {
		if _, err := cleaner.Clean(w.queue, w.policy.DeadLetter.Retention, w.broker.now()); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) MaintenanceInterval() time.Duration {
	return w.config.MaintenanceInterval
}

func (w *Worker) track(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.leased[id] = struct{}{}
}

func (w *Worker) untrack(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.leased, id)
}

func (w *Worker) leasedIds() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.leased))
	for id := range w.leased {
		ids = append(ids, id)
	}
	return ids
}

func (w *Worker) execute(ctx context.Context, job *Job) {
	ctx = tracing.Extract(ctx, job.TraceContext)
	ctx, span := tracing.StartSpan(ctx, "jobqueue.process "+job.Name)
	defer span.End()
	tracing.AddJobCorrelation(span, tracing.JobCorrelation{
		Queue:   job.Queue,
		JobId:   job.Id,
		JobName: job.Name,
		ShopId:  job.Group,
		Attempt: job.AttemptsMade + 1,
	})

	if err := w.handler.Validate(job); err != nil {
		w.observer.OnDropped(job, err)
		if err := w.broker.Remove(job); err != nil {
			log.WithError(err).Warnf("error removing invalid job %s", job.Id)
		}
		return
	}

	w.observer.OnStarted(job)
	start := time.Now()
	result := w.process(ctx, job)
	if err := w.handleResult(ctx, job, result, time.Since(start)); err != nil {
		logging.WithStacktrace(jobLogger(job), err).Error("error recording job outcome")
	}
}

// process runs the handler with the queue's timeout. A panic becomes a failure. A handler that is
// still running at the deadline is abandoned and the job fails with ErrJobTimeout, whatever the
// handler returns later.
func (w *Worker) process(ctx context.Context, job *Job) Result {
	ctx, cancel := context.WithTimeout(ctx, w.policy.Timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Failure(errors.Errorf("job %s panicked: %v", job.Id, r))
			}
		}()
		done <- w.handler.Process(ctx, job)
	}()

	select {
	case result := <-done:
		if result.Outcome == OutcomeFailure && ctx.Err() == context.DeadlineExceeded {
			return w.timedOut()
		}
		return result
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			jobLogger(job).Warnf("handler still running after %s, abandoning it", w.policy.Timeout)
			return w.timedOut()
		}
		// Shutdown: let the handler finish with its cancelled context.
		return <-done
	}
}

func (w *Worker) timedOut() Result {
	return Failure(errors.WithStack(ErrJobTimeout{Timeout: w.policy.Timeout}))
}

// handleResult moves the job to its next state. Only a dead letter write failure under a strict
// policy is returned to the caller; everything else is logged.
func (w *Worker) handleResult(ctx context.Context, job *Job, result Result, duration time.Duration) error {
	switch result.Outcome {
	case OutcomeSuccess:
		if err := w.broker.Complete(job); err != nil {
			return err
		}
		w.observer.OnCompleted(job, duration)
		return nil
	case OutcomeReschedule:
		if result.Payload != nil {
			payload, err := json.Marshal(result.Payload)
			if err != nil {
				return errors.Wrapf(err, "error encoding rescheduled payload of job %s", job.Id)
			}
			job.Payload = payload
		}
		if err := w.broker.Delay(job, result.Delay); err != nil {
			return err
		}
		w.observer.OnRescheduled(job, result.Delay)
		return nil
	}

	err := result.Err
	job.AttemptsMade++
	job.FailedReason = err.Error()
	job.Stacktrace = logging.StackLines(err)
	if !IsUnrecoverable(err) && job.AttemptsMade < job.MaxAttempts {
		if delayErr := w.broker.Delay(job, w.policy.Backoff.Delay(job.AttemptsMade)); delayErr != nil {
			return delayErr
		}
		w.observer.OnFailed(job, err, false)
		return nil
	}
	w.observer.OnFailed(job, err, true)
	return w.deadLetter(ctx, job)
}

func (w *Worker) deadLetter(ctx context.Context, job *Job) error {
	if !w.policy.DeadLetter.Enabled || w.sink == nil {
		return w.broker.Fail(job)
	}
	sendErr := w.sink.Send(ctx, NewDeadLetter(job, w.broker.now()))
	if sendErr == nil {
		return w.broker.Remove(job)
	}
	logging.WithStacktrace(jobLogger(job), sendErr).Error("error writing dead letter, keeping job in the failed set")
	if err := w.broker.Fail(job); err != nil {
		log.WithError(err).Warnf("error marking job %s failed", job.Id)
	}
	if w.policy.DeadLetter.Strict {
		return fmt.Errorf("dead letter for job %s not written: %w", job.Id, sendErr)
	}
	return nil
}
