package jobqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu          sync.Mutex
	started     int
	completed   int
	rescheduled int
	retried     int
	failed      int
	dropped     int
}

func (o *recordingObserver) OnStarted(*Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *recordingObserver) OnCompleted(*Job, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed++
}

func (o *recordingObserver) OnRescheduled(*Job, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rescheduled++
}

func (o *recordingObserver) OnFailed(_ *Job, _ error, final bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if final {
		o.failed++
	} else {
		o.retried++
	}
}

func (o *recordingObserver) OnDropped(*Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped++
}

func (o *recordingObserver) snapshot() recordingObserver {
	o.mu.Lock()
	defer o.mu.Unlock()
	return recordingObserver{
		started:     o.started,
		completed:   o.completed,
		rescheduled: o.rescheduled,
		retried:     o.retried,
		failed:      o.failed,
		dropped:     o.dropped,
	}
}

type failingSink struct{}

func (failingSink) Send(context.Context, DeadLetter) error {
	return errors.New("dead letter store unavailable")
}

func testPolicy(strict bool) Policy {
	return Policy{
		Attempts:         2,
		Backoff:          BackoffStrategy{Name: "test", Table: []time.Duration{10 * time.Millisecond}},
		Timeout:          time.Second,
		Concurrency:      2,
		GroupConcurrency: 1,
		DeadLetter:       DeadLetterPolicy{Enabled: true, Strict: strict},
	}
}

type workerFixture struct {
	broker   *RedisBroker
	sink     *RedisDeadLetterSink
	observer *recordingObserver
	db       *miniredis.Miniredis
}

func withWorkerFixture(t *testing.T, policy Policy, action func(f *workerFixture)) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()
	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()

	action(&workerFixture{
		broker:   NewRedisBroker(client, map[string]Policy{"q": policy}),
		sink:     NewRedisDeadLetterSink(client),
		observer: &recordingObserver{},
		db:       db,
	})
}

func typedHandler(process func(ctx context.Context, job *Job, payload *testPayload) Result) Handler {
	return NewTypedHandler[testPayload]("test.job", 1, process)
}

func runWorker(t *testing.T, worker *Worker) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func TestWorker_ProcessesJobs(t *testing.T) {
	withWorkerFixture(t, testPolicy(false), func(f *workerFixture) {
		var mu sync.Mutex
		seen := map[int]bool{}
		handler := typedHandler(func(ctx context.Context, job *Job, payload *testPayload) Result {
			mu.Lock()
			defer mu.Unlock()
			seen[payload.N] = true
			return Success()
		})
		worker, err := NewWorker(f.broker, "q", handler, f.sink, f.observer, WorkerConfig{PollInterval: 5 * time.Millisecond})
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			enqueue(t, f.broker, "q", "shop-a", i)
			enqueue(t, f.broker, "q", "shop-b", 100+i)
		}
		stop := runWorker(t, worker)
		assert.Eventually(t, func() bool { return f.observer.snapshot().completed == 10 }, 5*time.Second, 10*time.Millisecond)
		stop()

		assert.Len(t, seen, 10)
		counts, err := f.broker.Counts("q")
		require.NoError(t, err)
		assert.Equal(t, QueueCounts{Completed: 10}, counts)
	})
}

func TestWorker_RetriesThenDeadLetters(t *testing.T) {
	withWorkerFixture(t, testPolicy(false), func(f *workerFixture) {
		handler := typedHandler(func(ctx context.Context, job *Job, payload *testPayload) Result {
			return Failure(errors.New("remote said no"))
		})
		worker, err := NewWorker(f.broker, "q", handler, f.sink, f.observer, WorkerConfig{PollInterval: 5 * time.Millisecond})
		require.NoError(t, err)

		job := enqueue(t, f.broker, "q", "shop-a", 1)
		stop := runWorker(t, worker)
		assert.Eventually(t, func() bool { return f.observer.snapshot().failed == 1 }, 5*time.Second, 10*time.Millisecond)
		stop()

		snapshot := f.observer.snapshot()
		assert.Equal(t, 2, snapshot.started)
		assert.Equal(t, 1, snapshot.retried)

		letters, err := f.sink.List("q", 10)
		require.NoError(t, err)
		require.Len(t, letters, 1)
		assert.Equal(t, job.Id, letters[0].OriginalJobId)
		assert.Equal(t, "test.job", letters[0].OriginalJobName)
		assert.Equal(t, 2, letters[0].AttemptsMade)
		assert.Equal(t, "remote said no", letters[0].FailedReason)
		assert.NotEmpty(t, letters[0].Stacktrace)
		assert.JSONEq(t, `{"shopId":"shop-a","n":1}`, string(letters[0].Data))

		// Dead lettered jobs leave the main queue.
		stored, err := f.broker.GetJob("q", job.Id)
		require.NoError(t, err)
		assert.Nil(t, stored)
	})
}

func TestWorker_UnrecoverableSkipsRetries(t *testing.T) {
	withWorkerFixture(t, testPolicy(false), func(f *workerFixture) {
		handler := typedHandler(func(ctx context.Context, job *Job, payload *testPayload) Result {
			return Failure(Unrecoverable(errors.New("permanent")))
		})
		worker, err := NewWorker(f.broker, "q", handler, f.sink, f.observer, WorkerConfig{PollInterval: 5 * time.Millisecond})
		require.NoError(t, err)

		enqueue(t, f.broker, "q", "shop-a", 1)
		stop := runWorker(t, worker)
		assert.Eventually(t, func() bool { return f.observer.snapshot().failed == 1 }, 5*time.Second, 10*time.Millisecond)
		stop()
		assert.Equal(t, 1, f.observer.snapshot().started)
		assert.Equal(t, 0, f.observer.snapshot().retried)
	})
}

func TestWorker_RescheduleDoesNotSpendAttempts(t *testing.T) {
	withWorkerFixture(t, testPolicy(false), func(f *workerFixture) {
		var mu sync.Mutex
		var attempts []int
		handler := typedHandler(func(ctx context.Context, job *Job, payload *testPayload) Result {
			mu.Lock()
			defer mu.Unlock()
			attempts = append(attempts, job.AttemptsMade)
			if payload.N < 3 {
				return RescheduleWithPayload(time.Millisecond, testPayload{ShopId: payload.ShopId, N: payload.N + 1})
			}
			return Success()
		})
		worker, err := NewWorker(f.broker, "q", handler, f.sink, f.observer, WorkerConfig{PollInterval: 5 * time.Millisecond})
		require.NoError(t, err)

		enqueue(t, f.broker, "q", "shop-a", 0)
		stop := runWorker(t, worker)
		assert.Eventually(t, func() bool { return f.observer.snapshot().completed == 1 }, 5*time.Second, 10*time.Millisecond)
		stop()

		assert.Equal(t, 3, f.observer.snapshot().rescheduled)
		assert.Equal(t, []int{0, 0, 0, 0}, attempts)
	})
}

func TestWorker_DropsInvalidPayload(t *testing.T) {
	withWorkerFixture(t, testPolicy(false), func(f *workerFixture) {
		handler := typedHandler(func(ctx context.Context, job *Job, payload *testPayload) Result {
			t.Error("handler must not run for an invalid payload")
			return Success()
		})
		worker, err := NewWorker(f.broker, "q", handler, f.sink, f.observer, WorkerConfig{PollInterval: 5 * time.Millisecond})
		require.NoError(t, err)

		// shopId is required
		job, err := f.broker.Enqueue(context.Background(), EnqueueRequest{Queue: "q", Name: "test.job", Payload: map[string]int{"n": 1}})
		require.NoError(t, err)
		stop := runWorker(t, worker)
		assert.Eventually(t, func() bool { return f.observer.snapshot().dropped == 1 }, 5*time.Second, 10*time.Millisecond)
		stop()

		stored, err := f.broker.GetJob("q", job.Id)
		require.NoError(t, err)
		assert.Nil(t, stored)
		letters, err := f.sink.List("q", 10)
		require.NoError(t, err)
		assert.Empty(t, letters)
	})
}

func TestWorker_TimeoutAndPanicBecomeFailures(t *testing.T) {
	policy := testPolicy(false)
	policy.Timeout = 20 * time.Millisecond
	withWorkerFixture(t, policy, func(f *workerFixture) {
		worker, err := NewWorker(f.broker, "q", HandlerFunc(func(ctx context.Context, job *Job) Result {
			<-ctx.Done()
			return Failure(ctx.Err())
		}), f.sink, f.observer, WorkerConfig{})
		require.NoError(t, err)

		result := worker.process(context.Background(), &Job{Id: "slow"})
		assert.Equal(t, OutcomeFailure, result.Outcome)
		var timeout ErrJobTimeout
		assert.True(t, errors.As(result.Err, &timeout))

		panicking, err := NewWorker(f.broker, "q", HandlerFunc(func(ctx context.Context, job *Job) Result {
			panic("boom")
		}), f.sink, f.observer, WorkerConfig{})
		require.NoError(t, err)
		result = panicking.process(context.Background(), &Job{Id: "panics"})
		assert.Equal(t, OutcomeFailure, result.Outcome)
		assert.Contains(t, result.Err.Error(), "boom")
	})
}

func TestWorker_HandlerIgnoringContextIsAbandonedAtTimeout(t *testing.T) {
	policy := testPolicy(false)
	policy.Timeout = 20 * time.Millisecond
	withWorkerFixture(t, policy, func(f *workerFixture) {
		finished := make(chan struct{})
		worker, err := NewWorker(f.broker, "q", HandlerFunc(func(ctx context.Context, job *Job) Result {
			defer close(finished)
			time.Sleep(500 * time.Millisecond)
			return Success()
		}), f.sink, f.observer, WorkerConfig{})
		require.NoError(t, err)

		start := time.Now()
		result := worker.process(context.Background(), &Job{Id: "stubborn"})

		assert.True(t, time.Since(start) < 400*time.Millisecond, "process must return at the deadline")
		assert.Equal(t, OutcomeFailure, result.Outcome)
		var timeout ErrJobTimeout
		require.True(t, errors.As(result.Err, &timeout))
		assert.Equal(t, 20*time.Millisecond, timeout.Timeout)
		<-finished
	})
}

func TestHandleResult_StrictDeadLetterFailureIsReturned(t *testing.T) {
	for name, strict := range map[string]bool{"strict": true, "lenient": false} {
		t.Run(name, func(t *testing.T) {
			withWorkerFixture(t, testPolicy(strict), func(f *workerFixture) {
				worker, err := NewWorker(f.broker, "q", HandlerFunc(func(context.Context, *Job) Result { return Success() }), failingSink{}, f.observer, WorkerConfig{})
				require.NoError(t, err)

				enqueue(t, f.broker, "q", "shop-a", 1)
				job, err := f.broker.Claim("q")
				require.NoError(t, err)
				require.NotNil(t, job)

				err = worker.handleResult(context.Background(), job, Failure(Unrecoverable(errors.New("permanent"))), 0)
				if strict {
					assert.Error(t, err)
				} else {
					assert.NoError(t, err)
				}

				// Either way the job is kept in the failed set.
				counts, err := f.broker.Counts("q")
				require.NoError(t, err)
				assert.Equal(t, int64(1), counts.Failed)
			})
		})
	}
}

func TestMaintain_CleansDeadLetters(t *testing.T) {
	policy := testPolicy(false)
	policy.DeadLetter.Retention = time.Hour
	withWorkerFixture(t, policy, func(f *workerFixture) {
		worker, err := NewWorker(f.broker, "q", HandlerFunc(func(context.Context, *Job) Result { return Success() }), f.sink, f.observer, WorkerConfig{})
		require.NoError(t, err)

		old := DeadLetter{OriginalQueue: "q", OriginalJobId: "old", OccurredAt: time.Now().Add(-2 * time.Hour)}
		recent := DeadLetter{OriginalQueue: "q", OriginalJobId: "recent", OccurredAt: time.Now()}
		require.NoError(t, f.sink.Send(context.Background(), old))
		require.NoError(t, f.sink.Send(context.Background(), recent))

		require.NoError(t, worker.Maintain())

		letters, err := f.sink.List("q", 10)
		require.NoError(t, err)
		require.Len(t, letters, 1)
		assert.Equal(t, "recent", letters[0].OriginalJobId)
	})
}
