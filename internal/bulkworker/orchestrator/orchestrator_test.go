package orchestrator

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

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/jobqueue"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/lock"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/model"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/remote"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/testfixtures"
)

type fixture struct {
	db       *miniredis.Miniredis
	locks    *lock.RedisBulkLock
	repo     *testfixtures.InMemoryRepository
	client   *testfixtures.ScriptedClient
	gate     *testfixtures.OpenGate
	enqueuer *testfixtures.RecordingEnqueuer
	o        *Orchestrator
}

func withFixture(t *testing.T, action func(f *fixture)) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()
	rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{db.Addr()}})
	defer rc.Close()

	f := &fixture{
		db:       db,
		locks:    lock.NewRedisBulkLock(rc),
		repo:     testfixtures.NewInMemoryRepository(),
		client:   &testfixtures.ScriptedClient{},
		gate:     &testfixtures.OpenGate{},
		enqueuer: &testfixtures.RecordingEnqueuer{},
	}
	f.client.Starts = []testfixtures.ScriptedResponse{{
		Operation: &remote.BulkOperation{Id: testfixtures.RemoteId, Status: remote.StatusCreated},
	}}
	f.o = New(f.repo, f.locks, f.gate, f.client, f.enqueuer, nil, DefaultConfig())
	f.o.now = func() time.Time { return testfixtures.BaseTime }
	action(f)
}

func request(shopId string, key string) *model.OrchestratorPayload {
	return &model.OrchestratorPayload{
		ShopId:         shopId,
		OperationType:  model.ProductsExport,
		QueryType:      "core",
		GraphqlQuery:   testfixtures.Query,
		IdempotencyKey: key,
		TriggeredBy:    model.TriggeredByManual,
		RequestedAt:    testfixtures.BaseTime,
	}
}

func job(attemptsMade int) *jobqueue.Job {
	return &jobqueue.Job{Id: "job-1", Queue: model.OrchestratorQueue, Name: model.OrchestratorJobName, AttemptsMade: attemptsMade, MaxAttempts: 3}
}

func TestDeriveIdempotencyKey(t *testing.T) {
	a := DeriveIdempotencyKey("shop-1", model.ProductsExport, "core", "query-a")
	assert.Len(t, a, 64)
	assert.Equal(t, a, DeriveIdempotencyKey("shop-1", model.ProductsExport, "core", "query-a"))
	assert.NotEqual(t, a, DeriveIdempotencyKey("shop-1", model.ProductsExport, "core", "query-b"))
	assert.NotEqual(t, a, DeriveIdempotencyKey("shop-2", model.ProductsExport, "core", "query-a"))
	assert.NotEqual(t, a, DeriveIdempotencyKey("shop-1", model.ProductsExport, "meta", "query-a"))
}

func TestProcess_StartsNewRun(t *testing.T) {
	withFixture(t, func(f *fixture) {
		result := f.o.Process(context.Background(), job(0), request(testfixtures.ShopId, ""))
		require.Equal(t, jobqueue.OutcomeSuccess, result.Outcome, "%v", result.Err)

		runs := f.repo.Runs()
		require.Len(t, runs, 1)
		run := runs[0]
		assert.Equal(t, model.BulkRunRunning, run.Status)
		assert.Equal(t, testfixtures.RemoteId, run.RemoteOperationId)
		assert.Equal(t, DeriveIdempotencyKey(testfixtures.ShopId, model.ProductsExport, "core", testfixtures.Query), run.IdempotencyKey)
		contract, ok := run.CursorState.Contract()
		require.True(t, ok)
		assert.Equal(t, testfixtures.Query, contract.GraphqlQuery)
		assert.Equal(t, ContractVersion, contract.Version)
		assert.Equal(t, []string{model.StepOrchestratorAcquireLock, model.StepOrchestratorStartBulk}, f.repo.StepNames(run.Id))

		pollers := f.enqueuer.ForQueue(model.PollerQueue)
		require.Len(t, pollers, 1)
		payload := pollers[0].Payload.(model.PollerPayload)
		assert.Equal(t, run.Id, payload.BulkRunId)
		assert.Equal(t, testfixtures.RemoteId, payload.RemoteOperationId)
		assert.Equal(t, testfixtures.ShopId, pollers[0].Group)

		assert.False(t, f.db.Exists(lock.Key(testfixtures.ShopId)), "lock released")
		assert.Equal(t, 1, f.gate.Takes)
	})
}

func TestProcess_PollerKeepsTheRequestTime(t *testing.T) {
	withFixture(t, func(f *fixture) {
		// The job waited in the queue for three hours before it was processed.
		requested := request(testfixtures.ShopId, "key-1")
		requested.RequestedAt = testfixtures.BaseTime.Add(-3 * time.Hour)

		result := f.o.Process(context.Background(), job(0), requested)
		require.Equal(t, jobqueue.OutcomeSuccess, result.Outcome, "%v", result.Err)

		pollers := f.enqueuer.ForQueue(model.PollerQueue)
		require.Len(t, pollers, 1)
		assert.Equal(t, requested.RequestedAt, pollers[0].Payload.(model.PollerPayload).RequestedAt)
	})
}

func TestProcess_LockContentionTouchesNothing(t *testing.T) {
	withFixture(t, func(f *fixture) {
		held, err := f.locks.Acquire(testfixtures.ShopId, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, held)

		result := f.o.Process(context.Background(), job(0), request(testfixtures.ShopId, "key-1"))

		assert.Equal(t, jobqueue.OutcomeReschedule, result.Outcome)
		assert.Equal(t, lock.DefaultContentionDelay, result.Delay)
		assert.Empty(t, f.repo.Runs())
		assert.Equal(t, 0, f.repo.StepCount())
		assert.Equal(t, 0, f.repo.ErrorCount())
		assert.Equal(t, 0, f.client.StartCalls)
		assert.True(t, f.db.Exists(lock.Key(testfixtures.ShopId)), "foreign lock untouched")
	})
}

func TestProcess_DuplicateKeyResumesWithoutRestarting(t *testing.T) {
	withFixture(t, func(f *fixture) {
		first := f.o.Process(context.Background(), job(0), request(testfixtures.ShopId, "key-1"))
		require.Equal(t, jobqueue.OutcomeSuccess, first.Outcome)
		second := f.o.Process(context.Background(), job(0), request(testfixtures.ShopId, "key-1"))
		require.Equal(t, jobqueue.OutcomeSuccess, second.Outcome)

		assert.Len(t, f.repo.Runs(), 1)
		assert.Equal(t, 1, f.client.StartCalls)
		pollers := f.enqueuer.ForQueue(model.PollerQueue)
		require.Len(t, pollers, 2)
		assert.Equal(t, pollers[0].JobId, pollers[1].JobId)
		run := f.repo.Runs()[0]
		assert.Contains(t, f.repo.StepNames(run.Id), model.StepOrchestratorResume)
	})
}

func TestProcess_ConcurrentRequestsCreateOneActiveRun(t *testing.T) {
	withFixture(t, func(f *fixture) {
		var wg sync.WaitGroup
		results := make([]jobqueue.Result, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				payload := request(testfixtures.ShopId, "")
				payload.GraphqlQuery = testfixtures.Query + string(rune('a'+i))
				results[i] = f.o.Process(context.Background(), job(0), payload)
			}(i)
		}
		wg.Wait()

		active := 0
		for _, run := range f.repo.Runs() {
			if run.Status.IsActive() {
				active++
			}
		}
		assert.Equal(t, 1, active)
		for _, result := range results {
			assert.NotEqual(t, jobqueue.OutcomeFailure, result.Outcome, "%v", result.Err)
		}
	})
}

func TestProcess_TerminalRunIsNotRestarted(t *testing.T) {
	withFixture(t, func(f *fixture) {
		f.repo.Put(&model.BulkRun{
			Id:             "0d5c0a8e-9f59-4d0d-8f76-5a3a3c1d9a11",
			ShopId:         testfixtures.ShopId,
			OperationType:  model.ProductsExport,
			Status:         model.BulkRunCompleted,
			IdempotencyKey: "key-1",
		})

		result := f.o.Process(context.Background(), job(0), request(testfixtures.ShopId, "key-1"))

		assert.Equal(t, jobqueue.OutcomeSuccess, result.Outcome)
		assert.Equal(t, 0, f.client.StartCalls)
		assert.Empty(t, f.enqueuer.Requests)
	})
}

func TestProcess_ResumesOtherActiveRunWithItsOwnQuery(t *testing.T) {
	withFixture(t, func(f *fixture) {
		f.repo.Put(&model.BulkRun{
			Id:             "0d5c0a8e-9f59-4d0d-8f76-5a3a3c1d9a12",
			ShopId:         testfixtures.ShopId,
			OperationType:  model.ProductsExport,
			Status:         model.BulkRunPending,
			IdempotencyKey: "key-old",
			CursorState:    model.CursorState{}.WithContract(model.QueryContract{OperationType: model.ProductsExport, Version: 1, GraphqlQuery: "{ old }"}),
		})

		result := f.o.Process(context.Background(), job(0), request(testfixtures.ShopId, "key-new"))

		require.Equal(t, jobqueue.OutcomeSuccess, result.Outcome, "%v", result.Err)
		assert.Equal(t, []string{"{ old }"}, f.client.StartedWith)
		assert.Len(t, f.repo.Runs(), 1)
	})
}

func TestProcess_RateLimitedStartIsRescheduled(t *testing.T) {
	withFixture(t, func(f *fixture) {
		f.client.Starts = []testfixtures.ScriptedResponse{{Err: &remote.ErrRateLimited{RetryAfter: 7 * time.Second}}}

		result := f.o.Process(context.Background(), job(0), request(testfixtures.ShopId, "key-1"))

		assert.Equal(t, jobqueue.OutcomeReschedule, result.Outcome)
		assert.Equal(t, 7*time.Second, result.Delay)
		run := f.repo.Runs()[0]
		assert.Equal(t, model.BulkRunPending, run.Status)
		assert.Equal(t, 0, f.repo.ErrorCount())
	})
}

func TestProcess_ClosedGateReschedules(t *testing.T) {
	withFixture(t, func(f *fixture) {
		f.gate.Deny = time.Minute

		result := f.o.Process(context.Background(), job(0), request(testfixtures.ShopId, "key-1"))

		assert.Equal(t, jobqueue.OutcomeReschedule, result.Outcome)
		assert.Equal(t, time.Minute, result.Delay)
		assert.Equal(t, 0, f.client.StartCalls)
	})
}

func TestProcess_PermanentStartErrorFailsRun(t *testing.T) {
	withFixture(t, func(f *fixture) {
		f.client.Starts = []testfixtures.ScriptedResponse{{
			Err: &remote.ValidationError{UserErrors: []remote.UserError{{Field: []string{"query"}, Message: "Invalid bulk query"}}},
		}}

		result := f.o.Process(context.Background(), job(0), request(testfixtures.ShopId, "key-1"))

		require.Equal(t, jobqueue.OutcomeFailure, result.Outcome)
		assert.True(t, jobqueue.IsUnrecoverable(result.Err))
		run := f.repo.Runs()[0]
		assert.Equal(t, model.BulkRunFailed, run.Status)
		bulkErrors, err := f.repo.ListErrors(context.Background(), run.Id)
		require.NoError(t, err)
		require.Len(t, bulkErrors, 1)
		assert.Equal(t, "INVALID_QUERY", bulkErrors[0].Payload["errorType"])
		assert.False(t, f.db.Exists(lock.Key(testfixtures.ShopId)))
	})
}

func TestProcess_TransientStartErrorFailsRunOnLastAttemptOnly(t *testing.T) {
	withFixture(t, func(f *fixture) {
		f.client.Starts = []testfixtures.ScriptedResponse{{Err: errors.New("connection reset by peer")}}

		result := f.o.Process(context.Background(), job(0), request(testfixtures.ShopId, "key-1"))
		require.Equal(t, jobqueue.OutcomeFailure, result.Outcome)
		assert.False(t, jobqueue.IsUnrecoverable(result.Err))
		assert.Equal(t, model.BulkRunPending, f.repo.Runs()[0].Status)

		result = f.o.Process(context.Background(), job(2), request(testfixtures.ShopId, "key-1"))
		require.Equal(t, jobqueue.OutcomeFailure, result.Outcome)
		assert.Equal(t, model.BulkRunFailed, f.repo.Runs()[0].Status)
		assert.Equal(t, 2, f.repo.ErrorCount())
	})
}
