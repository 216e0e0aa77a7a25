package poller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/failure"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/jobqueue"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/model"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/ratelimit"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/remote"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/testfixtures"
)

const (
	runId      = "5f0c9d8e-2b1a-4c3d-9e8f-7a6b5c4d3e2f"
	resultUrl  = "https://storage.example.com/result.jsonl"
	partialUrl = "https://storage.example.com/partial.jsonl"
)

type fixture struct {
	repo     *testfixtures.InMemoryRepository
	client   *testfixtures.ScriptedClient
	gate     *testfixtures.OpenGate
	enqueuer *testfixtures.RecordingEnqueuer
	sink     *testfixtures.RecordingSink
	p        *Poller
}

func newFixture(retryCount int) *fixture {
	f := &fixture{
		repo:     testfixtures.NewInMemoryRepository(),
		client:   &testfixtures.ScriptedClient{},
		gate:     &testfixtures.OpenGate{},
		enqueuer: &testfixtures.RecordingEnqueuer{},
		sink:     &testfixtures.RecordingSink{},
	}
	started := testfixtures.BaseTime
	f.repo.Put(&model.BulkRun{
		Id:                runId,
		ShopId:            testfixtures.ShopId,
		OperationType:     model.ProductsExport,
		QueryType:         "core",
		Status:            model.BulkRunRunning,
		IdempotencyKey:    "key-1",
		RemoteOperationId: testfixtures.RemoteId,
		RetryCount:        retryCount,
		MaxRetries:        3,
		StartedAt:         &started,
		CursorState: model.CursorState{}.WithContract(model.QueryContract{
			OperationType: model.ProductsExport, QueryType: "core", Version: 1, GraphqlQuery: testfixtures.Query,
		}),
	})
	engine := failure.NewEngine(f.repo, f.enqueuer, f.sink, nil, failure.DefaultEngineConfig())
	f.p = New(f.repo, f.gate, f.client, f.enqueuer, engine, nil, DefaultConfig())
	f.p.now = func() time.Time { return testfixtures.BaseTime.Add(time.Minute) }
	return f
}

func (f *fixture) respond(operation *remote.BulkOperation) {
	f.client.Gets = []testfixtures.ScriptedResponse{{Operation: operation}}
}

func (f *fixture) poll(t *testing.T, attempt int) jobqueue.Result {
	payload := &model.PollerPayload{
		ShopId:            testfixtures.ShopId,
		BulkRunId:         runId,
		RemoteOperationId: testfixtures.RemoteId,
		PollAttempt:       attempt,
		TriggeredBy:       model.TriggeredByManual,
		RequestedAt:       testfixtures.BaseTime,
	}
	job := &jobqueue.Job{Id: "poll-1", Queue: model.PollerQueue, Name: model.PollerJobName, MaxAttempts: 3}
	result := f.p.Process(context.Background(), job, payload)
	if result.Outcome == jobqueue.OutcomeFailure {
		t.Logf("poll failed: %v", result.Err)
	}
	return result
}

func (f *fixture) run(t *testing.T) *model.BulkRun {
	run, err := f.repo.GetRun(context.Background(), runId)
	require.NoError(t, err)
	return run
}

func TestNextDelay(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, 5*time.Second, config.nextDelay(0))
	assert.Equal(t, 10*time.Second, config.nextDelay(1))
	assert.Equal(t, 20*time.Second, config.nextDelay(2))
	assert.Equal(t, 30*time.Second, config.nextDelay(3))
	assert.Equal(t, 30*time.Second, config.nextDelay(50))
}

func TestPoll_NotFoundYetReschedules(t *testing.T) {
	f := newFixture(0)
	f.respond(nil)

	result := f.poll(t, 1)

	require.Equal(t, jobqueue.OutcomeReschedule, result.Outcome)
	assert.Equal(t, 10*time.Second, result.Delay)
	next := result.Payload.(model.PollerPayload)
	assert.Equal(t, 2, next.PollAttempt)
	assert.Equal(t, testfixtures.BaseTime, next.RequestedAt)
	assert.Equal(t, []string{model.StepPollerTick}, f.repo.StepNames(runId))
}

func TestPoll_RunningPersistsPartialUrl(t *testing.T) {
	f := newFixture(0)
	f.respond(&remote.BulkOperation{Id: testfixtures.RemoteId, Status: remote.StatusRunning, PartialDataUrl: partialUrl, FileSize: 10})

	result := f.poll(t, 0)

	require.Equal(t, jobqueue.OutcomeReschedule, result.Outcome)
	assert.Equal(t, 5*time.Second, result.Delay)
	assert.Equal(t, partialUrl, f.run(t).PartialDataUrl)
	artifacts, err := f.repo.ListArtifacts(context.Background(), runId)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, model.ArtifactPartial, artifacts[0].ArtifactType)
	require.NotNil(t, artifacts[0].ExpiresAt)
	assert.Equal(t, testfixtures.BaseTime.Add(time.Minute+7*24*time.Hour), *artifacts[0].ExpiresAt)
}

func TestPoll_ThrottleStatusStretchesDelay(t *testing.T) {
	f := newFixture(0)
	f.client.Gets = []testfixtures.ScriptedResponse{{
		Operation: &remote.BulkOperation{Id: testfixtures.RemoteId, Status: remote.StatusRunning},
		Throttle:  &ratelimit.ThrottleStatus{MaximumAvailable: 1000, CurrentlyAvailable: -399, RestoreRate: 50},
	}}

	result := f.poll(t, 0)

	require.Equal(t, jobqueue.OutcomeReschedule, result.Outcome)
	assert.Equal(t, 8*time.Second, result.Delay)
	require.Len(t, f.gate.Synced, 1)
}

func TestPoll_CompletedEnqueuesIngest(t *testing.T) {
	f := newFixture(0)
	f.respond(&remote.BulkOperation{Id: testfixtures.RemoteId, Status: remote.StatusCompleted, Url: resultUrl, ObjectCount: 12, FileSize: 2048})

	result := f.poll(t, 3)

	require.Equal(t, jobqueue.OutcomeSuccess, result.Outcome)
	run := f.run(t)
	assert.Equal(t, model.BulkRunCompleted, run.Status)
	assert.Equal(t, resultUrl, run.ResultUrl)
	require.NotNil(t, run.CompletedAt)
	assert.Equal(t, []string{model.StepPollerTick, model.StepPollerCompleted}, f.repo.StepNames(runId))

	ingest := f.enqueuer.ForQueue(model.IngestQueue)
	require.Len(t, ingest, 1)
	payload := ingest[0].Payload.(model.IngestPayload)
	assert.Equal(t, resultUrl, payload.ResultUrl)
	assert.False(t, payload.Partial)

	artifacts, err := f.repo.ListArtifacts(context.Background(), runId)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, model.ArtifactResult, artifacts[0].ArtifactType)
	assert.Equal(t, int64(2048), artifacts[0].BytesSize)
}

func TestPoll_CompletedFallsBackToPartialUrl(t *testing.T) {
	f := newFixture(0)
	f.respond(&remote.BulkOperation{Id: testfixtures.RemoteId, Status: remote.StatusCompleted, PartialDataUrl: partialUrl})

	result := f.poll(t, 0)

	require.Equal(t, jobqueue.OutcomeSuccess, result.Outcome)
	assert.Equal(t, partialUrl, f.run(t).ResultUrl)
	payload := f.enqueuer.ForQueue(model.IngestQueue)[0].Payload.(model.IngestPayload)
	assert.True(t, payload.Partial)
}

func TestPoll_CompletedWithoutUrlFailsRun(t *testing.T) {
	f := newFixture(0)
	f.respond(&remote.BulkOperation{Id: testfixtures.RemoteId, Status: remote.StatusCompleted})

	result := f.poll(t, 0)

	require.Equal(t, jobqueue.OutcomeSuccess, result.Outcome)
	assert.Equal(t, model.BulkRunFailed, f.run(t).Status)
	assert.Contains(t, f.repo.StepNames(runId), model.StepPollerMissingUrl)
	assert.Empty(t, f.enqueuer.Requests)
}

func TestPoll_FailedWithBudgetIsRetried(t *testing.T) {
	f := newFixture(0)
	f.respond(&remote.BulkOperation{Id: testfixtures.RemoteId, Status: remote.StatusFailed, ErrorCode: "INTERNAL_SERVER_ERROR"})

	result := f.poll(t, 0)

	require.Equal(t, jobqueue.OutcomeSuccess, result.Outcome)
	run := f.run(t)
	assert.Equal(t, model.BulkRunPending, run.Status)
	assert.Equal(t, 1, run.RetryCount)
	assert.Len(t, f.enqueuer.ForQueue(model.OrchestratorQueue), 1)
	bulkErrors, err := f.repo.ListErrors(context.Background(), runId)
	require.NoError(t, err)
	require.Len(t, bulkErrors, 1)
	assert.Equal(t, "INTERNAL_SERVER_ERROR", bulkErrors[0].ErrorCode)
}

func TestPoll_ExhaustedRunWithPartialUrlIsSalvaged(t *testing.T) {
	f := newFixture(3)
	f.respond(&remote.BulkOperation{Id: testfixtures.RemoteId, Status: remote.StatusExpired, PartialDataUrl: partialUrl})

	result := f.poll(t, 0)

	require.Equal(t, jobqueue.OutcomeSuccess, result.Outcome)
	run := f.run(t)
	assert.Equal(t, model.BulkRunCompleted, run.Status)
	assert.Equal(t, partialUrl, run.ResultUrl)
	assert.Contains(t, f.repo.StepNames(runId), model.StepPollerSalvagedPartial)
	ingest := f.enqueuer.ForQueue(model.IngestQueue)
	require.Len(t, ingest, 1)
	assert.True(t, ingest[0].Payload.(model.IngestPayload).Partial)
	assert.Equal(t, 0, f.sink.Count())
}

func TestPoll_PermanentFailureIsDeadLettered(t *testing.T) {
	f := newFixture(0)
	f.respond(&remote.BulkOperation{Id: testfixtures.RemoteId, Status: remote.StatusFailed, ErrorCode: "ACCESS_DENIED"})

	result := f.poll(t, 0)

	require.Equal(t, jobqueue.OutcomeSuccess, result.Outcome)
	assert.Equal(t, model.BulkRunFailed, f.run(t).Status)
	require.Equal(t, 1, f.sink.Count())
	assert.Equal(t, "poll-1", f.sink.Letters[0].OriginalJobId)
	assert.Equal(t, model.PollerQueue, f.sink.Letters[0].OriginalQueue)
	assert.Empty(t, f.enqueuer.ForQueue(model.OrchestratorQueue))
}

func TestPoll_TimesOut(t *testing.T) {
	f := newFixture(0)
	f.p.now = func() time.Time { return testfixtures.BaseTime.Add(5 * time.Hour) }

	result := f.poll(t, 40)

	require.Equal(t, jobqueue.OutcomeSuccess, result.Outcome)
	assert.Equal(t, model.BulkRunFailed, f.run(t).Status)
	assert.Equal(t, []string{model.StepPollerTimeout}, f.repo.StepNames(runId))
	assert.Equal(t, 0, f.client.GetCalls)
}

func TestPoll_TimeoutCountsFromTheExportRequest(t *testing.T) {
	f := newFixture(0)
	// Polling only began an hour ago, but the export was requested four and a half hours ago.
	f.p.now = func() time.Time { return testfixtures.BaseTime.Add(4*time.Hour + 30*time.Minute) }
	payload := &model.PollerPayload{
		ShopId:            testfixtures.ShopId,
		BulkRunId:         runId,
		RemoteOperationId: testfixtures.RemoteId,
		PollAttempt:       3,
		TriggeredBy:       model.TriggeredByScheduler,
		RequestedAt:       testfixtures.BaseTime,
	}

	result := f.p.Process(context.Background(), &jobqueue.Job{Id: "poll-1", Queue: model.PollerQueue, Name: model.PollerJobName, MaxAttempts: 3}, payload)

	require.Equal(t, jobqueue.OutcomeSuccess, result.Outcome)
	assert.Equal(t, model.BulkRunFailed, f.run(t).Status)
	assert.Equal(t, 0, f.client.GetCalls)
}

func TestPoll_RateLimitedReschedules(t *testing.T) {
	f := newFixture(0)
	f.client.Gets = []testfixtures.ScriptedResponse{{Err: &remote.ErrRateLimited{RetryAfter: 3 * time.Second}}}

	result := f.poll(t, 0)

	require.Equal(t, jobqueue.OutcomeReschedule, result.Outcome)
	assert.Equal(t, 3*time.Second, result.Delay)
	assert.Nil(t, result.Payload)
}

func TestPoll_StopsForFinishedOrMovedRuns(t *testing.T) {
	f := newFixture(0)
	completed := model.BulkRunCompleted
	run := f.run(t)
	run.Status = completed
	f.repo.Put(run)

	result := f.poll(t, 0)

	assert.Equal(t, jobqueue.OutcomeSuccess, result.Outcome)
	assert.Equal(t, 0, f.client.GetCalls)

	f = newFixture(0)
	run = f.run(t)
	run.RemoteOperationId = "gid://shopify/BulkOperation/2"
	f.repo.Put(run)

	result = f.poll(t, 0)

	assert.Equal(t, jobqueue.OutcomeSuccess, result.Outcome)
	assert.Equal(t, 0, f.client.GetCalls)
}

func TestPoll_UnknownRunIsDropped(t *testing.T) {
	f := newFixture(0)
	payload := &model.PollerPayload{
		ShopId: testfixtures.ShopId, BulkRunId: "6f0c9d8e-2b1a-4c3d-9e8f-7a6b5c4d3e2f",
		RemoteOperationId: testfixtures.RemoteId, TriggeredBy: model.TriggeredByManual, RequestedAt: testfixtures.BaseTime,
	}

	result := f.p.Process(context.Background(), &jobqueue.Job{Id: "poll-2"}, payload)

	require.Equal(t, jobqueue.OutcomeFailure, result.Outcome)
	assert.True(t, jobqueue.IsUnrecoverable(result.Err))
}
