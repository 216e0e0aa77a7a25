package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/model"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/database"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/errs"
)

func withRepository(t *testing.T, action func(repo *PostgresBulkRunRepository)) {
	migrations, err := Migrations()
	require.NoError(t, err)
	err = database.WithTestDb(migrations, func(db *pgxpool.Pool) error {
		repo, err := NewPostgresBulkRunRepository(db, 16)
		require.NoError(t, err)
		action(repo)
		return nil
	})
	if err == database.ErrNoTestDatabase {
		t.Skip("no postgres available")
	}
	require.NoError(t, err)
}

func newRun(shopId string, key string) *model.BulkRun {
	return &model.BulkRun{
		Id:             uuid.NewString(),
		ShopId:         shopId,
		OperationType:  model.ProductsExport,
		QueryType:      "core",
		IdempotencyKey: key,
		CursorState: model.CursorState{}.WithContract(model.QueryContract{
			OperationType: model.ProductsExport,
			QueryType:     "core",
			Version:       1,
		}),
	}
}

func TestMigrations_Embedded(t *testing.T) {
	migrations, err := Migrations()
	require.NoError(t, err)
	assert.NotEmpty(t, migrations)
}

func TestCreateAndGetRun(t *testing.T) {
	withRepository(t, func(repo *PostgresBulkRunRepository) {
		ctx := context.Background()
		run := newRun("shop-1", "key-1")
		require.NoError(t, repo.CreateRun(ctx, run))

		loaded, err := repo.GetRun(ctx, run.Id)
		require.NoError(t, err)
		assert.Equal(t, model.BulkRunPending, loaded.Status)
		assert.Equal(t, model.DefaultMaxRetries, loaded.MaxRetries)
		assert.Equal(t, "", loaded.RemoteOperationId)
		contract, ok := loaded.CursorState.Contract()
		require.True(t, ok)
		assert.Equal(t, 1, contract.Version)

		byKey, err := repo.GetRunByIdempotencyKey(ctx, "key-1")
		require.NoError(t, err)
		assert.Equal(t, run.Id, byKey.Id)

		active, err := repo.GetActiveRun(ctx, "shop-1")
		require.NoError(t, err)
		assert.Equal(t, run.Id, active.Id)

		_, err = repo.GetRun(ctx, uuid.NewString())
		assert.True(t, errs.IsNotFound(err))
	})
}

func TestCreateRun_UniqueConstraints(t *testing.T) {
	withRepository(t, func(repo *PostgresBulkRunRepository) {
		ctx := context.Background()
		require.NoError(t, repo.CreateRun(ctx, newRun("shop-1", "key-1")))

		err := repo.CreateRun(ctx, newRun("shop-2", "key-1"))
		assert.True(t, errs.IsAlreadyExists(err), "duplicate idempotency key")

		err = repo.CreateRun(ctx, newRun("shop-1", "key-2"))
		assert.True(t, errs.IsAlreadyExists(err), "second active run for the shop")
	})
}

func TestCreateRun_ConcurrentRequestsProduceOneActiveRun(t *testing.T) {
	withRepository(t, func(repo *PostgresBulkRunRepository) {
		ctx := context.Background()
		var wg sync.WaitGroup
		var mu sync.Mutex
		created := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := repo.CreateRun(ctx, newRun("shop-1", uuid.NewString()))
				if err == nil {
					mu.Lock()
					created++
					mu.Unlock()
				} else {
					assert.True(t, errs.IsAlreadyExists(err))
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, created)
	})
}

func TestUpdateRun(t *testing.T) {
	withRepository(t, func(repo *PostgresBulkRunRepository) {
		ctx := context.Background()
		run := newRun("shop-1", "key-1")
		require.NoError(t, repo.CreateRun(ctx, run))

		running := model.BulkRunRunning
		remoteId := "gid://shopify/BulkOperation/1"
		now := time.Now().UTC().Truncate(time.Millisecond)
		updated, err := repo.UpdateRun(ctx, run.Id, RunUpdate{Status: &running, RemoteOperationId: &remoteId, StartedAt: &now})
		require.NoError(t, err)
		assert.Equal(t, model.BulkRunRunning, updated.Status)
		assert.Equal(t, remoteId, updated.RemoteOperationId)
		require.NotNil(t, updated.StartedAt)
		assert.True(t, now.Equal(*updated.StartedAt))

		partial := "https://storage.example.com/partial.jsonl"
		updated, err = repo.UpdateRun(ctx, run.Id, RunUpdate{PartialDataUrl: &partial})
		require.NoError(t, err)
		assert.Equal(t, partial, updated.PartialDataUrl)
		assert.Equal(t, model.BulkRunRunning, updated.Status)

		completed := model.BulkRunCompleted
		_, err = repo.UpdateRun(ctx, run.Id, RunUpdate{Status: &completed})
		require.NoError(t, err)

		pending := model.BulkRunPending
		_, err = repo.UpdateRun(ctx, run.Id, RunUpdate{Status: &pending})
		var invalid *errs.ErrInvalidArgument
		assert.ErrorAs(t, err, &invalid)

		_, err = repo.UpdateRun(ctx, uuid.NewString(), RunUpdate{Status: &pending})
		assert.True(t, errs.IsNotFound(err))
	})
}

func TestResetForRetry(t *testing.T) {
	withRepository(t, func(repo *PostgresBulkRunRepository) {
		ctx := context.Background()
		run := newRun("shop-1", "key-1")
		require.NoError(t, repo.CreateRun(ctx, run))
		running := model.BulkRunRunning
		remoteId := "gid://shopify/BulkOperation/1"
		now := time.Now()
		_, err := repo.UpdateRun(ctx, run.Id, RunUpdate{Status: &running, RemoteOperationId: &remoteId, StartedAt: &now})
		require.NoError(t, err)

		reset, err := repo.ResetForRetry(ctx, run.Id)
		require.NoError(t, err)
		assert.Equal(t, model.BulkRunPending, reset.Status)
		assert.Equal(t, 1, reset.RetryCount)
		assert.Equal(t, "", reset.RemoteOperationId)
		assert.Nil(t, reset.StartedAt)

		failed := model.BulkRunFailed
		_, err = repo.UpdateRun(ctx, run.Id, RunUpdate{Status: &failed})
		require.NoError(t, err)
		_, err = repo.ResetForRetry(ctx, run.Id)
		assert.True(t, errs.IsNotFound(err), "terminal runs are not reset")
	})
}

func TestAuditTrail(t *testing.T) {
	withRepository(t, func(repo *PostgresBulkRunRepository) {
		ctx := context.Background()
		run := newRun("shop-1", "key-1")
		require.NoError(t, repo.CreateRun(ctx, run))

		require.NoError(t, repo.InsertStep(ctx, model.BulkStep{BulkRunId: run.Id, ShopId: run.ShopId, StepName: model.StepOrchestratorStartBulk}))
		require.NoError(t, repo.InsertStep(ctx, model.BulkStep{
			BulkRunId: run.Id, ShopId: run.ShopId, StepName: model.StepPollerTick,
			Details: map[string]interface{}{"pollAttempt": 2},
		}))
		require.NoError(t, repo.InsertError(ctx, model.BulkError{
			BulkRunId: run.Id, ShopId: run.ShopId, ErrorType: model.ErrorTypePoller,
			ErrorCode: "TIMEOUT", ErrorMessage: "terminal status FAILED",
		}))

		steps, err := repo.ListSteps(ctx, run.Id)
		require.NoError(t, err)
		require.Len(t, steps, 2)
		assert.Equal(t, model.StepOrchestratorStartBulk, steps[0].StepName)
		assert.Equal(t, model.StepCompleted, steps[0].Status)
		assert.Equal(t, float64(2), steps[1].Details["pollAttempt"])

		bulkErrors, err := repo.ListErrors(ctx, run.Id)
		require.NoError(t, err)
		require.Len(t, bulkErrors, 1)
		assert.Equal(t, "TIMEOUT", bulkErrors[0].ErrorCode)
	})
}

func TestUpsertArtifact_DeduplicatesByRunTypeUrl(t *testing.T) {
	withRepository(t, func(repo *PostgresBulkRunRepository) {
		ctx := context.Background()
		run := newRun("shop-1", "key-1")
		require.NoError(t, repo.CreateRun(ctx, run))

		expires := time.Now().Add(7 * 24 * time.Hour)
		artifact := model.BulkArtifact{
			BulkRunId:    run.Id,
			ShopId:       run.ShopId,
			ArtifactType: model.ArtifactResult,
			Url:          "https://storage.example.com/result.jsonl",
			BytesSize:    10,
			ExpiresAt:    &expires,
		}
		require.NoError(t, repo.UpsertArtifact(ctx, artifact))
		artifact.BytesSize = 20
		require.NoError(t, repo.UpsertArtifact(ctx, artifact))
		artifact.ArtifactType = model.ArtifactPartial
		require.NoError(t, repo.UpsertArtifact(ctx, artifact))

		artifacts, err := repo.ListArtifacts(ctx, run.Id)
		require.NoError(t, err)
		require.Len(t, artifacts, 2)
		assert.Equal(t, int64(20), artifacts[0].BytesSize)
		assert.Equal(t, model.ArtifactPartial, artifacts[1].ArtifactType)
	})
}
