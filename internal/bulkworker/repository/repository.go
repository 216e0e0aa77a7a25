package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/model"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/database"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/errs"
)

const (
	activeShopConstraint     = "bulk_runs_active_shop_idx"
	idempotencyKeyConstraint = "bulk_runs_idempotency_key_key"
	runResourceType          = "bulk_run"
)

// RunUpdate lists the run columns to change. Nil fields are left untouched.
type RunUpdate struct {
	Status            *model.BulkRunStatus
	RemoteOperationId *string
	ResultUrl         *string
	PartialDataUrl    *string
	ErrorMessage      *string
	StartedAt         *time.Time
	CompletedAt       *time.Time
	RecordsProcessed  *int64
	BytesProcessed    *int64
	CursorState       model.CursorState
}

type BulkRunRepository interface {
	// CreateRun inserts a new run. It returns *errs.ErrAlreadyExists when the idempotency key is taken
	// or the shop already has an active run.
	CreateRun(ctx context.Context, run *model.BulkRun) error
	// GetRun returns *errs.ErrNotFound if there is no run with the given id.
	GetRun(ctx context.Context, id string) (*model.BulkRun, error)
	GetRunByIdempotencyKey(ctx context.Context, key string) (*model.BulkRun, error)
	// GetActiveRun returns the pending or running run of the shop.
	GetActiveRun(ctx context.Context, shopId string) (*model.BulkRun, error)
	// UpdateRun applies update and returns the updated run. Status changes are checked against the
	// run lifecycle and rejected with *errs.ErrInvalidArgument.
	UpdateRun(ctx context.Context, id string, update RunUpdate) (*model.BulkRun, error)
	// ResetForRetry puts a run back to pending with its retry count incremented and its remote
	// operation cleared.
	ResetForRetry(ctx context.Context, id string) (*model.BulkRun, error)

	InsertStep(ctx context.Context, step model.BulkStep) error
	InsertError(ctx context.Context, bulkError model.BulkError) error
	// UpsertArtifact records an artifact once per (run, type, url); later calls refresh size, checksum and expiry.
	UpsertArtifact(ctx context.Context, artifact model.BulkArtifact) error

	ListSteps(ctx context.Context, bulkRunId string) ([]model.BulkStep, error)
	ListErrors(ctx context.Context, bulkRunId string) ([]model.BulkError, error)
	ListArtifacts(ctx context.Context, bulkRunId string) ([]model.BulkArtifact, error)
}

// PostgresBulkRunRepository is an implementation of BulkRunRepository that stores its state in postgres
type PostgresBulkRunRepository struct {
	db      *pgxpool.Pool
	dialect goqu.DialectWrapper
	// idempotency key -> run id
	keyCache *lru.Cache
}

func NewPostgresBulkRunRepository(db *pgxpool.Pool, cacheSize int) (*PostgresBulkRunRepository, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &PostgresBulkRunRepository{
		db:       db,
		dialect:  goqu.Dialect("postgres"),
		keyCache: cache,
	}, nil
}

var runColumns = []interface{}{
	"id", "shop_id", "operation_type", "query_type", "status", "idempotency_key",
	"remote_operation_id", "result_url", "partial_data_url", "retry_count", "max_retries",
	"cursor_state", "records_processed", "bytes_processed", "error_message",
	"created_at", "updated_at", "started_at", "completed_at",
}

func scanRun(row pgx.Row) (*model.BulkRun, error) {
	var (
		run               model.BulkRun
		remoteOperationId *string
		resultUrl         *string
		partialDataUrl    *string
		errorMessage      *string
		cursor            []byte
	)
	err := row.Scan(
		&run.Id, &run.ShopId, &run.OperationType, &run.QueryType, &run.Status, &run.IdempotencyKey,
		&remoteOperationId, &resultUrl, &partialDataUrl, &run.RetryCount, &run.MaxRetries,
		&cursor, &run.RecordsProcessed, &run.BytesProcessed, &errorMessage,
		&run.CreatedAt, &run.UpdatedAt, &run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	run.RemoteOperationId = deref(remoteOperationId)
	run.ResultUrl = deref(resultUrl)
	run.PartialDataUrl = deref(partialDataUrl)
	run.ErrorMessage = deref(errorMessage)
	run.CursorState = model.CursorState{}
	if len(cursor) > 0 {
		if err := json.Unmarshal(cursor, &run.CursorState); err != nil {
			return nil, errors.Wrapf(err, "invalid cursor state on run %s", run.Id)
		}
	}
	return &run, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func encodeJson(value interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return string(encoded), nil
}

func (r *PostgresBulkRunRepository) CreateRun(ctx context.Context, run *model.BulkRun) error {
	if run.CursorState == nil {
		run.CursorState = model.CursorState{}
	}
	cursor, err := encodeJson(run.CursorState)
	if err != nil {
		return err
	}
	if run.Id == "" {
		run.Id = uuid.NewString()
	}
	if run.MaxRetries <= 0 {
		run.MaxRetries = model.DefaultMaxRetries
	}
	if run.Status == "" {
		run.Status = model.BulkRunPending
	}

	query, args, err := r.dialect.Insert("bulk_runs").Prepared(true).Rows(goqu.Record{
		"id":                  run.Id,
		"shop_id":             run.ShopId,
		"operation_type":      string(run.OperationType),
		"query_type":          run.QueryType,
		"status":              string(run.Status),
		"idempotency_key":     run.IdempotencyKey,
		"remote_operation_id": nullable(run.RemoteOperationId),
		"retry_count":         run.RetryCount,
		"max_retries":         run.MaxRetries,
		"cursor_state":        cursor,
	}).Returning("created_at", "updated_at").ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}

	err = database.WithRetry(ctx, func() error {
		return r.db.QueryRow(ctx, query, args...).Scan(&run.CreatedAt, &run.UpdatedAt)
	})
	if errs.IsUniqueViolation(err, idempotencyKeyConstraint) {
		return errors.WithStack(&errs.ErrAlreadyExists{Type: runResourceType, Value: run.IdempotencyKey, Message: "idempotency key in use"})
	}
	if errs.IsUniqueViolation(err, activeShopConstraint) {
		return errors.WithStack(&errs.ErrAlreadyExists{Type: runResourceType, Value: run.ShopId, Message: "shop already has an active run"})
	}
	if err != nil {
		return errors.WithStack(err)
	}
	r.keyCache.Add(run.IdempotencyKey, run.Id)
	return nil
}

func (r *PostgresBulkRunRepository) selectRun(ctx context.Context, db pgxQuerier, where goqu.Expression) (*model.BulkRun, error) {
	query, args, err := r.dialect.From("bulk_runs").Prepared(true).Select(runColumns...).Where(where).Limit(1).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var run *model.BulkRun
	err = database.WithRetry(ctx, func() error {
		var err error
		run, err = scanRun(db.QueryRow(ctx, query, args...))
		return err
	})
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return run, nil
}

type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *PostgresBulkRunRepository) GetRun(ctx context.Context, id string) (*model.BulkRun, error) {
	run, err := r.selectRun(ctx, r.db, goqu.C("id").Eq(id))
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, errors.WithStack(&errs.ErrNotFound{Type: runResourceType, Value: id})
	}
	return run, nil
}

func (r *PostgresBulkRunRepository) GetRunByIdempotencyKey(ctx context.Context, key string) (*model.BulkRun, error) {
	if id, ok := r.keyCache.Get(key); ok {
		run, err := r.selectRun(ctx, r.db, goqu.C("id").Eq(id))
		if err != nil {
			return nil, err
		}
		if run != nil {
			return run, nil
		}
		r.keyCache.Remove(key)
	}
	run, err := r.selectRun(ctx, r.db, goqu.C("idempotency_key").Eq(key))
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, errors.WithStack(&errs.ErrNotFound{Type: runResourceType, Value: key, Message: "no run with this idempotency key"})
	}
	r.keyCache.Add(key, run.Id)
	return run, nil
}

func (r *PostgresBulkRunRepository) GetActiveRun(ctx context.Context, shopId string) (*model.BulkRun, error) {
	run, err := r.selectRun(ctx, r.db, goqu.And(
		goqu.C("shop_id").Eq(shopId),
		goqu.C("status").In(string(model.BulkRunPending), string(model.BulkRunRunning)),
	))
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, errors.WithStack(&errs.ErrNotFound{Type: runResourceType, Value: shopId, Message: "shop has no active run"})
	}
	return run, nil
}

func (r *PostgresBulkRunRepository) UpdateRun(ctx context.Context, id string, update RunUpdate) (*model.BulkRun, error) {
	record := goqu.Record{"updated_at": goqu.L("now()")}
	if update.Status != nil {
		record["status"] = string(*update.Status)
	}
	if update.RemoteOperationId != nil {
		record["remote_operation_id"] = nullable(*update.RemoteOperationId)
	}
	if update.ResultUrl != nil {
		record["result_url"] = nullable(*update.ResultUrl)
	}
	if update.PartialDataUrl != nil {
		record["partial_data_url"] = nullable(*update.PartialDataUrl)
	}
	if update.ErrorMessage != nil {
		record["error_message"] = nullable(*update.ErrorMessage)
	}
	if update.StartedAt != nil {
		record["started_at"] = *update.StartedAt
	}
	if update.CompletedAt != nil {
		record["completed_at"] = *update.CompletedAt
	}
	if update.RecordsProcessed != nil {
		record["records_processed"] = *update.RecordsProcessed
	}
	if update.BytesProcessed != nil {
		record["bytes_processed"] = *update.BytesProcessed
	}
	if update.CursorState != nil {
		cursor, err := encodeJson(update.CursorState)
		if err != nil {
			return nil, err
		}
		record["cursor_state"] = cursor
	}

	query, args, err := r.dialect.Update("bulk_runs").Prepared(true).Set(record).Where(goqu.C("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	lockQuery, lockArgs, err := r.dialect.From("bulk_runs").Prepared(true).Select("status").Where(goqu.C("id").Eq(id)).ForUpdate(goqu.Wait).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var updated *model.BulkRun
	err = database.WithRetry(ctx, func() error {
		return r.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
			var current model.BulkRunStatus
			if err := tx.QueryRow(ctx, lockQuery, lockArgs...).Scan(&current); err != nil {
				if err == pgx.ErrNoRows {
					return &errs.ErrNotFound{Type: runResourceType, Value: id}
				}
				return err
			}
			if update.Status != nil && !current.CanTransitionTo(*update.Status) {
				return &errs.ErrInvalidArgument{
					Name:    "status",
					Value:   string(*update.Status),
					Message: "run " + id + " is " + string(current),
				}
			}
			if _, err := tx.Exec(ctx, query, args...); err != nil {
				return err
			}
			run, err := r.selectRun(ctx, tx, goqu.C("id").Eq(id))
			updated = run
			return err
		})
	})
	if errs.IsUniqueViolation(err, activeShopConstraint) {
		return nil, errors.WithStack(&errs.ErrAlreadyExists{Type: runResourceType, Value: id, Message: "shop already has an active run"})
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return updated, nil
}

func (r *PostgresBulkRunRepository) ResetForRetry(ctx context.Context, id string) (*model.BulkRun, error) {
	query, args, err := r.dialect.Update("bulk_runs").Prepared(true).Set(goqu.Record{
		"retry_count":         goqu.L("retry_count + 1"),
		"status":              string(model.BulkRunPending),
		"remote_operation_id": nil,
		"started_at":          nil,
		"completed_at":        nil,
		"error_message":       nil,
		"updated_at":          goqu.L("now()"),
	}).Where(
		goqu.C("id").Eq(id),
		goqu.C("status").In(string(model.BulkRunRunning), string(model.BulkRunPending)),
	).Returning(runColumns...).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var run *model.BulkRun
	err = database.WithRetry(ctx, func() error {
		var err error
		run, err = scanRun(r.db.QueryRow(ctx, query, args...))
		return err
	})
	if err == pgx.ErrNoRows {
		return nil, errors.WithStack(&errs.ErrNotFound{Type: runResourceType, Value: id, Message: "no active run to reset"})
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return run, nil
}

func (r *PostgresBulkRunRepository) InsertStep(ctx context.Context, step model.BulkStep) error {
	details, err := encodeJson(nilIfEmpty(step.Details))
	if err != nil {
		return err
	}
	if step.StartedAt.IsZero() {
		step.StartedAt = time.Now()
	}
	if step.Status == "" {
		step.Status = model.StepCompleted
	}
	completedAt := step.CompletedAt
	if completedAt == nil {
		completedAt = &step.StartedAt
	}
	return r.insert(ctx, "bulk_steps", goqu.Record{
		"bulk_run_id":   step.BulkRunId,
		"shop_id":       step.ShopId,
		"step_name":     step.StepName,
		"status":        string(step.Status),
		"started_at":    step.StartedAt,
		"completed_at":  *completedAt,
		"error_message": nullable(step.ErrorMessage),
		"details":       details,
	})
}

func (r *PostgresBulkRunRepository) InsertError(ctx context.Context, bulkError model.BulkError) error {
	payload, err := encodeJson(nilIfEmpty(bulkError.Payload))
	if err != nil {
		return err
	}
	if bulkError.CreatedAt.IsZero() {
		bulkError.CreatedAt = time.Now()
	}
	return r.insert(ctx, "bulk_errors", goqu.Record{
		"bulk_run_id":   bulkError.BulkRunId,
		"shop_id":       bulkError.ShopId,
		"error_type":    bulkError.ErrorType,
		"error_code":    nullable(bulkError.ErrorCode),
		"error_message": bulkError.ErrorMessage,
		"payload":       payload,
		"created_at":    bulkError.CreatedAt,
	})
}

func (r *PostgresBulkRunRepository) UpsertArtifact(ctx context.Context, artifact model.BulkArtifact) error {
	query, args, err := r.dialect.Insert("bulk_artifacts").Prepared(true).Rows(goqu.Record{
		"bulk_run_id":   artifact.BulkRunId,
		"shop_id":       artifact.ShopId,
		"artifact_type": string(artifact.ArtifactType),
		"url":           artifact.Url,
		"bytes_size":    artifact.BytesSize,
		"checksum":      nullable(artifact.Checksum),
		"expires_at":    nullableTime(artifact.ExpiresAt),
	}).OnConflict(goqu.DoUpdate("bulk_run_id, artifact_type, url", goqu.Record{
		"bytes_size": goqu.L("EXCLUDED.bytes_size"),
		"checksum":   goqu.L("COALESCE(EXCLUDED.checksum, bulk_artifacts.checksum)"),
		"expires_at": goqu.L("EXCLUDED.expires_at"),
	})).ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	return r.exec(ctx, query, args)
}

func (r *PostgresBulkRunRepository) insert(ctx context.Context, table string, record goqu.Record) error {
	query, args, err := r.dialect.Insert(table).Prepared(true).Rows(record).ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	return r.exec(ctx, query, args)
}

func (r *PostgresBulkRunRepository) exec(ctx context.Context, query string, args []interface{}) error {
	err := database.WithRetry(ctx, func() error {
		_, err := r.db.Exec(ctx, query, args...)
		return err
	})
	return errors.WithStack(err)
}

func (r *PostgresBulkRunRepository) ListSteps(ctx context.Context, bulkRunId string) ([]model.BulkStep, error) {
	query, args, err := r.dialect.From("bulk_steps").Prepared(true).
		Select("bulk_run_id", "shop_id", "step_name", "status", "started_at", "completed_at", "error_message", "details").
		Where(goqu.C("bulk_run_id").Eq(bulkRunId)).
		Order(goqu.C("id").Asc()).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	steps := []model.BulkStep{}
	err = r.query(ctx, query, args, func(rows pgx.Rows) error {
		var (
			step         model.BulkStep
			errorMessage *string
			details      []byte
		)
		if err := rows.Scan(&step.BulkRunId, &step.ShopId, &step.StepName, &step.Status, &step.StartedAt, &step.CompletedAt, &errorMessage, &details); err != nil {
			return err
		}
		step.ErrorMessage = deref(errorMessage)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &step.Details); err != nil {
				return err
			}
		}
		steps = append(steps, step)
		return nil
	})
	return steps, err
}

func (r *PostgresBulkRunRepository) ListErrors(ctx context.Context, bulkRunId string) ([]model.BulkError, error) {
	query, args, err := r.dialect.From("bulk_errors").Prepared(true).
		Select("bulk_run_id", "shop_id", "error_type", "error_code", "error_message", "payload", "created_at").
		Where(goqu.C("bulk_run_id").Eq(bulkRunId)).
		Order(goqu.C("id").Asc()).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	bulkErrors := []model.BulkError{}
	err = r.query(ctx, query, args, func(rows pgx.Rows) error {
		var (
			bulkError model.BulkError
			errorCode *string
			payload   []byte
		)
		if err := rows.Scan(&bulkError.BulkRunId, &bulkError.ShopId, &bulkError.ErrorType, &errorCode, &bulkError.ErrorMessage, &payload, &bulkError.CreatedAt); err != nil {
			return err
		}
		bulkError.ErrorCode = deref(errorCode)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &bulkError.Payload); err != nil {
				return err
			}
		}
		bulkErrors = append(bulkErrors, bulkError)
		return nil
	})
	return bulkErrors, err
}

func (r *PostgresBulkRunRepository) ListArtifacts(ctx context.Context, bulkRunId string) ([]model.BulkArtifact, error) {
	query, args, err := r.dialect.From("bulk_artifacts").Prepared(true).
		Select("bulk_run_id", "shop_id", "artifact_type", "url", "bytes_size", "checksum", "expires_at", "created_at").
		Where(goqu.C("bulk_run_id").Eq(bulkRunId)).
		Order(goqu.C("id").Asc()).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	artifacts := []model.BulkArtifact{}
	err = r.query(ctx, query, args, func(rows pgx.Rows) error {
		var (
			artifact  model.BulkArtifact
			bytesSize *int64
			checksum  *string
		)
		if err := rows.Scan(&artifact.BulkRunId, &artifact.ShopId, &artifact.ArtifactType, &artifact.Url, &bytesSize, &checksum, &artifact.ExpiresAt, &artifact.CreatedAt); err != nil {
			return err
		}
		if bytesSize != nil {
			artifact.BytesSize = *bytesSize
		}
		artifact.Checksum = deref(checksum)
		artifacts = append(artifacts, artifact)
		return nil
	})
	return artifacts, err
}

func (r *PostgresBulkRunRepository) query(ctx context.Context, query string, args []interface{}, scan func(pgx.Rows) error) error {
	return database.WithRetry(ctx, func() error {
		rows, err := r.db.Query(ctx, query, args...)
		if err != nil {
			return errors.WithStack(err)
		}
		defer rows.Close()
		for rows.Next() {
			if err := scan(rows); err != nil {
				return errors.WithStack(err)
			}
		}
		return errors.WithStack(rows.Err())
	})
}

func nilIfEmpty(m map[string]interface{}) interface{} {
	if len(m) == 0 {
		return nil
	}
	return m
}
