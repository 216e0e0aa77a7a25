package testfixtures

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/model"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/repository"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/errs"
)

// InMemoryRepository is a BulkRunRepository holding everything in maps. It enforces the same unique
// constraints and status lifecycle as the postgres implementation.
type InMemoryRepository struct {
	mu        sync.Mutex
	runs      map[string]*model.BulkRun
	steps     []model.BulkStep
	errors    []model.BulkError
	artifacts []model.BulkArtifact
	// Injected failure returned by every write when set.
	WriteErr error
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{runs: map[string]*model.BulkRun{}}
}

func copyRun(run *model.BulkRun) *model.BulkRun {
	c := *run
	c.CursorState = make(model.CursorState, len(run.CursorState))
	for k, v := range run.CursorState {
		c.CursorState[k] = v
	}
	return &c
}

func (r *InMemoryRepository) CreateRun(_ context.Context, run *model.BulkRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.WriteErr != nil {
		return r.WriteErr
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
	if run.CursorState == nil {
		run.CursorState = model.CursorState{}
	}
	for _, existing := range r.runs {
		if existing.IdempotencyKey == run.IdempotencyKey {
			return errors.WithStack(&errs.ErrAlreadyExists{Type: "bulk_run", Value: run.IdempotencyKey})
		}
		if existing.ShopId == run.ShopId && existing.Status.IsActive() && run.Status.IsActive() {
			return errors.WithStack(&errs.ErrAlreadyExists{Type: "bulk_run", Value: run.ShopId})
		}
	}
	now := time.Now()
	run.CreatedAt = now
	run.UpdatedAt = now
	r.runs[run.Id] = copyRun(run)
	return nil
}

func (r *InMemoryRepository) GetRun(_ context.Context, id string) (*model.BulkRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, errors.WithStack(&errs.ErrNotFound{Type: "bulk_run", Value: id})
	}
	return copyRun(run), nil
}

func (r *InMemoryRepository) GetRunByIdempotencyKey(_ context.Context, key string) (*model.BulkRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, run := range r.runs {
		if run.IdempotencyKey == key {
			return copyRun(run), nil
		}
	}
	return nil, errors.WithStack(&errs.ErrNotFound{Type: "bulk_run", Value: key})
}

func (r *InMemoryRepository) GetActiveRun(_ context.Context, shopId string) (*model.BulkRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, run := range r.runs {
		if run.ShopId == shopId && run.Status.IsActive() {
			return copyRun(run), nil
		}
	}
	return nil, errors.WithStack(&errs.ErrNotFound{Type: "bulk_run", Value: shopId})
}

func (r *InMemoryRepository) UpdateRun(_ context.Context, id string, update repository.RunUpdate) (*model.BulkRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.WriteErr != nil {
		return nil, r.WriteErr
	}
	run, ok := r.runs[id]
	if !ok {
		return nil, errors.WithStack(&errs.ErrNotFound{Type: "bulk_run", Value: id})
	}
	if update.Status != nil && !run.Status.CanTransitionTo(*update.Status) {
		return nil, errors.WithStack(&errs.ErrInvalidArgument{Name: "status", Value: *update.Status, Message: "not allowed from " + string(run.Status)})
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.RemoteOperationId != nil {
		run.RemoteOperationId = *update.RemoteOperationId
	}
	if update.ResultUrl != nil {
		run.ResultUrl = *update.ResultUrl
	}
	if update.PartialDataUrl != nil {
		run.PartialDataUrl = *update.PartialDataUrl
	}
	if update.ErrorMessage != nil {
		run.ErrorMessage = *update.ErrorMessage
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		run.StartedAt = &t
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		run.CompletedAt = &t
	}
	if update.RecordsProcessed != nil {
		run.RecordsProcessed = *update.RecordsProcessed
	}
	if update.BytesProcessed != nil {
		run.BytesProcessed = *update.BytesProcessed
	}
	if update.CursorState != nil {
		run.CursorState = update.CursorState
	}
	run.UpdatedAt = time.Now()
	return copyRun(run), nil
}

func (r *InMemoryRepository) ResetForRetry(_ context.Context, id string) (*model.BulkRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.WriteErr != nil {
		return nil, r.WriteErr
	}
	run, ok := r.runs[id]
	if !ok || !run.Status.IsActive() {
		return nil, errors.WithStack(&errs.ErrNotFound{Type: "bulk_run", Value: id, Message: "no active run to reset"})
	}
	run.RetryCount++
	run.Status = model.BulkRunPending
	run.RemoteOperationId = ""
	run.StartedAt = nil
	run.CompletedAt = nil
	run.ErrorMessage = ""
	run.UpdatedAt = time.Now()
	return copyRun(run), nil
}

func (r *InMemoryRepository) InsertStep(_ context.Context, step model.BulkStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.WriteErr != nil {
		return r.WriteErr
	}
	if step.Status == "" {
		step.Status = model.StepCompleted
	}
	if step.StartedAt.IsZero() {
		step.StartedAt = time.Now()
	}
	r.steps = append(r.steps, step)
	return nil
}

func (r *InMemoryRepository) InsertError(_ context.Context, bulkError model.BulkError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.WriteErr != nil {
		return r.WriteErr
	}
	if bulkError.CreatedAt.IsZero() {
		bulkError.CreatedAt = time.Now()
	}
	r.errors = append(r.errors, bulkError)
	return nil
}

func (r *InMemoryRepository) UpsertArtifact(_ context.Context, artifact model.BulkArtifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.WriteErr != nil {
		return r.WriteErr
	}
	for i, existing := range r.artifacts {
		if existing.BulkRunId == artifact.BulkRunId && existing.ArtifactType == artifact.ArtifactType && existing.Url == artifact.Url {
			r.artifacts[i].BytesSize = artifact.BytesSize
			r.artifacts[i].ExpiresAt = artifact.ExpiresAt
			if artifact.Checksum != "" {
				r.artifacts[i].Checksum = artifact.Checksum
			}
			return nil
		}
	}
	artifact.CreatedAt = time.Now()
	r.artifacts = append(r.artifacts, artifact)
	return nil
}

func (r *InMemoryRepository) ListSteps(_ context.Context, bulkRunId string) ([]model.BulkStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var steps []model.BulkStep
	for _, step := range r.steps {
		if step.BulkRunId == bulkRunId {
			steps = append(steps, step)
		}
	}
	return steps, nil
}

func (r *InMemoryRepository) ListErrors(_ context.Context, bulkRunId string) ([]model.BulkError, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []model.BulkError
	for _, bulkError := range r.errors {
		if bulkError.BulkRunId == bulkRunId {
			result = append(result, bulkError)
		}
	}
	return result, nil
}

func (r *InMemoryRepository) ListArtifacts(_ context.Context, bulkRunId string) ([]model.BulkArtifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []model.BulkArtifact
	for _, artifact := range r.artifacts {
		if artifact.BulkRunId == bulkRunId {
			result = append(result, artifact)
		}
	}
	return result, nil
}

// Runs returns every stored run ordered by creation.
func (r *InMemoryRepository) Runs() []*model.BulkRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	runs := make([]*model.BulkRun, 0, len(r.runs))
	for _, run := range r.runs {
		runs = append(runs, copyRun(run))
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
	return runs
}

// StepNames returns the names of all steps recorded for a run, in insertion order.
func (r *InMemoryRepository) StepNames(bulkRunId string) []string {
	steps, _ := r.ListSteps(context.Background(), bulkRunId)
	names := make([]string, 0, len(steps))
	for _, step := range steps {
		names = append(names, step.StepName)
	}
	return names
}

// Put stores run as is, bypassing constraints. Used to set up a run in an arbitrary state.
func (r *InMemoryRepository) Put(run *model.BulkRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run.CursorState == nil {
		run.CursorState = model.CursorState{}
	}
	if run.MaxRetries == 0 {
		run.MaxRetries = model.DefaultMaxRetries
	}
	r.runs[run.Id] = copyRun(run)
}

// StepCount and ErrorCount count all records, regardless of run.
func (r *InMemoryRepository) StepCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.steps)
}

func (r *InMemoryRepository) ErrorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errors)
}
