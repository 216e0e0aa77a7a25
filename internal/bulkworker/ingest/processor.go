package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/jobqueue"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/metrics"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/model"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/pipeline"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/repository"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/staging"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/errs"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/logging"
)

type Config struct {
	Writer staging.WriterConfig
	// Parse issues and orphans recorded as run errors before further ones are only counted.
	MaxIssueRecords int `validate:"gte=0"`
	// Remove the staged records of a run once they are merged.
	DiscardAfterMerge bool
}

func DefaultConfig() Config {
	return Config{
		Writer:            staging.DefaultWriterConfig(),
		MaxIssueRecords:   100,
		DiscardAfterMerge: true,
	}
}

// Processor ingests the result file of a completed run: the export is streamed through the
// pipeline into staging, then merged into the catalog.
type Processor struct {
	repo     repository.BulkRunRepository
	pipeline *pipeline.Pipeline
	store    staging.Store
	metrics  *metrics.Metrics
	config   Config
	now      func() time.Time
}

func New(repo repository.BulkRunRepository, p *pipeline.Pipeline, store staging.Store, m *metrics.Metrics, config Config) *Processor {
	return &Processor{
		repo:     repo,
		pipeline: p,
		store:    store,
		metrics:  m,
		config:   config,
		now:      time.Now,
	}
}

func (p *Processor) Handler() jobqueue.Handler {
	return jobqueue.NewTypedHandler[model.IngestPayload](model.IngestJobName, model.PayloadVersion, p.Process)
}

func (p *Processor) Process(ctx context.Context, _ *jobqueue.Job, payload *model.IngestPayload) jobqueue.Result {
	logger := logging.ForRun(payload.ShopId, payload.BulkRunId).WithField("partial", payload.Partial)
	start := p.now()

	run, err := p.repo.GetRun(ctx, payload.BulkRunId)
	if errs.IsNotFound(err) {
		return jobqueue.Failure(jobqueue.Unrecoverable(err))
	}
	if err != nil {
		return jobqueue.Failure(err)
	}
	if run.Status != model.BulkRunCompleted {
		return jobqueue.Failure(jobqueue.Unrecoverable(errors.Errorf("run %s is %s, only completed runs are ingested", run.Id, run.Status)))
	}

	checkpoint, resumed := run.CursorState.Checkpoint()
	if !resumed || checkpoint.CommittedRecords == 0 {
		// A fresh ingest starts from an empty staging area.
		if _, err := p.store.Discard(ctx, run.Id); err != nil {
			return jobqueue.Failure(err)
		}
	}
	err = p.repo.InsertStep(ctx, model.BulkStep{
		BulkRunId: run.Id,
		ShopId:    run.ShopId,
		StepName:  model.StepIngestStarted,
		Details: map[string]interface{}{
			"url":         payload.ResultUrl,
			"partial":     payload.Partial,
			"resumeAfter": checkpoint.CommittedRecords,
		},
	})
	if err != nil {
		return jobqueue.Failure(err)
	}

	result, merged, err := p.ingest(ctx, run, payload, checkpoint, logger)
	if err != nil {
		return p.failed(run, err, start, logger)
	}

	err = p.repo.InsertStep(ctx, model.BulkStep{
		BulkRunId: run.Id,
		ShopId:    run.ShopId,
		StepName:  model.StepIngestCompleted,
		Details: map[string]interface{}{
			"totalLines":   result.Counters.TotalLines,
			"invalidLines": result.Counters.InvalidLines,
			"entities":     result.Stitch.Entities,
			"orphans":      result.Stitch.Orphans,
			"merged":       merged,
			"attempts":     result.Download.Attempts,
		},
	})
	if err != nil {
		return jobqueue.Failure(err)
	}
	p.metrics.IngestFinished("completed", p.now().Sub(start))
	logger.WithFields(log.Fields{
		"bytes":    result.Counters.BytesProcessed,
		"lines":    result.Counters.TotalLines,
		"entities": result.Stitch.Entities,
		"merged":   merged,
	}).Info("bulk ingest completed")
	return jobqueue.Success()
}

func (p *Processor) ingest(
	ctx context.Context,
	run *model.BulkRun,
	payload *model.IngestPayload,
	previous model.IngestCheckpoint,
	logger *log.Entry,
) (*pipeline.Result, int64, error) {
	progress := &checkpointer{processor: p, run: run, skipped: previous.CommittedRecords, lastId: previous.LastSuccessfulId}
	writer := staging.NewWriter(ctx, p.store, run.ShopId, run.Id, p.config.Writer).OnFlush(progress.flushed)
	sink := &resumingSink{writer: writer, skip: previous.CommittedRecords}
	issues := &issueRecorder{repo: p.repo, run: run, max: p.config.MaxIssueRecords, logger: logger}

	result, err := p.pipeline.Run(ctx, pipeline.Request{
		ShopId:   run.ShopId,
		Url:      payload.ResultUrl,
		Sink:     sink,
		OnIssue:  func(issue pipeline.ParseIssue) { issues.parseIssue(ctx, issue) },
		OnOrphan: func(orphan pipeline.Orphan) { issues.orphan(ctx, orphan) },
	})
	if _, closeErr := writer.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return result, 0, err
	}

	if err := progress.finished(ctx, result); err != nil {
		return result, 0, err
	}
	if err := p.refreshArtifact(ctx, run, payload, result.Download); err != nil {
		return result, 0, err
	}
	merged, err := p.store.Merge(ctx, run.Id)
	if err != nil {
		return result, 0, errors.WithMessagef(err, "error merging staged records of run %s", run.Id)
	}
	if p.config.DiscardAfterMerge {
		if _, err := p.store.Discard(ctx, run.Id); err != nil {
			logging.WithStacktrace(logger, err).Warn("error discarding merged staging records")
		}
	}
	return result, merged, nil
}

// refreshArtifact stores the verified size and checksum on the artifact of the ingested file.
func (p *Processor) refreshArtifact(ctx context.Context, run *model.BulkRun, payload *model.IngestPayload, stats pipeline.DownloadStats) error {
	artifactType := model.ArtifactResult
	if payload.Partial {
		artifactType = model.ArtifactPartial
	}
	return p.repo.UpsertArtifact(ctx, model.BulkArtifact{
		BulkRunId:    run.Id,
		ShopId:       run.ShopId,
		ArtifactType: artifactType,
		Url:          payload.ResultUrl,
		BytesSize:    stats.BytesReceived,
		Checksum:     stats.Checksum,
	})
}

func (p *Processor) failed(run *model.BulkRun, cause error, start time.Time, logger *log.Entry) jobqueue.Result {
	code, permanent := classify(cause)
	p.metrics.IngestFinished("failed", p.now().Sub(start))
	logging.WithStacktrace(logger, cause).WithField("code", code).Warn("bulk ingest failed")

	// Recording the failure must not depend on the job context, which may be the reason we failed.
	recordCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := p.repo.InsertStep(recordCtx, model.BulkStep{
		BulkRunId:    run.Id,
		ShopId:       run.ShopId,
		StepName:     model.StepIngestFailed,
		Status:       model.StepFailed,
		ErrorMessage: cause.Error(),
		Details:      map[string]interface{}{"permanent": permanent},
	})
	if err != nil {
		logging.WithStacktrace(logger, err).Warn("error recording ingest failure step")
	}
	err = p.repo.InsertError(recordCtx, model.BulkError{
		BulkRunId:    run.Id,
		ShopId:       run.ShopId,
		ErrorType:    model.ErrorTypeIngest,
		ErrorCode:    code,
		ErrorMessage: cause.Error(),
	})
	if err != nil {
		logging.WithStacktrace(logger, err).Warn("error recording ingest failure")
	}

	if !permanent {
		return jobqueue.Failure(cause)
	}
	if _, err := p.store.Discard(recordCtx, run.Id); err != nil {
		logging.WithStacktrace(logger, err).Warn("error discarding staging records of failed ingest")
	}
	// Staging is gone, a later ingest of this run must start over.
	_, err = p.repo.UpdateRun(recordCtx, run.Id, repository.RunUpdate{
		CursorState: run.CursorState.WithCheckpoint(model.IngestCheckpoint{UpdatedAt: p.now()}),
	})
	if err != nil {
		logging.WithStacktrace(logger, err).Warn("error resetting ingest checkpoint")
	}
	return jobqueue.Failure(jobqueue.Unrecoverable(cause))
}

// classify returns the error code of an ingest failure and whether retrying cannot help.
func classify(err error) (string, bool) {
	var integrity *pipeline.IntegrityError
	if errors.As(err, &integrity) {
		return "INTEGRITY_" + strings.ToUpper(string(integrity.Kind)), true
	}
	var rate *pipeline.ErrorRateExceeded
	if errors.As(err, &rate) {
		return "ERROR_RATE_EXCEEDED", true
	}
	var parseErr *pipeline.ParseError
	if errors.As(err, &parseErr) {
		return "PARSE_ERROR", true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "TIMEOUT", false
	}
	return "INGEST_FAILED", false
}

// resumingSink drops the entities committed by an earlier attempt. Entities are emitted in a
// stable order for a given file and stitch configuration; staging ignores re-staged records anyway.
type resumingSink struct {
	writer  *staging.Writer
	skip    int64
	emitted int64
}

func (s *resumingSink) Write(ctx context.Context, entity pipeline.Entity) error {
	s.emitted++
	if s.emitted <= s.skip {
		return nil
	}
	return s.writer.Write(ctx, entity)
}

// checkpointer persists ingest progress on the run. flushed runs on the writer goroutine,
// finished only once the writer is closed.
type checkpointer struct {
	processor *Processor
	run       *model.BulkRun
	skipped   int64
	lastId    string
}

func (c *checkpointer) flushed(ctx context.Context, progress staging.Progress) error {
	c.lastId = progress.LastId
	return c.save(ctx, model.IngestCheckpoint{
		CommittedRecords: c.skipped + progress.Staged,
		LastSuccessfulId: progress.LastId,
	})
}

func (c *checkpointer) finished(ctx context.Context, result *pipeline.Result) error {
	return c.save(ctx, model.IngestCheckpoint{
		CommittedRecords: result.Stitch.Entities,
		CommittedBytes:   result.Counters.BytesProcessed,
		CommittedLines:   result.Counters.TotalLines,
		LastSuccessfulId: c.lastId,
	})
}

func (c *checkpointer) save(ctx context.Context, checkpoint model.IngestCheckpoint) error {
	checkpoint.UpdatedAt = c.processor.now()
	records := maxInt64(c.run.RecordsProcessed, checkpoint.CommittedRecords)
	bytes := maxInt64(c.run.BytesProcessed, checkpoint.CommittedBytes)
	updated, err := c.processor.repo.UpdateRun(ctx, c.run.Id, repository.RunUpdate{
		RecordsProcessed: &records,
		BytesProcessed:   &bytes,
		CursorState:      c.run.CursorState.WithCheckpoint(checkpoint),
	})
	if err != nil {
		return errors.WithMessagef(err, "error saving ingest checkpoint of run %s", c.run.Id)
	}
	c.run = updated
	return nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// issueRecorder stores the first parse issues and orphans of a run as run errors.
type issueRecorder struct {
	repo   repository.BulkRunRepository
	run    *model.BulkRun
	max    int
	logger *log.Entry

	mu       sync.Mutex
	recorded int
}

func (r *issueRecorder) take() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recorded >= r.max {
		return false
	}
	r.recorded++
	return true
}

func (r *issueRecorder) parseIssue(ctx context.Context, issue pipeline.ParseIssue) {
	if !r.take() {
		return
	}
	r.insert(ctx, model.BulkError{
		BulkRunId:    r.run.Id,
		ShopId:       r.run.ShopId,
		ErrorType:    model.ErrorTypeIngest,
		ErrorCode:    string(issue.Kind),
		ErrorMessage: issue.Message,
		Payload:      map[string]interface{}{"lineNumber": issue.LineNumber},
	})
}

func (r *issueRecorder) orphan(ctx context.Context, orphan pipeline.Orphan) {
	if !r.take() {
		return
	}
	r.insert(ctx, model.BulkError{
		BulkRunId:    r.run.Id,
		ShopId:       r.run.ShopId,
		ErrorType:    model.ErrorTypeIngest,
		ErrorCode:    "orphan_child",
		ErrorMessage: fmt.Sprintf("parent %s of %s not found in export", orphan.ParentId, orphan.Id),
		Payload:      map[string]interface{}{"id": orphan.Id, "parentId": orphan.ParentId, "typename": orphan.Typename},
	})
}

func (r *issueRecorder) insert(ctx context.Context, bulkError model.BulkError) {
	if err := r.repo.InsertError(ctx, bulkError); err != nil {
		logging.WithStacktrace(r.logger, err).Warn("error recording ingest issue")
	}
}
