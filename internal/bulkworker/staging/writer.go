package staging

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/pipeline"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/ingest"
)

type WriterConfig struct {
	BatchSize     int           `validate:"gt=0"`
	FlushInterval time.Duration `validate:"gt=0"`
}

func DefaultWriterConfig() WriterConfig {
	return WriterConfig{BatchSize: 500, FlushInterval: time.Second}
}

// Writer stages the entities of one run in batches. It is the pipeline.EntitySink of an ingest job.
type Writer struct {
	store     Store
	bulkRunId string
	shopId    string

	ctx    context.Context
	cancel context.CancelFunc
	values chan StagedRecord
	done   chan struct{}

	onFlush func(ctx context.Context, progress Progress) error

	mu     sync.Mutex
	err    error
	staged int64
	closed bool
}

// Progress describes the staged records of a run after a flush.
type Progress struct {
	Staged int64
	// Id of the last record of the flushed batch.
	LastId string
}

func NewWriter(ctx context.Context, store Store, shopId string, bulkRunId string, config WriterConfig) *Writer {
	ctx, cancel := context.WithCancel(ctx)
	w := &Writer{
		store:     store,
		bulkRunId: bulkRunId,
		shopId:    shopId,
		ctx:       ctx,
		cancel:    cancel,
		values:    make(chan StagedRecord, config.BatchSize),
		done:      make(chan struct{}),
	}
	batches := ingest.Batch(ctx, w.values, config.BatchSize, config.FlushInterval)
	go w.run(batches)
	return w
}

func (w *Writer) run(batches <-chan []StagedRecord) {
	defer close(w.done)
	for batch := range batches {
		if err := w.store.Stage(w.ctx, batch); err != nil {
			w.fail(errors.WithMessagef(err, "error staging %d records of run %s", len(batch), w.bulkRunId))
			return
		}
		w.mu.Lock()
		w.staged += int64(len(batch))
		progress := Progress{Staged: w.staged, LastId: batch[len(batch)-1].RecordId}
		w.mu.Unlock()
		if w.onFlush != nil {
			if err := w.onFlush(w.ctx, progress); err != nil {
				w.fail(err)
				return
			}
		}
	}
}

// OnFlush registers a hook called after every staged batch. It must be set before the first Write.
// An error returned by the hook stops the writer.
func (w *Writer) OnFlush(hook func(ctx context.Context, progress Progress) error) *Writer {
	w.onFlush = hook
	return w
}

func (w *Writer) fail(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
	w.cancel()
}

func (w *Writer) failure() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	return w.ctx.Err()
}

func (w *Writer) Write(ctx context.Context, entity pipeline.Entity) error {
	document, err := entity.Document()
	if err != nil {
		return err
	}
	record := StagedRecord{
		BulkRunId:  w.bulkRunId,
		ShopId:     w.shopId,
		RecordId:   entity.Id,
		RecordType: RecordType(entity.Typename, entity.Id),
		Payload:    document,
		ChildCount: len(entity.Children),
	}
	select {
	case w.values <- record:
		return nil
	case <-w.ctx.Done():
		return w.failure()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes the pending batch and returns the number of records staged.
func (w *Writer) Close() (int64, error) {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.values)
	}
	w.mu.Unlock()
	<-w.done
	defer w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil && w.ctx.Err() != nil {
		// The batcher stops without flushing once the context is done.
		return w.staged, w.ctx.Err()
	}
	return w.staged, w.err
}

// RecordType is the typename when known, otherwise the type segment of a gid such as
// "gid://shopify/Product/1".
func RecordType(typename string, id string) string {
	if typename != "" {
		return typename
	}
	if strings.HasPrefix(id, "gid://") {
		parts := strings.Split(strings.TrimPrefix(id, "gid://"), "/")
		if len(parts) >= 3 && parts[1] != "" {
			return parts[1]
		}
	}
	return "Unknown"
}
