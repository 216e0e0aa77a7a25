package pipeline

import (
	"context"
	"io"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/metrics"
)

type Config struct {
	Download DownloadConfig
	Parser   ParserConfig
	Stitch   StitchConfig
	// Parsed records buffered between the parse and stitch stages.
	RecordBuffer int `validate:"gt=0"`
}

func DefaultConfig() Config {
	return Config{
		Download:     DefaultDownloadConfig(),
		Parser:       DefaultParserConfig(),
		Stitch:       DefaultStitchConfig(),
		RecordBuffer: 1024,
	}
}

// EntitySink receives the assembled entities of a run.
type EntitySink interface {
	Write(ctx context.Context, entity Entity) error
}

type Request struct {
	ShopId string
	Url    string
	Sink   EntitySink
	// Optional diagnostics callbacks. They are called from pipeline goroutines, one at a time per callback.
	OnIssue  func(ParseIssue)
	OnOrphan func(Orphan)
}

type Result struct {
	Counters Counters
	Stitch   StitchCounters
	Download DownloadStats
}

// Pipeline streams a bulk export from its URL into an EntitySink: download, decompress, parse and stitch
// run concurrently and the first failing stage cancels the others.
type Pipeline struct {
	downloader *Downloader
	metrics    *metrics.Metrics
	config     Config
}

func New(downloader *Downloader, m *metrics.Metrics, config Config) *Pipeline {
	return &Pipeline{downloader: downloader, metrics: m, config: config}
}

func (p *Pipeline) Run(ctx context.Context, request Request) (result *Result, err error) {
	stitcher, err := NewStitcher(p.config.Stitch)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := stitcher.Close(); closeErr != nil {
			log.WithError(closeErr).Warn("error cleaning up stitch spill files")
		}
	}()

	parser := NewParser(p.config.Parser, request.OnIssue)
	reader, writer := io.Pipe()
	records := make(chan Record, p.config.RecordBuffer)
	var downloadStats *DownloadStats

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stats, err := p.downloader.Download(gctx, request.ShopId, request.Url, writer)
		downloadStats = stats
		writer.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		defer close(records)
		err := parser.Parse(gctx, reader, func(record Record) error {
			select {
			case records <- record:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
		// Unblocks the downloader when parsing stops early.
		if err != nil {
			reader.CloseWithError(err)
		} else {
			reader.Close()
		}
		return err
	})
	g.Go(func() error {
		for record := range records {
			if err := stitcher.Add(record); err != nil {
				return err
			}
		}
		return nil
	})
	err = g.Wait()
	if err == nil {
		var onOrphan func(Orphan) error
		if request.OnOrphan != nil {
			onOrphan = func(orphan Orphan) error {
				request.OnOrphan(orphan)
				return nil
			}
		}
		err = stitcher.Finalize(ctx, func(entity Entity) error {
			return request.Sink.Write(ctx, entity)
		}, onOrphan)
	}

	result = &Result{Counters: parser.Counters(), Stitch: stitcher.Counters()}
	if downloadStats != nil {
		result.Download = *downloadStats
	}
	p.metrics.PipelineFinished(
		result.Counters.BytesProcessed,
		result.Counters.ValidLines,
		result.Counters.InvalidLines,
		result.Stitch.Entities,
		result.Stitch.Orphans,
	)
	return result, err
}
