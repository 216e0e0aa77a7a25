package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bulkworker"

// Metrics holds the collectors of the bulk workers. All methods are safe to call on a nil *Metrics,
// which records nothing.
type Metrics struct {
	runsStarted      *prometheus.CounterVec
	lockContention   prometheus.Counter
	pollTicks        *prometheus.CounterVec
	terminalOutcomes *prometheus.CounterVec
	downloadRetries  prometheus.Counter
	bytesProcessed   prometheus.Counter
	linesProcessed   *prometheus.CounterVec
	recordsEmitted   prometheus.Counter
	orphans          prometheus.Counter
	ingestDuration   *prometheus.HistogramVec
	queueDepth       *prometheus.GaugeVec
}

func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		runsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Remote bulk operations started, by operation type.",
		}, []string{"operation_type"}),
		lockContention: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "Orchestrations rescheduled because another worker held the shop lock.",
		}),
		pollTicks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_ticks_total",
			Help:      "Poller ticks, by observed remote status.",
		}, []string{"status"}),
		terminalOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminal_outcomes_total",
			Help:      "Decisions taken for failed remote operations.",
		}, []string{"outcome"}),
		downloadRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_retries_total",
			Help:      "Download attempts beyond the first.",
		}),
		bytesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_bytes_total",
			Help:      "Decompressed bytes read by the streaming pipeline.",
		}),
		linesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_lines_total",
			Help:      "Export lines parsed, by validity.",
		}, []string{"result"}),
		recordsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_records_total",
			Help:      "Assembled records handed to staging.",
		}),
		orphans: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_orphans_total",
			Help:      "Child records without a matching parent.",
		}),
		ingestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Duration of ingest jobs, by result.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"result"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs",
			Help:      "Jobs per queue and state, sampled periodically.",
		}, []string{"queue", "state"}),
	}
}

func (m *Metrics) RunStarted(operationType string) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(operationType).Inc()
}

func (m *Metrics) LockContended() {
	if m == nil {
		return
	}
	m.lockContention.Inc()
}

func (m *Metrics) PollTick(status string) {
	if m == nil {
		return
	}
	m.pollTicks.WithLabelValues(status).Inc()
}

func (m *Metrics) TerminalOutcome(outcome string) {
	if m == nil {
		return
	}
	m.terminalOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DownloadRetried() {
	if m == nil {
		return
	}
	m.downloadRetries.Inc()
}

// PipelineFinished adds the counters of one pipeline invocation.
func (m *Metrics) PipelineFinished(bytes int64, validLines int64, invalidLines int64, records int64, orphans int64) {
	if m == nil {
		return
	}
	m.bytesProcessed.Add(float64(bytes))
	m.linesProcessed.WithLabelValues("valid").Add(float64(validLines))
	m.linesProcessed.WithLabelValues("invalid").Add(float64(invalidLines))
	m.recordsEmitted.Add(float64(records))
	m.orphans.Add(float64(orphans))
}

func (m *Metrics) IngestFinished(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ingestDuration.WithLabelValues(result).Observe(duration.Seconds())
}

func (m *Metrics) QueueDepth(queue string, state string, jobs int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue, state).Set(float64(jobs))
}
