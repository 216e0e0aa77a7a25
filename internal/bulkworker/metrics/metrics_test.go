package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RunStarted("PRODUCTS_EXPORT")
		m.LockContended()
		m.PollTick("RUNNING")
		m.TerminalOutcome("retry_enqueued")
		m.DownloadRetried()
		m.PipelineFinished(1, 1, 1, 1, 1)
		m.IngestFinished("success", time.Second)
		m.QueueDepth("bulk-poller", "waiting", 3)
	})
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RunStarted("PRODUCTS_EXPORT")
	m.RunStarted("PRODUCTS_EXPORT")
	m.LockContended()
	m.PipelineFinished(100, 9, 1, 3, 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.runsStarted.WithLabelValues("PRODUCTS_EXPORT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockContention))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.bytesProcessed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.linesProcessed.WithLabelValues("invalid")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.orphans))
}

func TestQueueDepthKeepsLatestSample(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.QueueDepth("bulk-poller", "waiting", 5)
	m.QueueDepth("bulk-poller", "waiting", 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("bulk-poller", "waiting")))
}
