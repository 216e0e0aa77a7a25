package jobqueue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/logging"
)

// Observer receives job lifecycle events from a Worker. Implementations must be safe for concurrent use.
type Observer interface {
	OnStarted(job *Job)
	OnCompleted(job *Job, duration time.Duration)
	OnRescheduled(job *Job, delay time.Duration)
	// final is true when the job will not be retried.
	OnFailed(job *Job, err error, final bool)
	// OnDropped is called for jobs removed without processing, e.g. invalid payloads.
	OnDropped(job *Job, err error)
}

type Observers []Observer

func (o Observers) OnStarted(job *Job) {
	for _, observer := range o {
		observer.OnStarted(job)
	}
}

func (o Observers) OnCompleted(job *Job, duration time.Duration) {
	for _, observer := range o {
		observer.OnCompleted(job, duration)
	}
}

func (o Observers) OnRescheduled(job *Job, delay time.Duration) {
	for _, observer := range o {
		observer.OnRescheduled(job, delay)
	}
}

func (o Observers) OnFailed(job *Job, err error, final bool) {
	for _, observer := range o {
		observer.OnFailed(job, err, final)
	}
}

func (o Observers) OnDropped(job *Job, err error) {
	for _, observer := range o {
		observer.OnDropped(job, err)
	}
}

type LoggingObserver struct{}

func jobLogger(job *Job) *log.Entry {
	return log.WithFields(log.Fields{
		logging.QueueField:   job.Queue,
		logging.JobIdField:   job.Id,
		logging.JobNameField: job.Name,
		"group":              job.Group,
	})
}

func (LoggingObserver) OnStarted(job *Job) {
	jobLogger(job).Debugf("job started, attempt %d of %d", job.AttemptsMade+1, job.MaxAttempts)
}

func (LoggingObserver) OnCompleted(job *Job, duration time.Duration) {
	jobLogger(job).Debugf("job completed in %s", duration)
}

func (LoggingObserver) OnRescheduled(job *Job, delay time.Duration) {
	jobLogger(job).Debugf("job rescheduled in %s", delay)
}

func (LoggingObserver) OnFailed(job *Job, err error, final bool) {
	entry := logging.WithStacktrace(jobLogger(job), err)
	if final {
		entry.Errorf("job failed after %d attempts", job.AttemptsMade)
	} else {
		entry.Warnf("job failed, attempt %d of %d", job.AttemptsMade, job.MaxAttempts)
	}
}

func (LoggingObserver) OnDropped(job *Job, err error) {
	jobLogger(job).WithError(err).Warn("dropping job")
}

// MetricsObserver publishes job outcomes as prometheus metrics.
type MetricsObserver struct {
	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
	started  *prometheus.CounterVec
}

func NewMetricsObserver(registerer prometheus.Registerer) *MetricsObserver {
	factory := promauto.With(registerer)
	return &MetricsObserver{
		started: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bulkworker_jobs_started_total",
			Help: "Number of jobs handed to a handler",
		}, []string{"queue"}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bulkworker_jobs_finished_total",
			Help: "Number of job executions by outcome",
		}, []string{"queue", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bulkworker_job_duration_seconds",
			Help:    "Duration of successful job executions",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"queue"}),
	}
}

func (m *MetricsObserver) OnStarted(job *Job) {
	m.started.WithLabelValues(job.Queue).Inc()
}

func (m *MetricsObserver) OnCompleted(job *Job, duration time.Duration) {
	m.outcomes.WithLabelValues(job.Queue, "completed").Inc()
	m.duration.WithLabelValues(job.Queue).Observe(duration.Seconds())
}

func (m *MetricsObserver) OnRescheduled(job *Job, _ time.Duration) {
	m.outcomes.WithLabelValues(job.Queue, "rescheduled").Inc()
}

func (m *MetricsObserver) OnFailed(job *Job, _ error, final bool) {
	if final {
		m.outcomes.WithLabelValues(job.Queue, "failed").Inc()
	} else {
		m.outcomes.WithLabelValues(job.Queue, "retried").Inc()
	}
}

func (m *MetricsObserver) OnDropped(job *Job, _ error) {
	m.outcomes.WithLabelValues(job.Queue, "dropped").Inc()
}
