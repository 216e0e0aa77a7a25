package task

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

// BackgroundTaskManager runs periodic maintenance functions, such as queue depth sampling, next to
// the workers. Register and StopAll must be called from the same goroutine.
type BackgroundTaskManager struct {
	metricsPrefix string
	latency       *prometheus.HistogramVec
	panics        *prometheus.CounterVec
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string, registerer prometheus.Registerer) *BackgroundTaskManager {
	factory := promauto.With(registerer)
	ctx, cancel := context.WithCancel(context.Background())
	return &BackgroundTaskManager{
		metricsPrefix: metricsPrefix,
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricsPrefix + "background_task_latency_seconds",
			Help:    "Latency of one run of a background task",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}, []string{"task"}),
		panics: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricsPrefix + "background_task_panics_total",
			Help: "Number of background task runs that panicked",
		}, []string{"task"}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register runs backgroundTask immediately and then every interval until StopAll is called.
// The context handed to the task is cancelled by StopAll.
func (m *BackgroundTaskManager) Register(backgroundTask func(ctx context.Context), interval time.Duration, name string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			m.runOnce(backgroundTask, name)
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (m *BackgroundTaskManager) runOnce(backgroundTask func(ctx context.Context), name string) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			m.panics.WithLabelValues(name).Inc()
			log.Errorf("background task %s panicked: %v", name, r)
			return
		}
		m.latency.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()
	backgroundTask(m.ctx)
}

// StopAll cancels every task and returns true if they did not all return within timeout.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()
	select {
	case <-done:
		return false
	case <-time.After(timeout):
		return true
	}
}
