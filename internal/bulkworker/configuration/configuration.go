package configuration

import (
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/failure"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/ingest"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/jobqueue"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/model"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/orchestrator"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/pipeline"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/poller"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/ratelimit"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/remote"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/schedule"
	commonconfig "github.com/neacisu/Neanelu-Shopify-sub003/internal/common/config"
)

type Configuration struct {
	// Database holding runs, steps, errors, artifacts and the staging tables
	Postgres commonconfig.PostgresConfig
	// Redis used for locks, rate gates, queues and dead letters
	Redis commonconfig.RedisConfig
	// Port the prometheus metrics are served on
	MetricsPort uint16 `validate:"required"`
	// How often queue depths are sampled into metrics
	QueueMetricsInterval time.Duration `validate:"gt=0"`
	// Number of idempotency keys whose run id is cached in memory
	RunCacheSize int `validate:"gt=0"`
	RateLimit    ratelimit.BucketConfig
	Remote       RemoteConfig
	// Keyed by queue name. Every bulk queue must be present.
	Queues       map[string]QueueConfig `validate:"dive"`
	Worker       jobqueue.WorkerConfig
	Orchestrator orchestrator.Config
	Poller       poller.Config
	Failure      failure.EngineConfig
	Pipeline     pipeline.Config
	Ingest       ingest.Config
	Schedules    []schedule.Schedule `validate:"dive"`
}

type RemoteConfig struct {
	Graphql remote.GraphqlClientConfig
	// How long shop credentials are cached
	CredentialsTTL time.Duration `validate:"gt=0"`
	// Credentials of every shop the worker may export, keyed by shop id
	Shops map[string]remote.Credentials `validate:"dive"`
}

// QueueConfig is the configured form of a jobqueue.Policy; the backoff strategy is given by name.
type QueueConfig struct {
	Attempts         int           `validate:"gt=0"`
	Backoff          string        `validate:"required"`
	Timeout          time.Duration `validate:"gt=0"`
	Concurrency      int           `validate:"gt=0"`
	GroupConcurrency int           `validate:"gte=0"`
	RemoveOnComplete time.Duration
	RemoveOnFail     time.Duration
	LeaseDuration    time.Duration
	DeadLetter       jobqueue.DeadLetterPolicy
}

func (q QueueConfig) Policy() (jobqueue.Policy, error) {
	backoff, err := jobqueue.NamedBackoff(q.Backoff)
	if err != nil {
		return jobqueue.Policy{}, err
	}
	policy := jobqueue.Policy{
		Attempts:         q.Attempts,
		Backoff:          backoff,
		Timeout:          q.Timeout,
		Concurrency:      q.Concurrency,
		GroupConcurrency: q.GroupConcurrency,
		RemoveOnComplete: q.RemoveOnComplete,
		RemoveOnFail:     q.RemoveOnFail,
		LeaseDuration:    q.LeaseDuration,
		DeadLetter:       q.DeadLetter,
	}
	return policy.WithDefaults(), nil
}

var bulkQueues = []string{model.OrchestratorQueue, model.PollerQueue, model.IngestQueue}

// Policies returns the job policy of every bulk queue.
func (c Configuration) Policies() (map[string]jobqueue.Policy, error) {
	policies := make(map[string]jobqueue.Policy, len(bulkQueues))
	for _, queue := range bulkQueues {
		queueConfig, ok := c.Queues[queue]
		if !ok {
			return nil, errors.Errorf("no configuration for queue %s", queue)
		}
		policy, err := queueConfig.Policy()
		if err != nil {
			return nil, errors.WithMessagef(err, "invalid configuration for queue %s", queue)
		}
		policies[queue] = policy
	}
	return policies, nil
}

// Validate checks field constraints, then that every queue is configured with a known backoff.
func (c Configuration) Validate() error {
	if err := commonconfig.Validate(c); err != nil {
		return err
	}
	var result *multierror.Error
	if _, err := c.Policies(); err != nil {
		result = multierror.Append(result, err)
	}
	seen := map[string]bool{}
	for _, s := range c.Schedules {
		if seen[s.Name] {
			result = multierror.Append(result, errors.Errorf("schedule %s is defined more than once", s.Name))
		}
		seen[s.Name] = true
		for _, shopId := range s.ShopIds {
			if _, ok := c.Remote.Shops[shopId]; !ok {
				result = multierror.Append(result, errors.Errorf("schedule %s names shop %s which has no credentials", s.Name, shopId))
			}
		}
	}
	return result.ErrorOrNil()
}
