package jobqueue

import (
	"time"

	"github.com/pkg/errors"
)

// Named backoff tables. The delay for the n-th failed attempt is table[n-1], clamped to the last entry.
var backoffTables = map[string][]time.Duration{
	"exp4":   {1 * time.Second, 4 * time.Second, 16 * time.Second},
	"poller": {5 * time.Second, 10 * time.Second, 20 * time.Second, 30 * time.Second},
	"linear": {10 * time.Second, 20 * time.Second, 30 * time.Second, 40 * time.Second, 50 * time.Second},
}

const DefaultBackoffName = "exp4"

type BackoffStrategy struct {
	Name  string
	Table []time.Duration
}

func NamedBackoff(name string) (BackoffStrategy, error) {
	table, ok := backoffTables[name]
	if !ok {
		return BackoffStrategy{}, errors.Errorf("unknown backoff strategy %q", name)
	}
	return BackoffStrategy{Name: name, Table: table}, nil
}

// Delay returns the wait before retrying a job that has failed attemptsMade times.
func (b BackoffStrategy) Delay(attemptsMade int) time.Duration {
	if len(b.Table) == 0 {
		return 0
	}
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	if attemptsMade > len(b.Table) {
		return b.Table[len(b.Table)-1]
	}
	return b.Table[attemptsMade-1]
}

type DeadLetterPolicy struct {
	Enabled bool
	// Strict surfaces dead letter write failures to the caller instead of only logging them.
	Strict    bool
	Retention time.Duration
}

type Policy struct {
	Attempts int
	Backoff  BackoffStrategy
	// Each job runs with a context cancelled after Timeout.
	Timeout time.Duration
	// Maximum number of jobs a single worker runs at once, across all groups.
	Concurrency int
	// Maximum number of jobs of one group (tenant) running at once, across all workers. Zero is unlimited.
	GroupConcurrency int
	RemoveOnComplete time.Duration
	RemoveOnFail     time.Duration
	// How long a claimed job stays owned by a worker without the lease being extended.
	LeaseDuration time.Duration
	DeadLetter    DeadLetterPolicy
}

func DefaultPolicy() Policy {
	backoff, _ := NamedBackoff(DefaultBackoffName)
	return Policy{
		Attempts:         3,
		Backoff:          backoff,
		Timeout:          5 * time.Minute,
		Concurrency:      10,
		GroupConcurrency: 1,
		RemoveOnComplete: 24 * time.Hour,
		RemoveOnFail:     7 * 24 * time.Hour,
		LeaseDuration:    30 * time.Second,
		DeadLetter: DeadLetterPolicy{
			Enabled:   true,
			Retention: 30 * 24 * time.Hour,
		},
	}
}

// WithDefaults fills every zero valued field from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	d := DefaultPolicy()
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	if len(p.Backoff.Table) == 0 {
		p.Backoff = d.Backoff
	}
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.Concurrency <= 0 {
		p.Concurrency = d.Concurrency
	}
	if p.GroupConcurrency < 0 {
		p.GroupConcurrency = 0
	}
	if p.RemoveOnComplete <= 0 {
		p.RemoveOnComplete = d.RemoveOnComplete
	}
	if p.RemoveOnFail <= 0 {
		p.RemoveOnFail = d.RemoveOnFail
	}
	if p.LeaseDuration <= 0 {
		p.LeaseDuration = d.LeaseDuration
	}
	if p.DeadLetter.Retention <= 0 {
		p.DeadLetter.Retention = d.DeadLetter.Retention
	}
	return p
}

func DeadLetterQueueName(queue string) string {
	return queue + "-dlq"
}
