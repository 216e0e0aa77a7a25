package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Job is the envelope stored for every queued job. Payload holds the versioned job data.
type Job struct {
	Id           string            `json:"id"`
	Queue        string            `json:"queue"`
	Name         string            `json:"type"`
	Version      int               `json:"v"`
	Group        string            `json:"group"`
	Payload      json.RawMessage   `json:"data"`
	AttemptsMade int               `json:"attemptsMade"`
	MaxAttempts  int               `json:"maxAttempts"`
	TraceContext map[string]string `json:"traceContext,omitempty"`
	EnqueuedAt   time.Time         `json:"enqueuedAt"`
	ProcessedAt  *time.Time        `json:"processedAt,omitempty"`
	FinishedAt   *time.Time        `json:"finishedAt,omitempty"`
	FailedReason string            `json:"failedReason,omitempty"`
	Stacktrace   []string          `json:"stacktrace,omitempty"`
}

func (j *Job) DecodePayload(target interface{}) error {
	if len(j.Payload) == 0 {
		return errors.WithStack(ErrInvalidPayload{JobId: j.Id, Reason: "empty payload"})
	}
	if err := json.Unmarshal(j.Payload, target); err != nil {
		return errors.WithStack(ErrInvalidPayload{JobId: j.Id, Reason: err.Error()})
	}
	return nil
}

type EnqueueRequest struct {
	Queue   string
	Name    string
	Version int
	// Fairness group, normally the shop id.
	Group   string
	Payload interface{}
	Delay   time.Duration
	// Optional caller supplied id. Enqueueing an id that already exists is a no-op.
	JobId string
	// Overrides the queue policy when greater than zero.
	Attempts int
}

type Enqueuer interface {
	Enqueue(ctx context.Context, request EnqueueRequest) (*Job, error)
}

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeReschedule
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeReschedule:
		return "reschedule"
	case OutcomeFailure:
		return "failure"
	}
	return "unknown"
}

// Result is what a handler returns for a job. Reschedule puts the job back after Delay without
// spending an attempt; Failure spends an attempt and is retried with backoff until attempts run out.
type Result struct {
	Outcome Outcome
	Delay   time.Duration
	// Replacement payload for a rescheduled job, nil keeps the current one.
	Payload interface{}
	Err     error
}

func Success() Result {
	return Result{Outcome: OutcomeSuccess}
}

func Reschedule(delay time.Duration) Result {
	return Result{Outcome: OutcomeReschedule, Delay: delay}
}

func RescheduleWithPayload(delay time.Duration, payload interface{}) Result {
	return Result{Outcome: OutcomeReschedule, Delay: delay, Payload: payload}
}

func Failure(err error) Result {
	if err == nil {
		err = errors.New("job failed without an error")
	}
	return Result{Outcome: OutcomeFailure, Err: err}
}

// ErrInvalidPayload marks a job whose data does not match its schema. Such jobs are dropped.
type ErrInvalidPayload struct {
	JobId  string
	Reason string
}

func (e ErrInvalidPayload) Error() string {
	return fmt.Sprintf("invalid payload for job %s: %s", e.JobId, e.Reason)
}

type ErrJobTimeout struct {
	Timeout time.Duration
}

func (e ErrJobTimeout) Error() string {
	return fmt.Sprintf("job timed out after %s", e.Timeout)
}

type unrecoverableError struct {
	err error
}

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Cause() error  { return e.err }
func (e *unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable marks err so that the job goes straight to the dead letter queue without using the
// remaining attempts.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

func IsUnrecoverable(err error) bool {
	var e *unrecoverableError
	return errors.As(err, &e)
}
