package jobqueue

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var validate = validator.New()

type Handler interface {
	// Validate checks the job against the schema of its payload before it is processed.
	Validate(job *Job) error
	Process(ctx context.Context, job *Job) Result
}

// TypedHandler decodes and validates a versioned json payload before handing it to process.
type TypedHandler[P any] struct {
	name    string
	version int
	process func(ctx context.Context, job *Job, payload *P) Result
}

func NewTypedHandler[P any](name string, version int, process func(ctx context.Context, job *Job, payload *P) Result) *TypedHandler[P] {
	return &TypedHandler[P]{
		name:    name,
		version: version,
		process: process,
	}
}

func (h *TypedHandler[P]) Decode(job *Job) (*P, error) {
	if job.Name != h.name {
		return nil, errors.WithStack(ErrInvalidPayload{JobId: job.Id, Reason: "unexpected job name " + job.Name})
	}
	if job.Version != h.version {
		return nil, errors.WithStack(ErrInvalidPayload{JobId: job.Id, Reason: "unsupported payload version"})
	}
	payload := new(P)
	if err := job.DecodePayload(payload); err != nil {
		return nil, err
	}
	if err := validate.Struct(payload); err != nil {
		return nil, errors.WithStack(ErrInvalidPayload{JobId: job.Id, Reason: err.Error()})
	}
	return payload, nil
}

func (h *TypedHandler[P]) Validate(job *Job) error {
	_, err := h.Decode(job)
	return err
}

func (h *TypedHandler[P]) Process(ctx context.Context, job *Job) Result {
	payload, err := h.Decode(job)
	if err != nil {
		return Failure(Unrecoverable(err))
	}
	return h.process(ctx, job, payload)
}

// HandlerFunc adapts a plain function into a Handler that accepts every job.
type HandlerFunc func(ctx context.Context, job *Job) Result

func (f HandlerFunc) Validate(*Job) error { return nil }

func (f HandlerFunc) Process(ctx context.Context, job *Job) Result {
	return f(ctx, job)
}
