package pipeline

import (
	"fmt"

	"github.com/pkg/errors"
)

type IntegrityKind string

const (
	IntegrityContentLength IntegrityKind = "content_length"
	IntegrityChecksum      IntegrityKind = "checksum"
	IntegrityTruncated     IntegrityKind = "truncated"
	IntegrityDecompress    IntegrityKind = "decompress"
)

// IntegrityError means the downloaded content cannot be trusted. It is never retried.
type IntegrityError struct {
	Kind     IntegrityKind
	Expected string
	Actual   string
	Err      error
}

func (e *IntegrityError) Error() string {
	message := fmt.Sprintf("content integrity check %s failed", e.Kind)
	if e.Expected != "" || e.Actual != "" {
		message += fmt.Sprintf(": expected %s, got %s", e.Expected, e.Actual)
	}
	if e.Err != nil {
		message += ": " + e.Err.Error()
	}
	return message
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

func IsIntegrityError(err error) bool {
	var e *IntegrityError
	return errors.As(err, &e)
}

// ParseError is returned for the first bad line when tolerant parsing is disabled.
type ParseError struct {
	Issue ParseIssue
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s: %s", e.Issue.LineNumber, e.Issue.Kind, e.Issue.Message)
}

// ErrorRateExceeded aborts a tolerant parse once too large a share of the lines is invalid.
type ErrorRateExceeded struct {
	InvalidLines int64
	TotalLines   int64
}

func (e *ErrorRateExceeded) Error() string {
	return fmt.Sprintf("%d of %d lines are invalid", e.InvalidLines, e.TotalLines)
}
