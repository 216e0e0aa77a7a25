package database

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/errs"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/util"
)

const (
	maxBackoff = 60 * time.Second
	maxRetries = 10
)

// WithRetry executes a database function, retrying with a doubling backoff until it either succeeds,
// encounters a non-retryable error or the context is done.
func WithRetry(ctx context.Context, executeDb func() error) error {
	_, err := WithRetryQuery(ctx, func() (interface{}, error) {
		return nil, executeDb()
	})
	return err
}

func WithRetryQuery(ctx context.Context, executeDb func() (interface{}, error)) (interface{}, error) {
	backOff := 500 * time.Millisecond
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		var res interface{}
		res, err = executeDb()
		if err == nil {
			return res, nil
		}

		if !errs.IsNetworkError(err) && !errs.IsRetryablePostgresError(err) {
			// Non retryable error
			return nil, err
		}

		backOff = 2 * backOff
		if backOff > maxBackoff {
			backOff = maxBackoff
		}
		log.Warnf("Retryable error encountered executing sql, will wait for %s before retrying.  Error was %v", backOff, err)
		if sleepErr := util.Sleep(ctx, backOff); sleepErr != nil {
			return nil, sleepErr
		}
	}

	return nil, errors.WithStack(&errs.ErrMaxRetriesExceeded{
		Message:   fmt.Sprintf("gave up running database query after %d retries", maxRetries),
		LastError: err,
	})
}
