package remote

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/ratelimit"
)

type OperationStatus string

const (
	StatusCreated   OperationStatus = "CREATED"
	StatusRunning   OperationStatus = "RUNNING"
	StatusCompleted OperationStatus = "COMPLETED"
	StatusFailed    OperationStatus = "FAILED"
	StatusCanceling OperationStatus = "CANCELING"
	StatusCanceled  OperationStatus = "CANCELED"
	StatusExpired   OperationStatus = "EXPIRED"
)

// IsTerminalFailure returns true for the statuses after which the operation can never complete.
func (s OperationStatus) IsTerminalFailure() bool {
	return s == StatusFailed || s == StatusCanceled || s == StatusExpired
}

// BulkOperation is the remote view of an export job.
type BulkOperation struct {
	Id             string          `json:"id"`
	Status         OperationStatus `json:"status"`
	ErrorCode      string          `json:"errorCode"`
	Url            string          `json:"url"`
	PartialDataUrl string          `json:"partialDataUrl"`
	ObjectCount    int64           `json:"objectCount,string"`
	FileSize       int64           `json:"fileSize,string"`
	CreatedAt      *time.Time      `json:"createdAt"`
	CompletedAt    *time.Time      `json:"completedAt"`
}

// Client is the remote bulk export API. Every call is paid for from the shop's request budget, which
// callers consult through a ratelimit.Gate before calling.
type Client interface {
	// StartBulkQuery starts an export of query. Rejected queries are returned as *ValidationError.
	StartBulkQuery(ctx context.Context, shopId string, query string) (*BulkOperation, *ratelimit.ThrottleStatus, error)
	// GetBulkOperation returns nil when the remote API does not know the operation yet.
	GetBulkOperation(ctx context.Context, shopId string, operationId string) (*BulkOperation, *ratelimit.ThrottleStatus, error)
}

// ErrRateLimited is returned when the remote API refused the call because the shop's budget is
// exhausted. The call should be repeated after RetryAfter without counting as a failure.
type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited by remote api, retry after %s", e.RetryAfter)
}

func IsRateLimited(err error) (*ErrRateLimited, bool) {
	var e *ErrRateLimited
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

type UserError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
}

// ValidationError is returned when the remote API rejected a request as invalid.
type ValidationError struct {
	UserErrors []UserError
}

func (e *ValidationError) Error() string {
	messages := make([]string, 0, len(e.UserErrors))
	for _, userError := range e.UserErrors {
		if len(userError.Field) > 0 {
			messages = append(messages, strings.Join(userError.Field, ".")+": "+userError.Message)
		} else {
			messages = append(messages, userError.Message)
		}
	}
	return "remote api rejected the request: " + strings.Join(messages, "; ")
}

// ErrUnauthorized is returned when the remote API refused the shop's credentials.
type ErrUnauthorized struct {
	ShopId  string
	Message string
}

func (e *ErrUnauthorized) Error() string {
	return fmt.Sprintf("unauthorized for shop %s: %s", e.ShopId, e.Message)
}

// permanentMarkers are substrings of start errors that retrying cannot fix.
var permanentMarkers = []string{
	"access denied",
	"unauthorized",
	"forbidden",
	"invalid",
	"not installed",
	"missing scope",
	"missing_scope",
}

// IsPermanent returns true if err can never succeed on retry: validation errors, rejected
// credentials or a message naming one of the known permanent conditions.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return true
	}
	var unauthorizedErr *ErrUnauthorized
	if errors.As(err, &unauthorizedErr) {
		return true
	}
	if _, ok := IsRateLimited(err); ok {
		return false
	}
	message := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}
