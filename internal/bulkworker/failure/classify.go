package failure

import (
	"strings"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/remote"
)

type Classification string

const (
	Transient Classification = "transient"
	Permanent Classification = "permanent"
)

type ErrorType string

const (
	ErrorTypeTimeout      ErrorType = "TIMEOUT"
	ErrorTypeRateLimited  ErrorType = "RATE_LIMITED"
	ErrorTypeNetwork      ErrorType = "NETWORK"
	ErrorTypeInvalidQuery ErrorType = "INVALID_QUERY"
	ErrorTypeAuthFailed   ErrorType = "AUTH_FAILED"
	ErrorTypeShopDeleted  ErrorType = "SHOP_DELETED"
	ErrorTypeUnknown      ErrorType = "UNKNOWN"
)

// Application error codes recorded with failed runs.
const (
	CodeRemoteFailure = "SHOP_3004"
	CodeCanceled      = "BULK_5006"
)

type Decision struct {
	Classification Classification
	ErrorType      ErrorType
	ErrorCode      string
	ShouldRetry    bool
}

func (d Decision) Retryable() bool {
	return d.ShouldRetry && d.Classification == Transient
}

type rule struct {
	markers  []string
	decision Decision
}

// Provider error codes are not exhaustively documented, so they are matched by substring. The first
// matching rule wins.
var providerRules = []rule{
	{
		markers:  []string{"THROTTLED", "RATE_LIMIT"},
		decision: Decision{Classification: Transient, ErrorType: ErrorTypeRateLimited, ErrorCode: CodeRemoteFailure, ShouldRetry: true},
	},
	{
		markers:  []string{"TIMEOUT"},
		decision: Decision{Classification: Transient, ErrorType: ErrorTypeTimeout, ErrorCode: CodeRemoteFailure, ShouldRetry: true},
	},
	{
		markers:  []string{"SHOP_NOT_FOUND", "SHOP_DELETED"},
		decision: Decision{Classification: Permanent, ErrorType: ErrorTypeShopDeleted, ErrorCode: CodeRemoteFailure},
	},
	{
		markers:  []string{"ACCESS_DENIED", "UNAUTHORIZED", "FORBIDDEN"},
		decision: Decision{Classification: Permanent, ErrorType: ErrorTypeAuthFailed, ErrorCode: CodeRemoteFailure},
	},
	{
		markers:  []string{"INVALID"},
		decision: Decision{Classification: Permanent, ErrorType: ErrorTypeInvalidQuery, ErrorCode: CodeRemoteFailure},
	},
}

// Classify decides whether a remote operation that ended in status can be retried. Canceled operations
// never are; unrecognised provider codes on FAILED or EXPIRED operations are treated as transient.
func Classify(status remote.OperationStatus, providerCode string) Decision {
	if status == remote.StatusCanceled {
		return Decision{Classification: Permanent, ErrorType: ErrorTypeUnknown, ErrorCode: CodeCanceled}
	}
	code := strings.ToUpper(strings.TrimSpace(providerCode))
	if code != "" {
		for _, r := range providerRules {
			for _, marker := range r.markers {
				if strings.Contains(code, marker) {
					return r.decision
				}
			}
		}
	}
	if status == remote.StatusExpired {
		return Decision{Classification: Transient, ErrorType: ErrorTypeTimeout, ErrorCode: CodeRemoteFailure, ShouldRetry: true}
	}
	return Decision{Classification: Transient, ErrorType: ErrorTypeNetwork, ErrorCode: CodeRemoteFailure, ShouldRetry: true}
}
