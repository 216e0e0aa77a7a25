package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/ratelimit"
)

const startBulkQueryMutation = `mutation bulkOperationRunQuery($query: String!) {
  bulkOperationRunQuery(query: $query) {
    bulkOperation { id status }
    userErrors { field message }
  }
}`

const bulkOperationQuery = `query bulkOperation($id: ID!) {
  node(id: $id) {
    ... on BulkOperation {
      id status errorCode url partialDataUrl objectCount fileSize createdAt completedAt
    }
  }
}`

type GraphqlClientConfig struct {
	ApiVersion string `validate:"required"`
	// https unless talking to a local test server
	Scheme            string
	RequestsPerSecond float64       `validate:"gt=0"`
	Burst             int           `validate:"gt=0"`
	MaxAttempts       uint          `validate:"gt=0"`
	RetryDelay        time.Duration `validate:"gt=0"`
	RequestTimeout    time.Duration `validate:"gt=0"`
	// Used when a rate limited response carries no Retry-After header.
	DefaultRetryAfter time.Duration
}

// GraphqlClient talks to the shop's admin GraphQL API. Calls are paced by a process wide limiter;
// network errors and 5xx responses are retried, everything else is returned to the caller.
type GraphqlClient struct {
	httpClient  *http.Client
	credentials CredentialsSource
	limiter     *rate.Limiter
	config      GraphqlClientConfig
}

func NewGraphqlClient(config GraphqlClientConfig, credentials CredentialsSource) *GraphqlClient {
	if config.Scheme == "" {
		config.Scheme = "https"
	}
	if config.DefaultRetryAfter <= 0 {
		config.DefaultRetryAfter = time.Second
	}
	return &GraphqlClient{
		httpClient:  &http.Client{Timeout: config.RequestTimeout},
		credentials: credentials,
		limiter:     rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
		config:      config,
	}
}

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type graphqlResponse struct {
	Data       json.RawMessage `json:"data"`
	Errors     []graphqlError  `json:"errors"`
	Extensions struct {
		Cost *struct {
			ThrottleStatus *struct {
				MaximumAvailable   float64 `json:"maximumAvailable"`
				CurrentlyAvailable float64 `json:"currentlyAvailable"`
				RestoreRate        float64 `json:"restoreRate"`
			} `json:"throttleStatus"`
		} `json:"cost"`
	} `json:"extensions"`
}

func (r *graphqlResponse) throttleStatus() *ratelimit.ThrottleStatus {
	if r.Extensions.Cost == nil || r.Extensions.Cost.ThrottleStatus == nil {
		return nil
	}
	status := r.Extensions.Cost.ThrottleStatus
	return &ratelimit.ThrottleStatus{
		MaximumAvailable:   status.MaximumAvailable,
		CurrentlyAvailable: status.CurrentlyAvailable,
		RestoreRate:        status.RestoreRate,
	}
}

// retryableError marks failures worth another attempt.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Cause() error  { return e.err }
func (e *retryableError) Unwrap() error { return e.err }

func (c *GraphqlClient) endpoint(shopDomain string) string {
	return fmt.Sprintf("%s://%s/admin/api/%s/graphql.json", c.config.Scheme, shopDomain, c.config.ApiVersion)
}

func (c *GraphqlClient) do(ctx context.Context, shopId string, request graphqlRequest, data interface{}) (*ratelimit.ThrottleStatus, error) {
	credentials, err := c.credentials.Credentials(ctx, shopId)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(request)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var response *graphqlResponse
	err = retry.Do(
		func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return errors.WithStack(err)
			}
			var err error
			response, err = c.send(ctx, shopId, credentials, body)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(c.config.MaxAttempts),
		retry.Delay(c.config.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var retryable *retryableError
			return errors.As(err, &retryable)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.WithField("shopId", shopId).WithError(err).Warnf("remote api call failed, attempt %d", n+1)
		}),
	)
	var retryable *retryableError
	if errors.As(err, &retryable) {
		err = retryable.err
	}
	if err != nil {
		return nil, err
	}

	throttle := response.throttleStatus()
	for _, graphqlErr := range response.Errors {
		if graphqlErr.Extensions.Code == "THROTTLED" {
			return throttle, errors.WithStack(&ErrRateLimited{RetryAfter: c.throttledDelay(throttle)})
		}
		if graphqlErr.Extensions.Code == "ACCESS_DENIED" {
			return throttle, errors.WithStack(&ErrUnauthorized{ShopId: shopId, Message: graphqlErr.Message})
		}
	}
	if len(response.Errors) > 0 {
		return throttle, errors.Errorf("remote api returned errors: %s", response.Errors[0].Message)
	}
	if data != nil && len(response.Data) > 0 {
		if err := json.Unmarshal(response.Data, data); err != nil {
			return throttle, errors.Wrap(err, "error decoding remote api response")
		}
	}
	return throttle, nil
}

// throttledDelay estimates how long until the bucket holds a tenth of its capacity again.
func (c *GraphqlClient) throttledDelay(throttle *ratelimit.ThrottleStatus) time.Duration {
	if throttle == nil || throttle.RestoreRate <= 0 {
		return c.config.DefaultRetryAfter
	}
	missing := throttle.MaximumAvailable/10 - throttle.CurrentlyAvailable
	if missing <= 0 {
		return c.config.DefaultRetryAfter
	}
	return time.Duration(missing / throttle.RestoreRate * float64(time.Second))
}

func (c *GraphqlClient) send(ctx context.Context, shopId string, credentials Credentials, body []byte) (*graphqlResponse, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(credentials.ShopDomain), bytes.NewReader(body))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("X-Shopify-Access-Token", credentials.AccessToken)

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.WithStack(ctx.Err())
		}
		return nil, &retryableError{err: errors.WithStack(err)}
	}
	defer httpResponse.Body.Close()

	switch {
	case httpResponse.StatusCode == http.StatusTooManyRequests:
		return nil, errors.WithStack(&ErrRateLimited{RetryAfter: ParseRetryAfter(httpResponse.Header.Get("Retry-After"), c.config.DefaultRetryAfter)})
	case httpResponse.StatusCode == http.StatusUnauthorized || httpResponse.StatusCode == http.StatusForbidden:
		if cached, ok := c.credentials.(*CachedCredentials); ok {
			cached.Invalidate(shopId)
		}
		return nil, errors.WithStack(&ErrUnauthorized{ShopId: shopId, Message: httpResponse.Status})
	case httpResponse.StatusCode >= 500:
		return nil, &retryableError{err: errors.Errorf("remote api returned %s", httpResponse.Status)}
	case httpResponse.StatusCode != http.StatusOK:
		return nil, errors.Errorf("remote api returned %s", httpResponse.Status)
	}

	payload, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, &retryableError{err: errors.WithStack(err)}
	}
	response := &graphqlResponse{}
	if err := json.Unmarshal(payload, response); err != nil {
		return nil, errors.Wrap(err, "error decoding remote api envelope")
	}
	return response, nil
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func ParseRetryAfter(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	if seconds, err := strconv.ParseFloat(value, 64); err == nil && seconds >= 0 {
		return time.Duration(seconds * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		if delay := time.Until(at); delay > 0 {
			return delay
		}
	}
	return fallback
}

func (c *GraphqlClient) StartBulkQuery(ctx context.Context, shopId string, query string) (*BulkOperation, *ratelimit.ThrottleStatus, error) {
	var data struct {
		BulkOperationRunQuery struct {
			BulkOperation *BulkOperation `json:"bulkOperation"`
			UserErrors    []UserError    `json:"userErrors"`
		} `json:"bulkOperationRunQuery"`
	}
	throttle, err := c.do(ctx, shopId, graphqlRequest{
		Query:     startBulkQueryMutation,
		Variables: map[string]interface{}{"query": query},
	}, &data)
	if err != nil {
		return nil, throttle, err
	}
	result := data.BulkOperationRunQuery
	if len(result.UserErrors) > 0 {
		return nil, throttle, errors.WithStack(&ValidationError{UserErrors: result.UserErrors})
	}
	if result.BulkOperation == nil || result.BulkOperation.Id == "" {
		return nil, throttle, errors.New("remote api started no bulk operation")
	}
	return result.BulkOperation, throttle, nil
}

func (c *GraphqlClient) GetBulkOperation(ctx context.Context, shopId string, operationId string) (*BulkOperation, *ratelimit.ThrottleStatus, error) {
	var data struct {
		Node *BulkOperation `json:"node"`
	}
	throttle, err := c.do(ctx, shopId, graphqlRequest{
		Query:     bulkOperationQuery,
		Variables: map[string]interface{}{"id": operationId},
	}, &data)
	if err != nil {
		return nil, throttle, err
	}
	if data.Node == nil || data.Node.Id == "" {
		return nil, throttle, nil
	}
	return data.Node, throttle, nil
}
