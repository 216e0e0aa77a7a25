package testfixtures

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/jobqueue"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/ratelimit"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/remote"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/util"
)

const (
	ShopId   = "shop-1"
	ShopId2  = "shop-2"
	Query    = "{ products { edges { node { id title variants { edges { node { id } } } } } } }"
	RemoteId = "gid://shopify/BulkOperation/1"
)

var BaseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// RecordingEnqueuer keeps every request it is given.
type RecordingEnqueuer struct {
	mu       sync.Mutex
	Requests []jobqueue.EnqueueRequest
	Err      error
}

func (e *RecordingEnqueuer) Enqueue(_ context.Context, request jobqueue.EnqueueRequest) (*jobqueue.Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Err != nil {
		return nil, e.Err
	}
	e.Requests = append(e.Requests, request)
	payload, err := json.Marshal(request.Payload)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &jobqueue.Job{
		Id:         util.NewULID(),
		Queue:      request.Queue,
		Name:       request.Name,
		Version:    request.Version,
		Group:      request.Group,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}, nil
}

// ForQueue returns the requests sent to queue.
func (e *RecordingEnqueuer) ForQueue(queue string) []jobqueue.EnqueueRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	var result []jobqueue.EnqueueRequest
	for _, request := range e.Requests {
		if request.Queue == queue {
			result = append(result, request)
		}
	}
	return result
}

// RecordingSink is a DeadLetterSink keeping letters in memory.
type RecordingSink struct {
	mu      sync.Mutex
	Letters []jobqueue.DeadLetter
}

func (s *RecordingSink) Send(_ context.Context, letter jobqueue.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Letters = append(s.Letters, letter)
	return nil
}

func (s *RecordingSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Letters)
}

// ScriptedResponse is one canned answer of a ScriptedClient.
type ScriptedResponse struct {
	Operation *remote.BulkOperation
	Throttle  *ratelimit.ThrottleStatus
	Err       error
}

// ScriptedClient answers remote calls from queues of canned responses. Once a queue holds a single
// entry it is repeated forever.
type ScriptedClient struct {
	mu          sync.Mutex
	Starts      []ScriptedResponse
	Gets        []ScriptedResponse
	StartCalls  int
	GetCalls    int
	StartedWith []string
}

func (c *ScriptedClient) next(queue *[]ScriptedResponse) ScriptedResponse {
	if len(*queue) == 0 {
		return ScriptedResponse{Err: errors.New("no scripted response")}
	}
	response := (*queue)[0]
	if len(*queue) > 1 {
		*queue = (*queue)[1:]
	}
	return response
}

func (c *ScriptedClient) StartBulkQuery(_ context.Context, _ string, query string) (*remote.BulkOperation, *ratelimit.ThrottleStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StartCalls++
	c.StartedWith = append(c.StartedWith, query)
	response := c.next(&c.Starts)
	return response.Operation, response.Throttle, response.Err
}

func (c *ScriptedClient) GetBulkOperation(_ context.Context, _ string, _ string) (*remote.BulkOperation, *ratelimit.ThrottleStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.GetCalls++
	response := c.next(&c.Gets)
	return response.Operation, response.Throttle, response.Err
}

// OpenGate allows every request. Setting Deny makes it refuse with the given delay.
type OpenGate struct {
	mu     sync.Mutex
	Deny   time.Duration
	Takes  int
	Synced []ratelimit.ThrottleStatus
}

func (g *OpenGate) Take(_ string, cost int64) (ratelimit.Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Takes++
	if g.Deny > 0 {
		return ratelimit.Decision{Allowed: false, Delay: g.Deny}, nil
	}
	return ratelimit.Decision{Allowed: true, TokensRemaining: 1000 - cost, TokensNow: 1000}, nil
}

func (g *OpenGate) Sync(_ string, status ratelimit.ThrottleStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Synced = append(g.Synced, status)
	return nil
}
