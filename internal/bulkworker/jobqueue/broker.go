package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/propagation"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/util"
)

const (
	keyPrefix    = "jq:"
	defaultGroup = "default"
	// Stand-in for "no limit" in the claim script.
	unlimitedGroupConcurrency = 1 << 30
)

// RedisBroker stores jobs of every queue in Redis. Waiting jobs live in one list per fairness
// group; claiming walks the groups in least recently served order and skips groups that are at
// their concurrency limit, so a large backlog in one group cannot starve the others.
type RedisBroker struct {
	db         redis.UniversalClient
	policies   map[string]Policy
	propagator propagation.TextMapPropagator
	now        func() time.Time
}

func NewRedisBroker(db redis.UniversalClient, policies map[string]Policy) *RedisBroker {
	withDefaults := make(map[string]Policy, len(policies))
	for name, policy := range policies {
		withDefaults[name] = policy.WithDefaults()
	}
	return &RedisBroker{
		db:         db,
		policies:   withDefaults,
		propagator: propagation.TraceContext{},
		now:        time.Now,
	}
}

// Policy returns the policy registered for queue, or the default policy.
func (b *RedisBroker) Policy(queue string) Policy {
	if policy, ok := b.policies[queue]; ok {
		return policy
	}
	return DefaultPolicy()
}

type queueKeys struct {
	prefix    string
	groups    string
	active    string
	leases    string
	delayed   string
	completed string
	failed    string
	seq       string
}

func keysFor(queue string) queueKeys {
	prefix := keyPrefix + queue + ":"
	return queueKeys{
		prefix:    prefix,
		groups:    prefix + "groups",
		active:    prefix + "active",
		leases:    prefix + "leases",
		delayed:   prefix + "delayed",
		completed: prefix + "completed",
		failed:    prefix + "failed",
		seq:       prefix + "seq",
	}
}

func (k queueKeys) job(id string) string {
	return k.prefix + "job:" + id
}

func (k queueKeys) wait(group string) string {
	return k.prefix + "wait:" + group
}

func millis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

const enqueueScript = `
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HMSET', KEYS[1], 'json', ARGV[1], 'group', ARGV[2])
if tonumber(ARGV[4]) > 0 then
	redis.call('ZADD', KEYS[4], ARGV[4], ARGV[3])
else
	redis.call('RPUSH', KEYS[2], ARGV[3])
	if not redis.call('ZSCORE', KEYS[3], ARGV[2]) then
		redis.call('ZADD', KEYS[3], redis.call('INCR', KEYS[5]), ARGV[2])
	end
end
return 1
`

func (b *RedisBroker) Enqueue(ctx context.Context, request EnqueueRequest) (*Job, error) {
	if request.Queue == "" || request.Name == "" {
		return nil, errors.Errorf("[RedisBroker.Enqueue] queue and name are required, got %q/%q", request.Queue, request.Name)
	}
	payload, err := json.Marshal(request.Payload)
	if err != nil {
		return nil, errors.Wrapf(err, "[RedisBroker.Enqueue] error marshalling payload of %s", request.Name)
	}

	policy := b.Policy(request.Queue)
	job := &Job{
		Id:           request.JobId,
		Queue:        request.Queue,
		Name:         request.Name,
		Version:      request.Version,
		Group:        request.Group,
		Payload:      payload,
		MaxAttempts:  policy.Attempts,
		TraceContext: map[string]string{},
		EnqueuedAt:   b.now(),
	}
	if job.Id == "" {
		job.Id = util.NewULID()
	}
	if job.Group == "" {
		job.Group = defaultGroup
	}
	if job.Version == 0 {
		job.Version = 1
	}
	if request.Attempts > 0 {
		job.MaxAttempts = request.Attempts
	}
	b.propagator.Inject(ctx, propagation.MapCarrier(job.TraceContext))

	encoded, err := json.Marshal(job)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var readyAt int64
	if request.Delay > 0 {
		readyAt = millis(job.EnqueuedAt.Add(request.Delay))
	}

	keys := keysFor(request.Queue)
	_, err = b.db.Eval(enqueueScript,
		[]string{keys.job(job.Id), keys.wait(job.Group), keys.groups, keys.delayed, keys.seq},
		string(encoded), job.Group, job.Id, readyAt,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("[RedisBroker.Enqueue] error enqueueing job %s on %s: %s", job.Id, request.Queue, err)
	}
	return job, nil
}

const claimScript = `
local limit = tonumber(ARGV[2])
local groups = redis.call('ZRANGE', KEYS[1], 0, -1)
for _, group in ipairs(groups) do
	local active = tonumber(redis.call('HGET', KEYS[2], group) or '0')
	if active < limit then
		local waitKey = ARGV[1] .. 'wait:' .. group
		local id = redis.call('LPOP', waitKey)
		if id then
			redis.call('HINCRBY', KEYS[2], group, 1)
			redis.call('ZADD', KEYS[3], ARGV[3], id)
			if redis.call('LLEN', waitKey) == 0 then
				redis.call('ZREM', KEYS[1], group)
			else
				redis.call('ZADD', KEYS[1], redis.call('INCR', KEYS[4]), group)
			end
			local job = redis.call('HGET', ARGV[1] .. 'job:' .. id, 'json')
			if job then
				return {id, job}
			end
			-- the job hash was removed underneath us, release the slot
			redis.call('HINCRBY', KEYS[2], group, -1)
			redis.call('ZREM', KEYS[3], id)
		else
			redis.call('ZREM', KEYS[1], group)
		end
	end
end
return false
`

// Claim takes the next job of queue, or returns nil when no group has both waiting jobs and spare
// concurrency. The claimed job is leased until now + policy.LeaseDuration.
func (b *RedisBroker) Claim(queue string) (*Job, error) {
	policy := b.Policy(queue)
	limit := policy.GroupConcurrency
	if limit <= 0 {
		limit = unlimitedGroupConcurrency
	}
	keys := keysFor(queue)
	now := b.now()
	raw, err := b.db.Eval(claimScript,
		[]string{keys.groups, keys.active, keys.leases, keys.seq},
		keys.prefix, limit, millis(now.Add(policy.LeaseDuration)),
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("[RedisBroker.Claim] error claiming job from %s: %s", queue, err)
	}
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return nil, errors.Errorf("[RedisBroker.Claim] unexpected script result %v", raw)
	}
	encoded, _ := values[1].(string)
	job := &Job{}
	if err := json.Unmarshal([]byte(encoded), job); err != nil {
		return nil, errors.Wrapf(err, "[RedisBroker.Claim] error decoding job %v", values[0])
	}
	job.ProcessedAt = &now
	return job, nil
}

const finishScript = `
if redis.call('ZREM', KEYS[3], ARGV[1]) == 0 then
	return 0
end
if tonumber(redis.call('HINCRBY', KEYS[2], ARGV[2], -1)) <= 0 then
	redis.call('HDEL', KEYS[2], ARGV[2])
end
if ARGV[5] == 'delete' then
	redis.call('DEL', KEYS[1])
else
	redis.call('HMSET', KEYS[1], 'json', ARGV[4], 'group', ARGV[2])
	redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
end
return 1
`

type finishMode string

const (
	finishComplete finishMode = "complete"
	finishFail     finishMode = "fail"
	finishDelay    finishMode = "delay"
	finishDelete   finishMode = "delete"
)

// ErrLeaseLost is returned when a job is finished by a worker that no longer owns it, which happens
// after the job was recovered as stalled.
var ErrLeaseLost = errors.New("job lease lost")

func (b *RedisBroker) finish(job *Job, mode finishMode, score int64) error {
	keys := keysFor(job.Queue)
	encoded, err := json.Marshal(job)
	if err != nil {
		return errors.WithStack(err)
	}

	target := keys.completed
	switch mode {
	case finishFail:
		target = keys.failed
	case finishDelay:
		target = keys.delayed
	}

	result, err := b.db.Eval(finishScript,
		[]string{keys.job(job.Id), keys.active, keys.leases, target},
		job.Id, job.Group, score, string(encoded), string(mode),
	).Int64()
	if err != nil {
		return fmt.Errorf("[RedisBroker.finish] error moving job %s to %s: %s", job.Id, mode, err)
	}
	if result == 0 {
		return errors.WithStack(ErrLeaseLost)
	}
	return nil
}

// Complete marks a claimed job as done. It is kept for the queue's completed retention window.
func (b *RedisBroker) Complete(job *Job) error {
	now := b.now()
	job.FinishedAt = &now
	return b.finish(job, finishComplete, millis(now))
}

// Fail marks a claimed job as finally failed. It is kept for the queue's failed retention window.
func (b *RedisBroker) Fail(job *Job) error {
	now := b.now()
	job.FinishedAt = &now
	return b.finish(job, finishFail, millis(now))
}

// Remove deletes a claimed job without keeping any record of it in the queue.
func (b *RedisBroker) Remove(job *Job) error {
	return b.finish(job, finishDelete, 0)
}

// Delay returns a claimed job to the queue once delay has elapsed. Whether an attempt was spent is
// decided by the caller through job.AttemptsMade.
func (b *RedisBroker) Delay(job *Job, delay time.Duration) error {
	return b.finish(job, finishDelay, millis(b.now().Add(delay)))
}

const extendLeaseScript = `
local extended = 0
for i = 2, #ARGV do
	if redis.call('ZSCORE', KEYS[1], ARGV[i]) then
		redis.call('ZADD', KEYS[1], ARGV[1], ARGV[i])
		extended = extended + 1
	end
end
return extended
`

// ExtendLeases pushes the lease expiry of the given claimed jobs. Jobs no longer leased are ignored.
func (b *RedisBroker) ExtendLeases(queue string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := keysFor(queue)
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, millis(b.now().Add(b.Policy(queue).LeaseDuration)))
	for _, id := range ids {
		args = append(args, id)
	}
	if err := b.db.Eval(extendLeaseScript, []string{keys.leases}, args...).Err(); err != nil {
		return fmt.Errorf("[RedisBroker.ExtendLeases] error extending leases on %s: %s", queue, err)
	}
	return nil
}

const promoteScript = `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, tonumber(ARGV[3]))
local promoted = 0
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	local group = redis.call('HGET', ARGV[1] .. 'job:' .. id, 'group')
	if group then
		redis.call('RPUSH', ARGV[1] .. 'wait:' .. group, id)
		if not redis.call('ZSCORE', KEYS[2], group) then
			redis.call('ZADD', KEYS[2], redis.call('INCR', KEYS[3]), group)
		end
		promoted = promoted + 1
	end
end
return promoted
`

// PromoteDelayed moves up to limit delayed jobs whose time has come to their group's waiting list.
func (b *RedisBroker) PromoteDelayed(queue string, limit int) (int, error) {
	keys := keysFor(queue)
	promoted, err := b.db.Eval(promoteScript,
		[]string{keys.delayed, keys.groups, keys.seq},
		keys.prefix, millis(b.now()), limit,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("[RedisBroker.PromoteDelayed] error promoting jobs on %s: %s", queue, err)
	}
	return int(promoted), nil
}

const recoverStalledScript = `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, tonumber(ARGV[3]))
local recovered = 0
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	local group = redis.call('HGET', ARGV[1] .. 'job:' .. id, 'group')
	if group then
		if tonumber(redis.call('HINCRBY', KEYS[2], group, -1)) <= 0 then
			redis.call('HDEL', KEYS[2], group)
		end
		redis.call('LPUSH', ARGV[1] .. 'wait:' .. group, id)
		if not redis.call('ZSCORE', KEYS[3], group) then
			redis.call('ZADD', KEYS[3], redis.call('INCR', KEYS[4]), group)
		end
		recovered = recovered + 1
	end
end
return recovered
`

// RecoverStalled returns jobs whose lease expired, because their worker died, to the front of
// their group's waiting list.
func (b *RedisBroker) RecoverStalled(queue string, limit int) (int, error) {
	keys := keysFor(queue)
	recovered, err := b.db.Eval(recoverStalledScript,
		[]string{keys.leases, keys.active, keys.groups, keys.seq},
		keys.prefix, millis(b.now()), limit,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("[RedisBroker.RecoverStalled] error recovering jobs on %s: %s", queue, err)
	}
	return int(recovered), nil
}

// CleanFinished deletes completed and failed jobs older than the queue's retention windows.
func (b *RedisBroker) CleanFinished(queue string) (int, error) {
	policy := b.Policy(queue)
	keys := keysFor(queue)
	now := b.now()

	removed := 0
	for setKey, retention := range map[string]time.Duration{
		keys.completed: policy.RemoveOnComplete,
		keys.failed:    policy.RemoveOnFail,
	} {
		max := strconv.FormatInt(millis(now.Add(-retention)), 10)
		ids, err := b.db.ZRangeByScore(setKey, redis.ZRangeBy{Min: "-inf", Max: max}).Result()
		if err != nil {
			return removed, fmt.Errorf("[RedisBroker.CleanFinished] error reading %s: %s", setKey, err)
		}
		if len(ids) == 0 {
			continue
		}
		pipe := b.db.TxPipeline()
		for _, id := range ids {
			pipe.Del(keys.job(id))
		}
		members := make([]interface{}, len(ids))
		for i, id := range ids {
			members[i] = id
		}
		pipe.ZRem(setKey, members...)
		if _, err := pipe.Exec(); err != nil {
			return removed, fmt.Errorf("[RedisBroker.CleanFinished] error deleting from %s: %s", setKey, err)
		}
		removed += len(ids)
	}
	return removed, nil
}

// GetJob loads a job in any state.
func (b *RedisBroker) GetJob(queue string, id string) (*Job, error) {
	encoded, err := b.db.HGet(keysFor(queue).job(id), "json").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("[RedisBroker.GetJob] error reading job %s: %s", id, err)
	}
	job := &Job{}
	if err := json.Unmarshal([]byte(encoded), job); err != nil {
		return nil, errors.WithStack(err)
	}
	return job, nil
}

type QueueCounts struct {
	Waiting   int64
	Active    int64
	Delayed   int64
	Completed int64
	Failed    int64
}

func (b *RedisBroker) Counts(queue string) (QueueCounts, error) {
	keys := keysFor(queue)
	groups, err := b.db.ZRange(keys.groups, 0, -1).Result()
	if err != nil {
		return QueueCounts{}, fmt.Errorf("[RedisBroker.Counts] error reading groups of %s: %s", queue, err)
	}

	pipe := b.db.Pipeline()
	waiting := make([]*redis.IntCmd, 0, len(groups))
	for _, group := range groups {
		waiting = append(waiting, pipe.LLen(keys.wait(group)))
	}
	active := pipe.ZCard(keys.leases)
	delayed := pipe.ZCard(keys.delayed)
	completed := pipe.ZCard(keys.completed)
	failed := pipe.ZCard(keys.failed)
	if _, err := pipe.Exec(); err != nil && err != redis.Nil {
		return QueueCounts{}, fmt.Errorf("[RedisBroker.Counts] error counting %s: %s", queue, err)
	}

	counts := QueueCounts{
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}
	for _, cmd := range waiting {
		counts.Waiting += cmd.Val()
	}
	return counts, nil
}
