package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/util"
)

const keyPrefix = "bulk-ratelimit:"

// Decision is the outcome of one attempt to spend tokens from a shop's bucket.
type Decision struct {
	Allowed bool
	// Time until enough tokens have been refilled. Zero when Allowed.
	Delay           time.Duration
	TokensRemaining int64
	TokensNow       int64
}

// ThrottleStatus is the bucket state reported by the remote API after a call.
type ThrottleStatus struct {
	MaximumAvailable   float64
	CurrentlyAvailable float64
	RestoreRate        float64
}

type BucketConfig struct {
	MaxTokens       int64         `validate:"gt=0"`
	RefillPerSecond float64       `validate:"gt=0"`
	IdleTTL         time.Duration `validate:"gt=0"`
}

// Gate is the shared per-shop request budget consulted before every remote call.
type Gate interface {
	Take(shopId string, cost int64) (Decision, error)
	Sync(shopId string, status ThrottleStatus) error
}

type RedisGate struct {
	db     redis.UniversalClient
	config BucketConfig
	now    func() time.Time
}

func NewRedisGate(db redis.UniversalClient, config BucketConfig) *RedisGate {
	return &RedisGate{
		db:     db,
		config: config,
		now:    time.Now,
	}
}

func Key(shopId string) string {
	return keyPrefix + shopId
}

// Tokens are stored as floats so fractional refills are not lost between calls.
const takeScript = `
local now = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])
local maxTokens = tonumber(ARGV[3])
local refill = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
	tokens = maxTokens
	ts = now
end
if now > ts then
	tokens = math.min(maxTokens, tokens + ((now - ts) / 1000) * refill)
	ts = now
end

local tokensNow = tokens
local allowed = 0
local delay = 0
if tokens >= cost then
	tokens = tokens - cost
	allowed = 1
elseif refill > 0 then
	delay = math.ceil(((cost - tokens) / refill) * 1000)
else
	delay = -1
end

redis.call('HMSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(ts))
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, delay, math.floor(tokens), math.floor(tokensNow)}
`

func (g *RedisGate) Take(shopId string, cost int64) (Decision, error) {
	if shopId == "" {
		return Decision{}, errors.New("[RedisGate.Take] shop id must not be empty")
	}
	if cost < 0 {
		cost = 0
	}
	if cost > g.config.MaxTokens {
		return Decision{}, errors.Errorf("[RedisGate.Take] cost %d exceeds bucket size %d", cost, g.config.MaxTokens)
	}

	raw, err := g.db.Eval(takeScript, []string{Key(shopId)},
		g.now().UnixNano()/int64(time.Millisecond),
		cost,
		g.config.MaxTokens,
		g.config.RefillPerSecond,
		g.config.IdleTTL.Milliseconds(),
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("[RedisGate.Take] error evaluating bucket for %s: %s", shopId, err)
	}
	values, ok := raw.([]interface{})
	if !ok || len(values) < 4 {
		return Decision{}, errors.Errorf("[RedisGate.Take] unexpected script result %v", raw)
	}

	decision := Decision{
		Allowed:         toInt64(values[0]) == 1,
		TokensRemaining: toInt64(values[2]),
		TokensNow:       toInt64(values[3]),
	}
	if delay := toInt64(values[1]); delay > 0 {
		decision.Delay = time.Duration(delay) * time.Millisecond
	}
	return decision, nil
}

// Sync overwrites the bucket with the state reported by the remote API, which is authoritative.
func (g *RedisGate) Sync(shopId string, status ThrottleStatus) error {
	if status.MaximumAvailable <= 0 {
		return nil
	}
	tokens := status.CurrentlyAvailable
	if tokens > float64(g.config.MaxTokens) {
		tokens = float64(g.config.MaxTokens)
	}
	key := Key(shopId)
	pipe := g.db.TxPipeline()
	pipe.HMSet(key, map[string]interface{}{
		"tokens": tokens,
		"ts":     g.now().UnixNano() / int64(time.Millisecond),
	})
	pipe.PExpire(key, g.config.IdleTTL)
	if _, err := pipe.Exec(); err != nil {
		return fmt.Errorf("[RedisGate.Sync] error syncing bucket for %s: %s", shopId, err)
	}
	return nil
}

// Wait takes cost tokens, sleeping for the advertised delay between attempts. It gives up and returns
// the last refusal once waiting longer would exceed maxWait.
func Wait(ctx context.Context, gate Gate, shopId string, cost int64, maxWait time.Duration) (Decision, error) {
	deadline := time.Now().Add(maxWait)
	for {
		decision, err := gate.Take(shopId, cost)
		if err != nil || decision.Allowed {
			return decision, err
		}
		if decision.Delay <= 0 || time.Now().Add(decision.Delay).After(deadline) {
			return decision, nil
		}
		if err := util.Sleep(ctx, decision.Delay); err != nil {
			return decision, err
		}
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		var parsed int64
		_, _ = fmt.Sscan(n, &parsed)
		return parsed
	}
	return 0
}
