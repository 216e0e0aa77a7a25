package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

// DeadLetter is the verbatim copy of a job that will not be retried.
type DeadLetter struct {
	OriginalQueue   string          `json:"originalQueue"`
	OriginalJobId   string          `json:"originalJobId"`
	OriginalJobName string          `json:"originalJobName"`
	AttemptsMade    int             `json:"attemptsMade"`
	FailedReason    string          `json:"failedReason"`
	Stacktrace      []string        `json:"stacktrace,omitempty"`
	Data            json.RawMessage `json:"data"`
	OccurredAt      time.Time       `json:"occurredAt"`
}

func NewDeadLetter(job *Job, occurredAt time.Time) DeadLetter {
	return DeadLetter{
		OriginalQueue:   job.Queue,
		OriginalJobId:   job.Id,
		OriginalJobName: job.Name,
		AttemptsMade:    job.AttemptsMade,
		FailedReason:    job.FailedReason,
		Stacktrace:      job.Stacktrace,
		Data:            job.Payload,
		OccurredAt:      occurredAt,
	}
}

type DeadLetterSink interface {
	Send(ctx context.Context, letter DeadLetter) error
}

// RedisDeadLetterSink keeps dead letters of queue q under jq:q-dlq, indexed by time of failure.
type RedisDeadLetterSink struct {
	db redis.UniversalClient
}

func NewRedisDeadLetterSink(db redis.UniversalClient) *RedisDeadLetterSink {
	return &RedisDeadLetterSink{db: db}
}

func deadLetterKeys(queue string) (entries string, index string) {
	prefix := keyPrefix + DeadLetterQueueName(queue) + ":"
	return prefix + "entries", prefix + "index"
}

func (s *RedisDeadLetterSink) Send(ctx context.Context, letter DeadLetter) error {
	if letter.OriginalQueue == "" || letter.OriginalJobId == "" {
		return errors.New("[RedisDeadLetterSink.Send] dead letter has no original queue or job id")
	}
	encoded, err := json.Marshal(letter)
	if err != nil {
		return errors.WithStack(err)
	}
	entries, index := deadLetterKeys(letter.OriginalQueue)
	pipe := s.db.TxPipeline()
	pipe.HSet(entries, letter.OriginalJobId, encoded)
	pipe.ZAdd(index, redis.Z{Score: float64(millis(letter.OccurredAt)), Member: letter.OriginalJobId})
	if _, err := pipe.Exec(); err != nil {
		return fmt.Errorf("[RedisDeadLetterSink.Send] error writing dead letter for job %s: %s", letter.OriginalJobId, err)
	}
	return nil
}

// List returns up to limit dead letters of queue, oldest first.
func (s *RedisDeadLetterSink) List(queue string, limit int64) ([]DeadLetter, error) {
	entries, index := deadLetterKeys(queue)
	ids, err := s.db.ZRange(index, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("[RedisDeadLetterSink.List] error reading index of %s: %s", queue, err)
	}
	if len(ids) == 0 {
		return []DeadLetter{}, nil
	}
	values, err := s.db.HMGet(entries, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("[RedisDeadLetterSink.List] error reading entries of %s: %s", queue, err)
	}
	letters := make([]DeadLetter, 0, len(values))
	for _, value := range values {
		encoded, ok := value.(string)
		if !ok {
			continue
		}
		var letter DeadLetter
		if err := json.Unmarshal([]byte(encoded), &letter); err != nil {
			return nil, errors.WithStack(err)
		}
		letters = append(letters, letter)
	}
	return letters, nil
}

// Clean deletes dead letters of queue older than retention.
func (s *RedisDeadLetterSink) Clean(queue string, retention time.Duration, now time.Time) (int, error) {
	entries, index := deadLetterKeys(queue)
	max := strconv.FormatInt(millis(now.Add(-retention)), 10)
	ids, err := s.db.ZRangeByScore(index, redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, fmt.Errorf("[RedisDeadLetterSink.Clean] error reading index of %s: %s", queue, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	pipe := s.db.TxPipeline()
	pipe.HDel(entries, ids...)
	pipe.ZRem(index, members...)
	if _, err := pipe.Exec(); err != nil {
		return 0, fmt.Errorf("[RedisDeadLetterSink.Clean] error deleting from %s: %s", queue, err)
	}
	return len(ids), nil
}
