package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisDeadLetterSink_SendAndList(t *testing.T) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()
	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()
	sink := NewRedisDeadLetterSink(client)

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	job := &Job{Id: "job-2", Queue: "bulk-poller", Name: "bulk.poll", AttemptsMade: 3, FailedReason: "timeout", Payload: []byte(`{"a":1}`)}
	require.NoError(t, sink.Send(context.Background(), NewDeadLetter(job, base.Add(time.Minute))))
	require.NoError(t, sink.Send(context.Background(), DeadLetter{OriginalQueue: "bulk-poller", OriginalJobId: "job-1", OccurredAt: base}))

	letters, err := sink.List("bulk-poller", 10)
	require.NoError(t, err)
	require.Len(t, letters, 2)
	assert.Equal(t, "job-1", letters[0].OriginalJobId)
	assert.Equal(t, "job-2", letters[1].OriginalJobId)
	assert.Equal(t, "bulk.poll", letters[1].OriginalJobName)
	assert.Equal(t, 3, letters[1].AttemptsMade)
	assert.JSONEq(t, `{"a":1}`, string(letters[1].Data))

	assert.True(t, db.Exists("jq:bulk-poller-dlq:entries"))

	empty, err := sink.List("bulk-orchestrator", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRedisDeadLetterSink_RejectsAnonymousLetters(t *testing.T) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()
	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()

	err = NewRedisDeadLetterSink(client).Send(context.Background(), DeadLetter{OriginalQueue: "q"})
	assert.Error(t, err)
}
