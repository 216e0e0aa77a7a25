package jobqueue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	ShopId string `json:"shopId" validate:"required"`
	N      int    `json:"n"`
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func withBroker(t *testing.T, policies map[string]Policy, action func(b *RedisBroker, clock *fakeClock, db *miniredis.Miniredis)) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()
	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()

	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	broker := NewRedisBroker(client, policies)
	broker.now = clock.Now
	action(broker, clock, db)
}

func enqueue(t *testing.T, b *RedisBroker, queue string, group string, n int) *Job {
	job, err := b.Enqueue(context.Background(), EnqueueRequest{
		Queue:   queue,
		Name:    "test.job",
		Group:   group,
		Payload: testPayload{ShopId: group, N: n},
	})
	require.NoError(t, err)
	return job
}

func TestEnqueueAndClaim(t *testing.T) {
	withBroker(t, nil, func(b *RedisBroker, clock *fakeClock, db *miniredis.Miniredis) {
		enqueued := enqueue(t, b, "q", "shop-a", 1)
		assert.Equal(t, 3, enqueued.MaxAttempts)
		assert.Equal(t, 1, enqueued.Version)

		job, err := b.Claim("q")
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, enqueued.Id, job.Id)
		assert.Equal(t, "shop-a", job.Group)
		assert.NotNil(t, job.ProcessedAt)

		var payload testPayload
		require.NoError(t, job.DecodePayload(&payload))
		assert.Equal(t, testPayload{ShopId: "shop-a", N: 1}, payload)

		none, err := b.Claim("q")
		require.NoError(t, err)
		assert.Nil(t, none)

		counts, err := b.Counts("q")
		require.NoError(t, err)
		assert.Equal(t, QueueCounts{Active: 1}, counts)
	})
}

func TestEnqueue_DuplicateIdIsIgnored(t *testing.T) {
	withBroker(t, nil, func(b *RedisBroker, clock *fakeClock, db *miniredis.Miniredis) {
		for i := 0; i < 3; i++ {
			_, err := b.Enqueue(context.Background(), EnqueueRequest{Queue: "q", Name: "test.job", JobId: "fixed", Payload: testPayload{N: i}})
			require.NoError(t, err)
		}
		counts, err := b.Counts("q")
		require.NoError(t, err)
		assert.Equal(t, int64(1), counts.Waiting)

		job, err := b.GetJob("q", "fixed")
		require.NoError(t, err)
		var payload testPayload
		require.NoError(t, job.DecodePayload(&payload))
		assert.Equal(t, 0, payload.N)
	})
}

func TestEnqueue_RequiresQueueAndName(t *testing.T) {
	withBroker(t, nil, func(b *RedisBroker, clock *fakeClock, db *miniredis.Miniredis) {
		_, err := b.Enqueue(context.Background(), EnqueueRequest{Name: "test.job"})
		assert.Error(t, err)
		_, err = b.Enqueue(context.Background(), EnqueueRequest{Queue: "q"})
		assert.Error(t, err)
	})
}

func TestDelayedJobsArePromotedWhenDue(t *testing.T) {
	withBroker(t, nil, func(b *RedisBroker, clock *fakeClock, db *miniredis.Miniredis) {
		_, err := b.Enqueue(context.Background(), EnqueueRequest{Queue: "q", Name: "test.job", Group: "shop-a", Delay: time.Minute, Payload: testPayload{}})
		require.NoError(t, err)

		job, err := b.Claim("q")
		require.NoError(t, err)
		assert.Nil(t, job)

		promoted, err := b.PromoteDelayed("q", 10)
		require.NoError(t, err)
		assert.Equal(t, 0, promoted)

		clock.Advance(time.Minute)
		promoted, err = b.PromoteDelayed("q", 10)
		require.NoError(t, err)
		assert.Equal(t, 1, promoted)

		job, err = b.Claim("q")
		require.NoError(t, err)
		assert.NotNil(t, job)
	})
}

func TestComplete_ReleasesGroupSlot(t *testing.T) {
	withBroker(t, nil, func(b *RedisBroker, clock *fakeClock, db *miniredis.Miniredis) {
		enqueue(t, b, "q", "shop-a", 1)
		enqueue(t, b, "q", "shop-a", 2)

		first, err := b.Claim("q")
		require.NoError(t, err)
		require.NotNil(t, first)

		blocked, err := b.Claim("q")
		require.NoError(t, err)
		assert.Nil(t, blocked, "group concurrency of one must block the second job")

		require.NoError(t, b.Complete(first))
		second, err := b.Claim("q")
		require.NoError(t, err)
		require.NotNil(t, second)
		assert.NotEqual(t, first.Id, second.Id)

		counts, err := b.Counts("q")
		require.NoError(t, err)
		assert.Equal(t, QueueCounts{Active: 1, Completed: 1}, counts)
	})
}

func TestFinish_WithoutLeaseFails(t *testing.T) {
	withBroker(t, nil, func(b *RedisBroker, clock *fakeClock, db *miniredis.Miniredis) {
		enqueue(t, b, "q", "shop-a", 1)
		job, err := b.Claim("q")
		require.NoError(t, err)
		require.NoError(t, b.Complete(job))

		err = b.Complete(job)
		assert.ErrorIs(t, err, ErrLeaseLost)
	})
}

func TestDelay_KeepsAttemptsAndPayload(t *testing.T) {
	withBroker(t, nil, func(b *RedisBroker, clock *fakeClock, db *miniredis.Miniredis) {
		enqueue(t, b, "q", "shop-a", 1)
		job, err := b.Claim("q")
		require.NoError(t, err)

		job.AttemptsMade = 2
		job.Payload = []byte(`{"shopId":"shop-a","n":7}`)
		require.NoError(t, b.Delay(job, 5*time.Second))

		clock.Advance(5 * time.Second)
		_, err = b.PromoteDelayed("q", 10)
		require.NoError(t, err)

		again, err := b.Claim("q")
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, 2, again.AttemptsMade)
		var payload testPayload
		require.NoError(t, again.DecodePayload(&payload))
		assert.Equal(t, 7, payload.N)
	})
}

func TestRecoverStalled(t *testing.T) {
	withBroker(t, nil, func(b *RedisBroker, clock *fakeClock, db *miniredis.Miniredis) {
		first := enqueue(t, b, "q", "shop-a", 1)
		enqueue(t, b, "q", "shop-a", 2)
		job, err := b.Claim("q")
		require.NoError(t, err)
		require.Equal(t, first.Id, job.Id)

		recovered, err := b.RecoverStalled("q", 10)
		require.NoError(t, err)
		assert.Equal(t, 0, recovered)

		require.NoError(t, b.ExtendLeases("q", []string{job.Id}))
		clock.Advance(20 * time.Second)
		recovered, err = b.RecoverStalled("q", 10)
		require.NoError(t, err)
		assert.Equal(t, 0, recovered, "lease was extended")

		clock.Advance(31 * time.Second)
		recovered, err = b.RecoverStalled("q", 10)
		require.NoError(t, err)
		assert.Equal(t, 1, recovered)

		// The original owner can no longer finish it.
		assert.ErrorIs(t, b.Complete(job), ErrLeaseLost)

		// The stalled job goes back to the front of its group.
		again, err := b.Claim("q")
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, first.Id, again.Id)
	})
}

func TestCleanFinished(t *testing.T) {
	policies := map[string]Policy{"q": {RemoveOnComplete: time.Hour, RemoveOnFail: 2 * time.Hour, GroupConcurrency: 0}}
	withBroker(t, policies, func(b *RedisBroker, clock *fakeClock, db *miniredis.Miniredis) {
		done := enqueue(t, b, "q", "shop-a", 1)
		failed := enqueue(t, b, "q", "shop-b", 2)
		for i := 0; i < 2; i++ {
			job, err := b.Claim("q")
			require.NoError(t, err)
			if job.Id == done.Id {
				require.NoError(t, b.Complete(job))
			} else {
				require.NoError(t, b.Fail(job))
			}
		}

		clock.Advance(90 * time.Minute)
		removed, err := b.CleanFinished("q")
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
		assert.False(t, db.Exists(keysFor("q").job(done.Id)))
		assert.True(t, db.Exists(keysFor("q").job(failed.Id)))

		clock.Advance(time.Hour)
		removed, err = b.CleanFinished("q")
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
		assert.False(t, db.Exists(keysFor("q").job(failed.Id)))
	})
}

// A tenant with a large backlog must not delay a tenant with a small one: with two global slots and
// one slot per tenant, the jobs of both tenants are interleaved.
func TestClaim_FairAcrossGroups(t *testing.T) {
	policies := map[string]Policy{"q": {GroupConcurrency: 1, Concurrency: 2}}
	withBroker(t, policies, func(b *RedisBroker, clock *fakeClock, db *miniredis.Miniredis) {
		for i := 0; i < 100; i++ {
			enqueue(t, b, "q", "shop-a", i)
		}
		for i := 0; i < 10; i++ {
			enqueue(t, b, "q", "shop-b", i)
		}

		var order []string
		for {
			var claimed []*Job
			for len(claimed) < 2 {
				job, err := b.Claim("q")
				require.NoError(t, err)
				if job == nil {
					break
				}
				claimed = append(claimed, job)
			}
			if len(claimed) == 0 {
				break
			}
			groups := map[string]bool{}
			for _, job := range claimed {
				assert.False(t, groups[job.Group], "two jobs of %s running at once", job.Group)
				groups[job.Group] = true
				order = append(order, job.Group)
				require.NoError(t, b.Complete(job))
			}
		}

		require.Len(t, order, 110)
		lastB := -1
		for i, group := range order {
			if group == "shop-b" {
				lastB = i
			}
		}
		assert.Less(t, lastB, 20, fmt.Sprintf("shop-b finished at position %d", lastB))
	})
}
