package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type storeFactory func(t *testing.T, opts ...Option) Queue

func enqueue(t *testing.T, q Queue, topic string, priority int, payload string) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), Message{
		Topic:       topic,
		ContentType: "text/plain",
		Priority:    priority,
		Payload:     []byte(payload),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func mustDequeue(t *testing.T, q Queue, topic string) *Job {
	t.Helper()
	job, err := q.Dequeue(context.Background(), topic)
	require.NoError(t, err)
	require.NotNil(t, job, "expected a job on topic %s", topic)
	return job
}

func assertEmpty(t *testing.T, q Queue, topic string) {
	t.Helper()
	job, err := q.Dequeue(context.Background(), topic)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func runStoreContract(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("higher priority first regardless of enqueue order", func(t *testing.T) {
		q := newStore(t)
		low := enqueue(t, q, "mail", 1, "low")
		high := enqueue(t, q, "mail", 5, "high")

		first := mustDequeue(t, q, "mail")
		assert.Equal(t, high, first.ID)
		assert.Equal(t, []byte("high"), first.Payload)
		assert.Equal(t, StatusClaimed, first.Status)

		second := mustDequeue(t, q, "mail")
		assert.Equal(t, low, second.ID)

		assertEmpty(t, q, "mail")
	})

	t.Run("equal priority is FIFO", func(t *testing.T) {
		q := newStore(t)
		a := enqueue(t, q, "mail", 6, "a")
		b := enqueue(t, q, "mail", 6, "b")
		c := enqueue(t, q, "mail", 6, "c")

		assert.Equal(t, a, mustDequeue(t, q, "mail").ID)
		assert.Equal(t, b, mustDequeue(t, q, "mail").ID)
		assert.Equal(t, c, mustDequeue(t, q, "mail").ID)
	})

	t.Run("negative priorities sort below zero", func(t *testing.T) {
		q := newStore(t)
		neg := enqueue(t, q, "mail", -3, "neg")
		zero := enqueue(t, q, "mail", 0, "zero")

		assert.Equal(t, zero, mustDequeue(t, q, "mail").ID)
		assert.Equal(t, neg, mustDequeue(t, q, "mail").ID)
	})

	t.Run("topics are isolated", func(t *testing.T) {
		q := newStore(t)
		id := enqueue(t, q, "mail", 1, "x")

		assertEmpty(t, q, "sms")
		assert.Equal(t, id, mustDequeue(t, q, "mail").ID)
	})

	t.Run("claim is exclusive", func(t *testing.T) {
		q := newStore(t)
		enqueue(t, q, "mail", 1, "only")

		mustDequeue(t, q, "mail")
		assertEmpty(t, q, "mail")
	})

	t.Run("ack is idempotent", func(t *testing.T) {
		q := newStore(t)
		id := enqueue(t, q, "mail", 1, "x")
		claimed := mustDequeue(t, q, "mail")
		assert.NotEmpty(t, claimed.Claim)

		require.NoError(t, q.Ack(ctx, claimed))
		require.NoError(t, q.Ack(ctx, claimed))

		job, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusDone, job.Status)
		assertEmpty(t, q, "mail")
	})

	t.Run("ack unknown job", func(t *testing.T) {
		q := newStore(t)
		err := q.Ack(ctx, &Job{ID: "missing"})
		require.Error(t, err)
		assert.True(t, IsJobNotFound(err))
	})

	t.Run("enqueue rejects jobs without topic", func(t *testing.T) {
		q := newStore(t)
		_, err := q.Enqueue(ctx, Message{ContentType: "text/plain"})
		require.Error(t, err)
		assert.True(t, IsJobMalformed(err))
	})

	t.Run("failed jobs retry after backoff then die", func(t *testing.T) {
		clock := newFakeClock()
		q := newStore(t,
			WithClock(clock.Now),
			WithMaxRetries(2),
			WithBackoff(ConstantBackoff(10*time.Second)),
		)
		id := enqueue(t, q, "mail", 1, "flaky")

		for attempt := 0; attempt < 2; attempt++ {
			job := mustDequeue(t, q, "mail")
			require.Equal(t, id, job.ID)
			assert.Equal(t, attempt, job.Retries)

			require.NoError(t, q.Fail(ctx, job, "smtp timeout"))
			assertEmpty(t, q, "mail")

			clock.Advance(11 * time.Second)
		}

		job := mustDequeue(t, q, "mail")
		assert.Equal(t, 2, job.Retries)
		require.NoError(t, q.Fail(ctx, job, "smtp timeout"))

		clock.Advance(time.Hour)
		assertEmpty(t, q, "mail")

		dead, err := q.Dead(ctx, "mail", 10)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, id, dead[0].ID)
		assert.Equal(t, StatusDead, dead[0].Status)
		assert.Equal(t, "smtp timeout", dead[0].LastError)
	})

	t.Run("expired claims return to pending", func(t *testing.T) {
		clock := newFakeClock()
		q := newStore(t, WithClock(clock.Now), WithClaimTimeout(30*time.Second))
		id := enqueue(t, q, "mail", 1, "x")

		mustDequeue(t, q, "mail")
		clock.Advance(10 * time.Second)
		assertEmpty(t, q, "mail")

		clock.Advance(21 * time.Second)
		job := mustDequeue(t, q, "mail")
		assert.Equal(t, id, job.ID)
		assert.Equal(t, 0, job.Retries)
	})

	t.Run("bury skips remaining retries", func(t *testing.T) {
		q := newStore(t, WithMaxRetries(5))
		id := enqueue(t, q, "mail", 1, "bad payload")
		claimed := mustDequeue(t, q, "mail")

		require.NoError(t, q.Bury(ctx, claimed, "undecodable"))
		assertEmpty(t, q, "mail")

		job, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusDead, job.Status)
	})

	t.Run("replay revives dead jobs only", func(t *testing.T) {
		q := newStore(t, WithMaxRetries(0))
		id := enqueue(t, q, "mail", 1, "x")
		other := enqueue(t, q, "mail", 0, "y")

		claimed := mustDequeue(t, q, "mail")
		require.Equal(t, id, claimed.ID)
		require.NoError(t, q.Fail(ctx, claimed, "boom"))

		err := q.Replay(ctx, other)
		require.Error(t, err)
		assert.False(t, IsJobNotFound(err))

		require.NoError(t, q.Replay(ctx, id))
		job := mustDequeue(t, q, "mail")
		assert.Equal(t, id, job.ID)
		assert.Equal(t, 0, job.Retries)

		dead, err := q.Dead(ctx, "mail", 10)
		require.NoError(t, err)
		assert.Empty(t, dead)
	})

	t.Run("settling an unclaimed job is rejected", func(t *testing.T) {
		q := newStore(t)
		id := enqueue(t, q, "mail", 1, "x")

		err := q.Fail(ctx, &Job{ID: id}, "late")
		require.Error(t, err)
		assert.True(t, IsClaimLost(err))

		err = q.Ack(ctx, &Job{ID: id})
		assert.True(t, IsClaimLost(err))

		job, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, job.Status)
		assert.Equal(t, 0, job.Retries)
	})

	t.Run("expired claim cannot settle a reclaimed job", func(t *testing.T) {
		clock := newFakeClock()
		q := newStore(t, WithClock(clock.Now), WithClaimTimeout(time.Minute))
		id := enqueue(t, q, "mail", 1, "x")

		stale := mustDequeue(t, q, "mail")
		clock.Advance(2 * time.Minute)

		current := mustDequeue(t, q, "mail")
		require.Equal(t, id, current.ID)
		require.NotEqual(t, stale.Claim, current.Claim)

		err := q.Fail(ctx, stale, "worker stalled")
		require.Error(t, err)
		assert.True(t, IsClaimLost(err))

		err = q.Bury(ctx, stale, "worker stalled")
		assert.True(t, IsClaimLost(err))

		err = q.Ack(ctx, stale)
		assert.True(t, IsClaimLost(err))

		// the live claim is untouched
		assertEmpty(t, q, "mail")
		job, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusClaimed, job.Status)
		assert.Equal(t, 0, job.Retries)

		require.NoError(t, q.Ack(ctx, current))
		job, err = q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusDone, job.Status)
	})
}
