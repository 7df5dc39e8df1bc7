package queue_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PacedSend/internal/queue"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var backendNames = []string{"memory", "redis"}

func newQueue(t *testing.T, backend string, clock *fakeClock) queue.Queue {
	t.Helper()

	opts := queue.Options{
		Now:          clock.Now,
		PollInterval: 5 * time.Millisecond,
		LeaseTimeout: time.Minute,
		MaxAttempts:  3,
		BackoffBase:  5 * time.Second,
	}

	if backend == "memory" {
		return queue.NewMemoryQueue(opts)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.NewRedisQueue(client, "test", opts)
}

func payload(to string) queue.Payload {
	return queue.Payload{SenderID: "s1", Recipient: to, Subject: "hi", Body: "hello"}
}

func dequeueWithin(t *testing.T, q queue.Queue, d time.Duration) (*queue.Delivery, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return q.Dequeue(ctx)
}

func requireEmpty(t *testing.T, q queue.Queue) {
	t.Helper()
	d, err := dequeueWithin(t, q, 30*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Nil(t, d)
}

func TestNotDeliveredBeforeReadyAt(t *testing.T) {
	t.Parallel()

	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{now: start}
			q := newQueue(t, name, clock)
			ctx := context.Background()

			require.NoError(t, q.Enqueue(ctx, "job-1", start.Add(time.Minute), payload("a@example.com")))
			requireEmpty(t, q)

			counts, err := q.Counts(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), counts.Delayed)
			assert.Equal(t, int64(0), counts.Waiting)

			clock.Advance(time.Minute)
			d, err := dequeueWithin(t, q, time.Second)
			require.NoError(t, err)
			assert.Equal(t, "job-1", d.JobID)
			assert.Equal(t, "a@example.com", d.Payload.Recipient)
			assert.Equal(t, 0, d.Attempts)
		})
	}
}

func TestEnqueueReplacesByID(t *testing.T) {
	t.Parallel()

	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{now: start}
			q := newQueue(t, name, clock)
			ctx := context.Background()

			require.NoError(t, q.Enqueue(ctx, "job-1", start.Add(time.Hour), payload("old@example.com")))
			require.NoError(t, q.Enqueue(ctx, "job-1", start, payload("new@example.com")))

			counts, err := q.Counts(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), counts.Waiting+counts.Delayed)

			d, err := dequeueWithin(t, q, time.Second)
			require.NoError(t, err)
			assert.Equal(t, "new@example.com", d.Payload.Recipient)
			require.NoError(t, q.Complete(ctx, d))

			requireEmpty(t, q)
		})
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()

	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{now: start}
			q := newQueue(t, name, clock)
			ctx := context.Background()

			require.NoError(t, q.Remove(ctx, "missing"))

			require.NoError(t, q.Enqueue(ctx, "job-1", start, payload("a@example.com")))
			require.NoError(t, q.Remove(ctx, "job-1"))
			requireEmpty(t, q)
		})
	}
}

func TestLeaseExpiryRedelivers(t *testing.T) {
	t.Parallel()

	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{now: start}
			q := newQueue(t, name, clock)
			ctx := context.Background()

			require.NoError(t, q.Enqueue(ctx, "job-1", start, payload("a@example.com")))

			first, err := dequeueWithin(t, q, time.Second)
			require.NoError(t, err)
			requireEmpty(t, q)

			clock.Advance(2 * time.Minute)
			second, err := dequeueWithin(t, q, time.Second)
			require.NoError(t, err)
			assert.Equal(t, "job-1", second.JobID)

			// The first holder lost its lease and cannot settle it.
			assert.ErrorIs(t, q.Complete(ctx, first), queue.ErrLeaseLost)
			require.NoError(t, q.Complete(ctx, second))
			requireEmpty(t, q)
		})
	}
}

func TestEnqueueWhileLeasedAppliesToNextDelivery(t *testing.T) {
	t.Parallel()

	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{now: start}
			q := newQueue(t, name, clock)
			ctx := context.Background()

			require.NoError(t, q.Enqueue(ctx, "job-1", start, payload("a@example.com")))
			d, err := dequeueWithin(t, q, time.Second)
			require.NoError(t, err)

			require.NoError(t, q.Enqueue(ctx, "job-1", start, payload("a@example.com")))
			requireEmpty(t, q)

			require.NoError(t, q.Complete(ctx, d))

			next, err := dequeueWithin(t, q, time.Second)
			require.NoError(t, err)
			assert.Equal(t, "job-1", next.JobID)

			counts, err := q.Counts(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(0), counts.Completed)
		})
	}
}

func TestReadyEntryBehindManyLeasedReenqueued(t *testing.T) {
	t.Parallel()

	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{now: start}
			q := newQueue(t, name, clock)
			ctx := context.Background()

			const leased = 80
			early := start.Add(-time.Minute)
			for i := range leased {
				require.NoError(t, q.Enqueue(ctx, fmt.Sprintf("job-%02d", i), early, payload("a@example.com")))
			}
			for range leased {
				d, err := dequeueWithin(t, q, time.Second)
				require.NoError(t, err)
				// Re-enqueued while leased: ready again, but not deliverable
				// until the lease settles.
				require.NoError(t, q.Enqueue(ctx, d.JobID, early, d.Payload))
			}

			require.NoError(t, q.Enqueue(ctx, "fresh", start, payload("b@example.com")))

			d, err := dequeueWithin(t, q, time.Second)
			require.NoError(t, err)
			assert.Equal(t, "fresh", d.JobID)
		})
	}
}

func TestFailBacksOffThenDrops(t *testing.T) {
	t.Parallel()

	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{now: start}
			q := newQueue(t, name, clock)
			ctx := context.Background()

			require.NoError(t, q.Enqueue(ctx, "job-1", start, payload("a@example.com")))

			for attempt, wait := range []time.Duration{5 * time.Second, 10 * time.Second} {
				d, err := dequeueWithin(t, q, time.Second)
				require.NoError(t, err)
				assert.Equal(t, attempt, d.Attempts)

				retryAt, err := q.Fail(ctx, d, false)
				require.NoError(t, err)
				assert.True(t, retryAt.Equal(clock.Now().Add(wait)), "retry at %s", retryAt)

				requireEmpty(t, q)
				clock.Advance(wait)
			}

			d, err := dequeueWithin(t, q, time.Second)
			require.NoError(t, err)
			assert.Equal(t, 2, d.Attempts)

			retryAt, err := q.Fail(ctx, d, false)
			require.NoError(t, err)
			assert.True(t, retryAt.IsZero())

			clock.Advance(time.Hour)
			requireEmpty(t, q)

			counts, err := q.Counts(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), counts.Failed)
		})
	}
}

func TestFailTerminalDropsImmediately(t *testing.T) {
	t.Parallel()

	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{now: start}
			q := newQueue(t, name, clock)
			ctx := context.Background()

			require.NoError(t, q.Enqueue(ctx, "job-1", start, payload("a@example.com")))
			d, err := dequeueWithin(t, q, time.Second)
			require.NoError(t, err)

			retryAt, err := q.Fail(ctx, d, true)
			require.NoError(t, err)
			assert.True(t, retryAt.IsZero())

			clock.Advance(time.Hour)
			requireEmpty(t, q)
		})
	}
}

func TestCompleteCounts(t *testing.T) {
	t.Parallel()

	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{now: start}
			q := newQueue(t, name, clock)
			ctx := context.Background()

			require.NoError(t, q.Enqueue(ctx, "job-1", start, payload("a@example.com")))
			d, err := dequeueWithin(t, q, time.Second)
			require.NoError(t, err)

			counts, err := q.Counts(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), counts.Active)

			require.NoError(t, q.Complete(ctx, d))

			counts, err = q.Counts(ctx)
			require.NoError(t, err)
			assert.Equal(t, queue.Counts{Completed: 1}, counts)
		})
	}
}

func TestConcurrentConsumersReceiveEachEntryOnce(t *testing.T) {
	t.Parallel()

	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{now: start}
			q := newQueue(t, name, clock)
			ctx := context.Background()

			const n = 25
			for i := range n {
				require.NoError(t, q.Enqueue(ctx, fmt.Sprintf("job-%d", i), start, payload("a@example.com")))
			}

			var (
				mu   sync.Mutex
				seen = make(map[string]int)
				wg   sync.WaitGroup
			)
			for range 5 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						d, err := dequeueWithin(t, q, 100*time.Millisecond)
						if err != nil {
							return
						}
						mu.Lock()
						seen[d.JobID]++
						mu.Unlock()
						assert.NoError(t, q.Complete(ctx, d))
					}
				}()
			}
			wg.Wait()

			require.Len(t, seen, n)
			for id, c := range seen {
				assert.Equal(t, 1, c, "job %s delivered %d times", id, c)
			}
		})
	}
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()

	base := 5 * time.Second
	assert.Equal(t, 5*time.Second, queue.RetryDelay(base, 1))
	assert.Equal(t, 10*time.Second, queue.RetryDelay(base, 2))
	assert.Equal(t, 20*time.Second, queue.RetryDelay(base, 3))
}
