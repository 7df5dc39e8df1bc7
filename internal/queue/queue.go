// Package queue implements the delay queue that carries email jobs from the
// scheduler to the dispatch workers.
//
// Entries are keyed by job id: enqueueing an id that is already present
// replaces its ready-at time and payload. A dequeued entry is leased to one
// consumer; if the lease is neither completed nor failed before it expires,
// the entry becomes deliverable again.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var ErrLeaseLost = errors.New("queue: delivery lease lost")

// Payload is the snapshot of the job carried with each entry.
type Payload struct {
	SenderID  string `json:"senderId"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// Delivery is one leased hand-off of an entry to a consumer.
type Delivery struct {
	JobID   string
	Payload Payload

	// Attempts is the number of failed deliveries before this one.
	Attempts int

	token int64
}

// Counts reports queue depth by state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Queue is implemented by RedisQueue and MemoryQueue.
type Queue interface {
	// Enqueue inserts the entry or atomically replaces the one with the same
	// id. When the id is currently leased the new state applies to the next
	// delivery.
	Enqueue(ctx context.Context, jobID string, readyAt time.Time, p Payload) error

	// Remove drops the entry if present.
	Remove(ctx context.Context, jobID string) error

	// Dequeue blocks until an entry is ready or ctx is done.
	Dequeue(ctx context.Context) (*Delivery, error)

	// Complete releases the lease as handled. The entry is discarded unless
	// it was re-enqueued while leased.
	Complete(ctx context.Context, d *Delivery) error

	// Fail releases the lease as failed. Unless terminal, or the attempt
	// budget is spent, the entry is redelivered after an exponential
	// backoff; the returned time is when. A zero time means the entry was
	// dropped.
	Fail(ctx context.Context, d *Delivery, terminal bool) (time.Time, error)

	Counts(ctx context.Context) (Counts, error)
}

type Options struct {
	// LeaseTimeout bounds how long a consumer may hold an entry.
	LeaseTimeout time.Duration

	// PollInterval is the longest a blocked Dequeue sleeps between checks.
	PollInterval time.Duration

	// MaxAttempts bounds deliveries of one entry that end in Fail.
	MaxAttempts int

	// BackoffBase is the delay before the first redelivery; it doubles on
	// each further failure.
	BackoffBase time.Duration

	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = 2 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// retryPlan decides what a failed delivery turns into.
func (o Options) retryPlan(d *Delivery, terminal bool) (attempts int, retryAt time.Time, drop bool) {
	attempts = d.Attempts + 1
	if terminal || attempts >= o.MaxAttempts {
		return attempts, time.Time{}, true
	}
	return attempts, o.Now().Add(RetryDelay(o.BackoffBase, attempts)), false
}

// RetryDelay returns base * 2^(attempt-1).
func RetryDelay(base time.Duration, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 24 * time.Hour
	b.MaxElapsedTime = 0
	b.Reset()

	d := base
	for range max(attempt, 1) {
		d = b.NextBackOff()
	}
	return d
}
