package queue

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	payload  Payload
	readyAt  time.Time
	queued   bool
	leased   bool
	leaseEnd time.Time
	token    int64
	attempts int
}

// MemoryQueue is a process-local Queue with the same lease semantics as
// RedisQueue. Entries do not survive a restart.
type MemoryQueue struct {
	mu        sync.Mutex
	entries   map[string]*memEntry
	completed int64
	failed    int64
	wake      chan struct{}
	opts      Options
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		entries: make(map[string]*memEntry),
		wake:    make(chan struct{}, 1),
		opts:    opts.withDefaults(),
	}
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, jobID string, readyAt time.Time, p Payload) error {
	q.mu.Lock()
	e, ok := q.entries[jobID]
	if !ok {
		e = &memEntry{}
		q.entries[jobID] = e
	}
	e.payload = p
	e.readyAt = readyAt
	e.queued = true
	q.mu.Unlock()

	q.signal()
	return nil
}

func (q *MemoryQueue) Remove(_ context.Context, jobID string) error {
	q.mu.Lock()
	delete(q.entries, jobID)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		d, wait := q.claim()
		if d != nil {
			return d, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// claim hands out the earliest ready entry, or reports how long to wait
// before checking again.
func (q *MemoryQueue) claim() (*Delivery, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()
	wait := q.opts.PollInterval

	var (
		bestID string
		best   *memEntry
	)
	for id, e := range q.entries {
		if e.leased && !e.leaseEnd.After(now) {
			e.leased = false
			e.token++
			if !e.queued {
				e.queued = true
				e.readyAt = now
			}
		}
		if !e.queued || e.leased {
			continue
		}
		if e.readyAt.After(now) {
			wait = min(wait, e.readyAt.Sub(now))
			continue
		}
		if best == nil || e.readyAt.Before(best.readyAt) {
			bestID, best = id, e
		}
	}

	if best == nil {
		return nil, wait
	}

	best.queued = false
	best.leased = true
	best.leaseEnd = now.Add(q.opts.LeaseTimeout)
	best.token++

	return &Delivery{
		JobID:    bestID,
		Payload:  best.payload,
		Attempts: best.attempts,
		token:    best.token,
	}, 0
}

// held returns the entry only while d still owns its lease.
func (q *MemoryQueue) held(d *Delivery) *memEntry {
	e, ok := q.entries[d.JobID]
	if !ok || !e.leased || e.token != d.token {
		return nil
	}
	return e
}

func (q *MemoryQueue) Complete(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.held(d)
	if e == nil {
		return ErrLeaseLost
	}

	e.leased = false
	if !e.queued {
		delete(q.entries, d.JobID)
		q.completed++
	}
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, d *Delivery, terminal bool) (time.Time, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.held(d)
	if e == nil {
		return time.Time{}, ErrLeaseLost
	}

	attempts, retryAt, drop := q.opts.retryPlan(d, terminal)
	if drop {
		delete(q.entries, d.JobID)
		q.failed++
		return time.Time{}, nil
	}

	e.leased = false
	e.attempts = attempts
	if !e.queued {
		e.queued = true
		e.readyAt = retryAt
	}
	return retryAt, nil
}

func (q *MemoryQueue) Counts(_ context.Context) (Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()
	c := Counts{Completed: q.completed, Failed: q.failed}
	for _, e := range q.entries {
		switch {
		case e.leased:
			c.Active++
		case !e.queued:
		case e.readyAt.After(now):
			c.Delayed++
		default:
			c.Waiting++
		}
	}
	return c, nil
}
