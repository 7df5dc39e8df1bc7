// Package ratelimit implements the per-sender hourly cap as a sliding
// window over recorded send timestamps.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// Window is the trailing period over which sends are counted.
	Window = time.Hour

	// keyTTL is the coarse expiry applied to a sender's window data so that
	// abandoned senders do not leak state.
	keyTTL = 2 * Window
)

var ErrSenderRequired = errors.New("ratelimit: sender id is required")

// Store holds the recorded send timestamps per sender.
type Store interface {
	// Window drops every entry recorded at or before cutoff and returns the
	// number of entries left together with the oldest of them. oldest is the
	// zero time when the window is empty.
	Window(ctx context.Context, senderID string, cutoff time.Time) (count int, oldest time.Time, err error)

	// Record atomically adds one entry at the given instant and refreshes
	// the sender's expiry.
	Record(ctx context.Context, senderID string, at time.Time, ttl time.Duration) error

	// Reset removes all entries for the sender.
	Reset(ctx context.Context, senderID string) error
}

// Result is the outcome of an admission check.
type Result struct {
	Allowed        bool
	RemainingSlots int
	ResetAt        time.Time
}

type Limiter struct {
	store  Store
	window time.Duration
	now    func() time.Time
}

type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithWindow overrides the window length. Intended for tests.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		window: Window,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckLimit decides whether one more send is admissible for the sender.
// It prunes expired entries but does not count a send.
func (l *Limiter) CheckLimit(ctx context.Context, senderID string, hourlyLimit int) (Result, error) {
	if senderID == "" {
		return Result{}, ErrSenderRequired
	}

	now := l.now()

	count, oldest, err := l.store.Window(ctx, senderID, now.Add(-l.window))
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: check %s: %w", senderID, err)
	}

	res := Result{
		Allowed:        count < hourlyLimit,
		RemainingSlots: max(0, hourlyLimit-count),
		ResetAt:        now.Add(l.window),
	}
	if count > 0 && !oldest.IsZero() {
		res.ResetAt = oldest.Add(l.window)
	}

	return res, nil
}

// IncrementCount records one sent email at the given instant, or now when
// at is zero. Call it only after the transport accepted the message.
func (l *Limiter) IncrementCount(ctx context.Context, senderID string, at time.Time) error {
	if senderID == "" {
		return ErrSenderRequired
	}
	if at.IsZero() {
		at = l.now()
	}

	ttl := max(keyTTL, 2*l.window)
	if err := l.store.Record(ctx, senderID, at, ttl); err != nil {
		return fmt.Errorf("ratelimit: record %s: %w", senderID, err)
	}
	return nil
}

// NextAvailableTime returns when the oldest counted send leaves the window,
// or now when nothing is counted.
func (l *Limiter) NextAvailableTime(ctx context.Context, senderID string) (time.Time, error) {
	if senderID == "" {
		return time.Time{}, ErrSenderRequired
	}

	now := l.now()

	count, oldest, err := l.store.Window(ctx, senderID, now.Add(-l.window))
	if err != nil {
		return time.Time{}, fmt.Errorf("ratelimit: next slot %s: %w", senderID, err)
	}
	if count == 0 || oldest.IsZero() {
		return now, nil
	}
	return oldest.Add(l.window), nil
}

// Reset clears the sender's window, e.g. for manual overrides.
func (l *Limiter) Reset(ctx context.Context, senderID string) error {
	if senderID == "" {
		return ErrSenderRequired
	}
	return l.store.Reset(ctx, senderID)
}
