package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"PacedSend/internal/email"
	"PacedSend/internal/metrics"
	"PacedSend/internal/models"
	"PacedSend/internal/queue"
	"PacedSend/internal/ratelimit"
)

type Store interface {
	GetJob(ctx context.Context, id string) (*models.EmailJob, error)
	GetSender(ctx context.Context, id string) (*models.Sender, error)
	Reschedule(ctx context.Context, id string, at time.Time) error
	MarkSent(ctx context.Context, id string, at time.Time) error
	RecordFailure(ctx context.Context, id string, errorMsg string) (*models.EmailJob, error)
	MarkFailed(ctx context.Context, id string, reason string) (*models.EmailJob, error)
}

type RateLimiter interface {
	CheckLimit(ctx context.Context, senderID string, hourlyLimit int) (ratelimit.Result, error)
	IncrementCount(ctx context.Context, senderID string, at time.Time) error
	NextAvailableTime(ctx context.Context, senderID string) (time.Time, error)
}

type Config struct {
	// Workers is the number of concurrent consumers.
	Workers int

	// Rate caps dequeues per second across the whole pool.
	Rate float64

	// DefaultDelay applies to senders without their own delay.
	DefaultDelay time.Duration

	// RescheduleFloor is the shortest push-back for a rate limited job.
	RescheduleFloor time.Duration

	SendTimeout time.Duration

	// MarkSentBackoff is the first pause between attempts to record a
	// delivered message.
	MarkSentBackoff time.Duration
}

const markSentRetries = 5

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.Rate <= 0 {
		c.Rate = 10
	}
	if c.DefaultDelay <= 0 {
		c.DefaultDelay = 2 * time.Second
	}
	if c.RescheduleFloor <= 0 {
		c.RescheduleFloor = time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.MarkSentBackoff <= 0 {
		c.MarkSentBackoff = 200 * time.Millisecond
	}
	return c
}

// Outcome is what one delivery turned into.
type Outcome int

const (
	// Abandoned deliveries are left leased; the queue redelivers them once
	// the lease expires.
	Abandoned Outcome = iota
	Sent
	Deferred
	Retrying
	Failed
	Stale
)

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case Deferred:
		return "deferred"
	case Retrying:
		return "retrying"
	case Failed:
		return "failed"
	case Stale:
		return "stale"
	}
	return "abandoned"
}

type Pool struct {
	queue     queue.Queue
	store     Store
	limiter   RateLimiter
	transport email.Transport
	throttle  *rate.Limiter
	log       *zap.Logger
	cfg       Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Pool)

func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithSleep replaces the wait used for the per-dispatch delay.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pool) { p.sleep = sleep }
}

func New(
	q queue.Queue,
	store Store,
	limiter RateLimiter,
	transport email.Transport,
	logger *zap.Logger,
	cfg Config,
	opts ...Option,
) *Pool {
	cfg = cfg.withDefaults()

	p := &Pool{
		queue:     q,
		store:     store,
		limiter:   limiter,
		transport: transport,
		throttle:  rate.NewLimiter(rate.Limit(cfg.Rate), max(1, int(cfg.Rate))),
		log:       logger,
		cfg:       cfg,
		now:       time.Now,
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Start launches the consumers. They stop taking new deliveries when ctx is
// cancelled; wg is released once every in-flight attempt has returned.
func (p *Pool) Start(ctx context.Context, wg *sync.WaitGroup) {
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			log := p.log.With(zap.Int("worker_id", id))
			log.Info("worker started")

			for {
				if err := p.throttle.Wait(ctx); err != nil {
					log.Info("worker shutting down")
					return
				}

				d, err := p.queue.Dequeue(ctx)
				if err != nil {
					if ctx.Err() != nil {
						log.Info("worker shutting down")
						return
					}
					log.Error("dequeue failed", zap.Error(err))
					if p.sleep(ctx, time.Second) != nil {
						return
					}
					continue
				}

				outcome := p.Handle(ctx, d)
				log.Debug("delivery handled",
					zap.String("job_id", d.JobID),
					zap.Stringer("outcome", outcome),
				)
			}
		}(i)
	}
}

// Handle runs one dispatch attempt for a delivery and settles its lease.
func (p *Pool) Handle(ctx context.Context, d *queue.Delivery) Outcome {
	log := p.log.With(
		zap.String("job_id", d.JobID),
		zap.Int("attempt", d.Attempts+1),
	)

	job, err := p.store.GetJob(ctx, d.JobID)
	if errors.Is(err, models.ErrJobNotFound) {
		log.Warn("delivery for unknown job")
		p.complete(ctx, d, log)
		return Stale
	}
	if err != nil {
		log.Error("failed to load job", zap.Error(err))
		return Abandoned
	}

	if job.Status != models.StatusScheduled {
		log.Info("skipping delivery for finished job", zap.String("status", string(job.Status)))
		metrics.StaleDeliveries.Inc()
		p.complete(ctx, d, log)
		return Stale
	}

	if job.RetriesExhausted() {
		reason := "retries exhausted"
		if job.Error != nil {
			reason = *job.Error
		}
		if _, err := p.store.MarkFailed(ctx, job.ID, reason); err != nil && !errors.Is(err, models.ErrTerminal) {
			log.Error("failed to mark exhausted job failed", zap.Error(err))
			return Abandoned
		}
		p.drop(ctx, d, log)
		metrics.EmailFailures.Inc()
		return Failed
	}

	// Every sender lookup failure spends one retry, store errors included.
	sender, err := p.store.GetSender(ctx, job.SenderID)
	if err == nil && !sender.IsActive {
		err = models.ErrSenderInactive
	}
	if err != nil {
		return p.fail(ctx, d, job, err, log)
	}

	res, err := p.limiter.CheckLimit(ctx, sender.ID, sender.HourlyLimit)
	if err != nil {
		log.Error("rate limit check failed", zap.Error(err))
		return Abandoned
	}
	if !res.Allowed {
		return p.deferJob(ctx, d, job, log)
	}

	if err := p.sleep(ctx, sender.SendDelay(p.cfg.DefaultDelay)); err != nil {
		log.Info("dispatch abandoned on shutdown")
		return Abandoned
	}

	// A send that has started is finished and recorded even during shutdown.
	ctx = context.WithoutCancel(ctx)

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	began := time.Now()
	messageID, err := p.transport.Send(sendCtx, email.Message{
		From:    sender.Address(),
		To:      job.Recipient,
		Subject: job.Subject,
		Text:    job.Body,
		HTML:    email.TextToHTML(job.Body),
	})
	cancel()
	metrics.SendDuration.Observe(time.Since(began).Seconds())

	if err != nil {
		return p.fail(ctx, d, job, err, log)
	}

	sentAt := p.now()
	if err := p.markSent(ctx, job.ID, sentAt); err != nil {
		// The message is out; settling the lease keeps it from going out twice.
		log.Error("email sent but status not recorded", zap.Error(err))
	}
	if err := p.limiter.IncrementCount(ctx, sender.ID, sentAt); err != nil {
		log.Error("failed to count send against rate limit", zap.Error(err))
	}
	p.complete(ctx, d, log)

	metrics.EmailsSent.Inc()
	log.Info("email sent successfully",
		zap.String("to", job.Recipient),
		zap.String("message_id", messageID),
	)
	return Sent
}

// markSent retries transient store errors so a delivered message is not
// left SCHEDULED and resent by a later Resync.
func (p *Pool) markSent(ctx context.Context, id string, at time.Time) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.MarkSentBackoff
	b.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		err := p.store.MarkSent(ctx, id, at)
		if errors.Is(err, models.ErrTerminal) || errors.Is(err, models.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, markSentRetries), ctx))
}

func (p *Pool) deferJob(ctx context.Context, d *queue.Delivery, job *models.EmailJob, log *zap.Logger) Outcome {
	at := p.now().Add(p.cfg.RescheduleFloor)

	next, err := p.limiter.NextAvailableTime(ctx, job.SenderID)
	if err != nil {
		log.Warn("next available time unknown, using floor", zap.Error(err))
	} else if next.After(at) {
		at = next
	}

	err = p.queue.Enqueue(ctx, job.ID, at, queue.Payload{
		SenderID:  job.SenderID,
		Recipient: job.Recipient,
		Subject:   job.Subject,
		Body:      job.Body,
	})
	if err != nil {
		log.Error("failed to re-enqueue rate limited job", zap.Error(err))
		return Abandoned
	}

	if err := p.store.Reschedule(ctx, job.ID, at); err != nil {
		// Cancelled meanwhile: the re-enqueued entry will surface as stale.
		log.Warn("failed to store new schedule", zap.Error(err))
	}
	p.complete(ctx, d, log)

	metrics.RateLimitDeferrals.WithLabelValues(job.SenderID).Inc()
	log.Info("sender rate limited, email rescheduled", zap.Time("scheduled_at", at))
	return Deferred
}

func (p *Pool) fail(ctx context.Context, d *queue.Delivery, job *models.EmailJob, cause error, log *zap.Logger) Outcome {
	updated, err := p.store.RecordFailure(ctx, job.ID, cause.Error())
	if errors.Is(err, models.ErrTerminal) {
		p.complete(ctx, d, log)
		return Stale
	}
	if err != nil {
		log.Error("failed to record failure", zap.NamedError("cause", cause), zap.Error(err))
		return Abandoned
	}

	if updated.Status == models.StatusFailed {
		p.drop(ctx, d, log)
		metrics.EmailFailures.Inc()
		log.Error("email failed permanently",
			zap.Int("retry_count", updated.RetryCount),
			zap.Error(cause),
		)
		return Failed
	}

	retryAt, err := p.queue.Fail(ctx, d, false)
	if err != nil {
		p.logSettle(log, err)
		return Retrying
	}
	if retryAt.IsZero() {
		// The queue ran out of attempts before the job did.
		if _, err := p.store.MarkFailed(ctx, job.ID, cause.Error()); err != nil && !errors.Is(err, models.ErrTerminal) {
			log.Error("failed to mark job failed", zap.Error(err))
		}
		metrics.EmailFailures.Inc()
		return Failed
	}

	metrics.EmailRetries.Inc()
	log.Warn("email send failed, will retry",
		zap.Int("retry_count", updated.RetryCount),
		zap.Time("retry_at", retryAt),
		zap.Error(cause),
	)
	return Retrying
}

func (p *Pool) complete(ctx context.Context, d *queue.Delivery, log *zap.Logger) {
	if err := p.queue.Complete(ctx, d); err != nil {
		p.logSettle(log, err)
	}
}

func (p *Pool) drop(ctx context.Context, d *queue.Delivery, log *zap.Logger) {
	if _, err := p.queue.Fail(ctx, d, true); err != nil {
		p.logSettle(log, err)
	}
}

func (p *Pool) logSettle(log *zap.Logger, err error) {
	if errors.Is(err, queue.ErrLeaseLost) {
		log.Debug("lease lost before settling delivery")
		return
	}
	log.Error("failed to settle delivery", zap.Error(err))
}
