// Package scheduler turns a batch of recipients into spaced, durable email
// jobs and keeps the delay queue in step with the job store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"PacedSend/internal/metrics"
	"PacedSend/internal/models"
	"PacedSend/internal/queue"
)

const (
	DefaultDelaySeconds = 2
	DefaultHourlyLimit  = 50
	DefaultSubject      = "No Subject"

	// MaxListed caps job listings.
	MaxListed = 100
)

type Store interface {
	GetSender(ctx context.Context, id string) (*models.Sender, error)
	CreateSender(ctx context.Context, sender *models.Sender) error
	UpdateSenderLimits(ctx context.Context, id string, hourlyLimit, delaySeconds int) error
	SetSenderActive(ctx context.Context, id string, active bool) error

	CreateBatch(ctx context.Context, jobs []*models.EmailJob) error
	GetJob(ctx context.Context, id string) (*models.EmailJob, error)
	ListJobs(ctx context.Context, f models.JobFilter) ([]*models.EmailJob, error)
	ListScheduled(ctx context.Context) ([]*models.EmailJob, error)
	MarkFailed(ctx context.Context, id string, reason string) (*models.EmailJob, error)
	CountByStatus(ctx context.Context, senderID string, since time.Time) (map[models.EmailStatus]int, error)
}

type Row struct {
	Recipient string `json:"recipient" validate:"omitempty,email"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

type Request struct {
	SenderID       string    `json:"senderId" validate:"required"`
	Rows           []Row     `json:"rows" validate:"dive"`
	StartTime      time.Time `json:"startTime" validate:"required"`
	DelaySeconds   int       `json:"delaySeconds" validate:"min=1"`
	HourlyLimit    int       `json:"hourlyLimit" validate:"min=1"`
	DefaultSubject string    `json:"defaultSubject"`
	DefaultBody    string    `json:"defaultBody"`
}

type Result struct {
	Count int                `json:"count"`
	Jobs  []*models.EmailJob `json:"jobs"`
}

type Stats struct {
	StatusCounts map[models.EmailStatus]int `json:"statusCounts"`
	QueueMetrics queue.Counts               `json:"queueMetrics"`
	Last24Hours  map[models.EmailStatus]int `json:"last24Hours"`
}

type Service struct {
	store      Store
	queue      queue.Queue
	log        *zap.Logger
	validate   *validator.Validate
	now        func() time.Time
	maxRetries int
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMaxRetries sets the retry budget given to new jobs.
func WithMaxRetries(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

func New(store Store, q queue.Queue, logger *zap.Logger, opts ...Option) *Service {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonName)

	s := &Service{
		store:      store,
		queue:      q,
		log:        logger,
		validate:   v,
		now:        time.Now,
		maxRetries: models.DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" || name == "" {
		return f.Name
	}
	return name
}

// Schedule creates one SCHEDULED job per row with a recipient, spaced
// DelaySeconds apart from StartTime, and enqueues each at its time.
func (s *Service) Schedule(ctx context.Context, req Request) (*Result, error) {
	if req.DelaySeconds == 0 {
		req.DelaySeconds = DefaultDelaySeconds
	}
	if req.HourlyLimit == 0 {
		req.HourlyLimit = DefaultHourlyLimit
	}
	for i := range req.Rows {
		req.Rows[i].Recipient = strings.TrimSpace(req.Rows[i].Recipient)
	}
	if err := s.check(req); err != nil {
		return nil, err
	}

	sender, err := s.store.GetSender(ctx, req.SenderID)
	if err != nil {
		return nil, err
	}

	jobs := buildJobs(req, s.maxRetries)
	if len(jobs) == 0 {
		return nil, models.ErrEmptyBatch
	}

	if err := s.store.CreateBatch(ctx, jobs); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	// Limits are written only once the batch exists. The jobs are already
	// durable, so a failure here is logged rather than returned.
	if sender.HourlyLimit != req.HourlyLimit || sender.DelaySeconds != req.DelaySeconds {
		if err := s.store.UpdateSenderLimits(ctx, sender.ID, req.HourlyLimit, req.DelaySeconds); err != nil {
			s.log.Error("failed to persist sender limits",
				zap.String("sender_id", sender.ID),
				zap.Error(err),
			)
		}
	}

	// Jobs are durable from here on; a failed enqueue is repaired by Resync.
	for _, job := range jobs {
		if err := s.enqueue(ctx, job); err != nil {
			s.log.Error("failed to enqueue scheduled job",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
	}

	metrics.EmailsScheduled.Add(float64(len(jobs)))

	s.log.Info("batch scheduled",
		zap.String("sender_id", sender.ID),
		zap.Int("count", len(jobs)),
		zap.Time("start", req.StartTime),
		zap.Int("delay_seconds", req.DelaySeconds),
	)

	return &Result{Count: len(jobs), Jobs: jobs}, nil
}

func buildJobs(req Request, maxRetries int) []*models.EmailJob {
	var jobs []*models.EmailJob
	step := time.Duration(req.DelaySeconds) * time.Second

	for _, row := range req.Rows {
		if row.Recipient == "" {
			continue
		}
		jobs = append(jobs, &models.EmailJob{
			SenderID:    req.SenderID,
			Recipient:   row.Recipient,
			Subject:     firstNonEmpty(row.Subject, req.DefaultSubject, DefaultSubject),
			Body:        firstNonEmpty(row.Body, req.DefaultBody),
			ScheduledAt: req.StartTime.Add(time.Duration(len(jobs)) * step),
			MaxRetries:  maxRetries,
		})
	}
	return jobs
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (s *Service) check(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	out := &models.ValidationError{Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		out.Fields[field] = describe(fe)
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	}
	return "failed " + fe.Tag() + " validation"
}

func (s *Service) enqueue(ctx context.Context, job *models.EmailJob) error {
	return s.queue.Enqueue(ctx, job.ID, job.ScheduledAt, queue.Payload{
		SenderID:  job.SenderID,
		Recipient: job.Recipient,
		Subject:   job.Subject,
		Body:      job.Body,
	})
}

// Cancel marks a job FAILED with the cancellation reason and drops it from
// the queue. Cancelling an already failed job is a no-op.
func (s *Service) Cancel(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	switch job.Status {
	case models.StatusSent:
		return models.ErrAlreadySent
	case models.StatusFailed:
		return nil
	}

	if err := s.queue.Remove(ctx, id); err != nil {
		return fmt.Errorf("remove from queue: %w", err)
	}

	_, err = s.store.MarkFailed(ctx, id, models.CancelReason)
	if errors.Is(err, models.ErrTerminal) {
		// A worker got there first.
		job, gerr := s.store.GetJob(ctx, id)
		if gerr != nil {
			return gerr
		}
		if job.Status == models.StatusSent {
			return models.ErrAlreadySent
		}
		return nil
	}
	if err != nil {
		return err
	}

	s.log.Info("email job cancelled", zap.String("job_id", id))
	return nil
}

// Resync enqueues every SCHEDULED job at its stored time. Enqueue replaces
// by id, so running it over jobs that are already queued changes nothing.
func (s *Service) Resync(ctx context.Context) (int, error) {
	jobs, err := s.store.ListScheduled(ctx)
	if err != nil {
		return 0, fmt.Errorf("list scheduled jobs: %w", err)
	}
	for _, job := range jobs {
		if err := s.enqueue(ctx, job); err != nil {
			return 0, fmt.Errorf("enqueue %s: %w", job.ID, err)
		}
	}
	return len(jobs), nil
}

func (s *Service) Stats(ctx context.Context, senderID string) (*Stats, error) {
	all, err := s.store.CountByStatus(ctx, senderID, time.Time{})
	if err != nil {
		return nil, err
	}
	recent, err := s.store.CountByStatus(ctx, senderID, s.now().Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	counts, err := s.queue.Counts(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{StatusCounts: all, QueueMetrics: counts, Last24Hours: recent}, nil
}

func (s *Service) Job(ctx context.Context, id string) (*models.EmailJob, error) {
	return s.store.GetJob(ctx, id)
}

// Jobs lists a sender's jobs by scheduled time, at most MaxListed of them.
func (s *Service) Jobs(ctx context.Context, senderID string, status models.EmailStatus) ([]*models.EmailJob, error) {
	if senderID == "" {
		return nil, models.NewValidationError("senderId", "is required")
	}
	if status != "" && !status.Valid() {
		status = ""
	}
	jobs, err := s.store.ListJobs(ctx, models.JobFilter{SenderID: senderID, Status: status, Limit: MaxListed})
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*models.EmailJob{}
	}
	return jobs, nil
}
