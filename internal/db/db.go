package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"PacedSend/internal/models"
)

const jobColumns = `id, sender_id, recipient, subject, body, scheduled_at, sent_at,
	status, error, retry_count, max_retries, created_at, updated_at`

const senderColumns = `id, email, name, hourly_limit, delay_seconds, is_active, created_at, updated_at`

type Store struct {
	Pool *pgxpool.Pool
}

// New connects to Postgres, retrying with exponential backoff until the
// database answers a ping or ctx is done.
func New(ctx context.Context, conn string, logger *zap.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(conn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	var pool *pgxpool.Pool
	connect := func() error {
		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = time.Minute

	err = backoff.RetryNotify(connect, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		logger.Warn("database not ready, retrying",
			zap.Duration("next", next),
			zap.Error(err),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

// CreateBatch inserts every job in one transaction. Ids are assigned here
// and double as the delay queue idempotency key.
func (s *Store) CreateBatch(ctx context.Context, jobs []*models.EmailJob) error {
	prepareBatch(jobs)

	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, job := range jobs {
			batch.Queue(
				`INSERT INTO email_jobs
				 (id, sender_id, recipient, subject, body, scheduled_at, status, retry_count, max_retries, created_at, updated_at)
				 VALUES ($1,$2,$3,$4,$5,$6,$7,0,$8,NOW(),NOW())
				 RETURNING created_at, updated_at`,
				job.ID,
				job.SenderID,
				job.Recipient,
				job.Subject,
				job.Body,
				job.ScheduledAt,
				job.Status,
				job.MaxRetries,
			)
		}

		br := tx.SendBatch(ctx, batch)
		for _, job := range jobs {
			if err := br.QueryRow().Scan(&job.CreatedAt, &job.UpdatedAt); err != nil {
				br.Close()
				return fmt.Errorf("insert email job: %w", err)
			}
		}
		return br.Close()
	})
}

func prepareBatch(jobs []*models.EmailJob) {
	for _, job := range jobs {
		if job.ID == "" {
			job.ID = uuid.NewString()
		}
		job.Status = models.StatusScheduled
		job.RetryCount = 0
		if job.MaxRetries <= 0 {
			job.MaxRetries = models.DefaultMaxRetries
		}
	}
}

func (s *Store) GetJob(ctx context.Context, id string) (*models.EmailJob, error) {
	job, err := scanJob(s.Pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM email_jobs WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrJobNotFound
	}
	return job, err
}

func (s *Store) ListJobs(ctx context.Context, f models.JobFilter) ([]*models.EmailJob, error) {
	var (
		where []string
		args  []any
	)
	if f.SenderID != "" {
		args = append(args, f.SenderID)
		where = append(where, fmt.Sprintf("sender_id=$%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}

	query := `SELECT ` + jobColumns + ` FROM email_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY scheduled_at ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.EmailJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListScheduled returns every job still waiting to be sent, across senders.
func (s *Store) ListScheduled(ctx context.Context) ([]*models.EmailJob, error) {
	return s.ListJobs(ctx, models.JobFilter{Status: models.StatusScheduled})
}

// Reschedule moves a SCHEDULED job to a new time.
func (s *Store) Reschedule(ctx context.Context, id string, at time.Time) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE email_jobs
		 SET scheduled_at=$1,
		     updated_at=NOW()
		 WHERE id=$2 AND status=$3`,
		at,
		id,
		models.StatusScheduled,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrTerminal(ctx, id)
	}
	return nil
}

func (s *Store) MarkSent(ctx context.Context, id string, at time.Time) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE email_jobs
		 SET status=$1,
		     sent_at=$2,
		     error=NULL,
		     updated_at=NOW()
		 WHERE id=$3 AND status=$4`,
		models.StatusSent,
		at,
		id,
		models.StatusScheduled,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrTerminal(ctx, id)
	}
	return nil
}

// RecordFailure counts one failed attempt and, once the retry budget is
// spent, moves the job to FAILED in the same statement.
func (s *Store) RecordFailure(ctx context.Context, id string, errorMsg string) (*models.EmailJob, error) {
	job, err := scanJob(s.Pool.QueryRow(ctx,
		`UPDATE email_jobs
		 SET retry_count = retry_count + 1,
		     error=$1,
		     status = CASE WHEN retry_count + 1 >= max_retries THEN $2 ELSE status END,
		     updated_at=NOW()
		 WHERE id=$3 AND status=$4
		 RETURNING `+jobColumns,
		errorMsg,
		models.StatusFailed,
		id,
		models.StatusScheduled,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.missingOrTerminal(ctx, id)
	}
	return job, err
}

// MarkFailed moves a non-terminal job to FAILED with the given reason
// without touching its retry count.
func (s *Store) MarkFailed(ctx context.Context, id string, reason string) (*models.EmailJob, error) {
	job, err := scanJob(s.Pool.QueryRow(ctx,
		`UPDATE email_jobs
		 SET status=$1,
		     error=$2,
		     updated_at=NOW()
		 WHERE id=$3 AND status IN ($4, $5)
		 RETURNING `+jobColumns,
		models.StatusFailed,
		reason,
		id,
		models.StatusScheduled,
		models.StatusPending,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.missingOrTerminal(ctx, id)
	}
	return job, err
}

// CountByStatus aggregates a sender's jobs by status. A non-zero since
// restricts the count to jobs created after it.
func (s *Store) CountByStatus(ctx context.Context, senderID string, since time.Time) (map[models.EmailStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM email_jobs WHERE sender_id=$1`
	args := []any{senderID}
	if !since.IsZero() {
		query += ` AND created_at >= $2`
		args = append(args, since)
	}
	query += ` GROUP BY status`

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.EmailStatus]int)
	for rows.Next() {
		var (
			status models.EmailStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *Store) missingOrTerminal(ctx context.Context, id string) error {
	var status models.EmailStatus
	err := s.Pool.QueryRow(ctx, `SELECT status FROM email_jobs WHERE id=$1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrJobNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", models.ErrTerminal, status)
}

func (s *Store) GetSender(ctx context.Context, id string) (*models.Sender, error) {
	var sender models.Sender
	err := s.Pool.QueryRow(ctx,
		`SELECT `+senderColumns+` FROM senders WHERE id=$1`, id,
	).Scan(
		&sender.ID,
		&sender.Email,
		&sender.Name,
		&sender.HourlyLimit,
		&sender.DelaySeconds,
		&sender.IsActive,
		&sender.CreatedAt,
		&sender.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrSenderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sender, nil
}

func (s *Store) CreateSender(ctx context.Context, sender *models.Sender) error {
	if sender.ID == "" {
		sender.ID = uuid.NewString()
	}
	return s.Pool.QueryRow(ctx,
		`INSERT INTO senders
		 (id, email, name, hourly_limit, delay_seconds, is_active, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,NOW(),NOW())
		 RETURNING created_at, updated_at`,
		sender.ID,
		sender.Email,
		sender.Name,
		sender.HourlyLimit,
		sender.DelaySeconds,
		sender.IsActive,
	).Scan(&sender.CreatedAt, &sender.UpdatedAt)
}

func (s *Store) UpdateSenderLimits(ctx context.Context, id string, hourlyLimit, delaySeconds int) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE senders
		 SET hourly_limit=$1,
		     delay_seconds=$2,
		     updated_at=NOW()
		 WHERE id=$3`,
		hourlyLimit,
		delaySeconds,
		id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrSenderNotFound
	}
	return nil
}

func scanJob(row pgx.Row) (*models.EmailJob, error) {
	var job models.EmailJob
	err := row.Scan(
		&job.ID,
		&job.SenderID,
		&job.Recipient,
		&job.Subject,
		&job.Body,
		&job.ScheduledAt,
		&job.SentAt,
		&job.Status,
		&job.Error,
		&job.RetryCount,
		&job.MaxRetries,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Store) SetSenderActive(ctx context.Context, id string, active bool) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE senders SET is_active=$1, updated_at=NOW() WHERE id=$2`,
		active,
		id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrSenderNotFound
	}
	return nil
}
