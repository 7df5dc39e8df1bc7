package db

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"PacedSend/internal/models"
)

// MemoryStore keeps jobs and senders in process memory with the same
// transition rules as Store. Returned values are copies.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*models.EmailJob
	senders map[string]*models.Sender
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*models.EmailJob),
		senders: make(map[string]*models.Sender),
		now:     time.Now,
	}
}

// WithClock replaces the clock used for created/updated timestamps.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) CreateBatch(_ context.Context, jobs []*models.EmailJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, job := range jobs {
		if _, ok := m.senders[job.SenderID]; !ok {
			return fmt.Errorf("insert email job: %w", models.ErrSenderNotFound)
		}
		if job.ID != "" {
			if _, dup := m.jobs[job.ID]; dup {
				return fmt.Errorf("insert email job: duplicate id %s", job.ID)
			}
		}
	}

	prepareBatch(jobs)
	now := m.now()
	for _, job := range jobs {
		job.CreatedAt = now
		job.UpdatedAt = now
		m.jobs[job.ID] = cloneJob(job)
	}
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*models.EmailJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (m *MemoryStore) ListJobs(_ context.Context, f models.JobFilter) ([]*models.EmailJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.EmailJob
	for _, job := range m.jobs {
		if f.SenderID != "" && job.SenderID != f.SenderID {
			continue
		}
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		out = append(out, cloneJob(job))
	}

	slices.SortFunc(out, func(a, b *models.EmailJob) int {
		return a.ScheduledAt.Compare(b.ScheduledAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ListScheduled(ctx context.Context) ([]*models.EmailJob, error) {
	return m.ListJobs(ctx, models.JobFilter{Status: models.StatusScheduled})
}

// scheduled returns the live job if it is still SCHEDULED. Callers hold mu.
func (m *MemoryStore) scheduled(id string) (*models.EmailJob, error) {
	job, ok := m.jobs[id]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	if job.Status != models.StatusScheduled {
		return nil, fmt.Errorf("%w: %s", models.ErrTerminal, job.Status)
	}
	return job, nil
}

func (m *MemoryStore) Reschedule(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.scheduled(id)
	if err != nil {
		return err
	}
	job.ScheduledAt = at
	job.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) MarkSent(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.scheduled(id)
	if err != nil {
		return err
	}
	job.Status = models.StatusSent
	job.SentAt = &at
	job.Error = nil
	job.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) RecordFailure(_ context.Context, id string, errorMsg string) (*models.EmailJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.scheduled(id)
	if err != nil {
		return nil, err
	}
	job.RetryCount++
	job.Error = &errorMsg
	if job.RetryCount >= job.MaxRetries {
		job.Status = models.StatusFailed
	}
	job.UpdatedAt = m.now()
	return cloneJob(job), nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, id string, reason string) (*models.EmailJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", models.ErrTerminal, job.Status)
	}
	job.Status = models.StatusFailed
	job.Error = &reason
	job.UpdatedAt = m.now()
	return cloneJob(job), nil
}

func (m *MemoryStore) CountByStatus(_ context.Context, senderID string, since time.Time) (map[models.EmailStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[models.EmailStatus]int)
	for _, job := range m.jobs {
		if job.SenderID != senderID {
			continue
		}
		if !since.IsZero() && job.CreatedAt.Before(since) {
			continue
		}
		counts[job.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) GetSender(_ context.Context, id string) (*models.Sender, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sender, ok := m.senders[id]
	if !ok {
		return nil, models.ErrSenderNotFound
	}
	cp := *sender
	return &cp, nil
}

func (m *MemoryStore) CreateSender(_ context.Context, sender *models.Sender) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sender.ID == "" {
		sender.ID = uuid.NewString()
	}
	if _, dup := m.senders[sender.ID]; dup {
		return fmt.Errorf("insert sender: duplicate id %s", sender.ID)
	}
	now := m.now()
	sender.CreatedAt = now
	sender.UpdatedAt = now

	cp := *sender
	m.senders[sender.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateSenderLimits(_ context.Context, id string, hourlyLimit, delaySeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sender, ok := m.senders[id]
	if !ok {
		return models.ErrSenderNotFound
	}
	sender.HourlyLimit = hourlyLimit
	sender.DelaySeconds = delaySeconds
	sender.UpdatedAt = m.now()
	return nil
}

// SetSenderActive toggles a sender on or off.
func (m *MemoryStore) SetSenderActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sender, ok := m.senders[id]
	if !ok {
		return models.ErrSenderNotFound
	}
	sender.IsActive = active
	sender.UpdatedAt = m.now()
	return nil
}

func cloneJob(job *models.EmailJob) *models.EmailJob {
	cp := *job
	if job.SentAt != nil {
		t := *job.SentAt
		cp.SentAt = &t
	}
	if job.Error != nil {
		e := *job.Error
		cp.Error = &e
	}
	return &cp
}
