package models

import (
	"fmt"
	"time"
)

type EmailStatus string

// PENDING is reserved: the scheduler always creates jobs as SCHEDULED.
const (
	StatusPending   EmailStatus = "PENDING"
	StatusScheduled EmailStatus = "SCHEDULED"
	StatusSent      EmailStatus = "SENT"
	StatusFailed    EmailStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed from s.
func (s EmailStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s EmailStatus) Valid() bool {
	switch s {
	case StatusPending, StatusScheduled, StatusSent, StatusFailed:
		return true
	}
	return false
}

const DefaultMaxRetries = 3

const CancelReason = "Cancelled by user"

type EmailJob struct {
	ID        string `json:"id"`
	SenderID  string `json:"senderId"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`

	ScheduledAt time.Time  `json:"scheduledAt"`
	SentAt      *time.Time `json:"sentAt,omitempty"`

	Status     EmailStatus `json:"status"`
	Error      *string     `json:"error,omitempty"`
	RetryCount int         `json:"retryCount"`
	MaxRetries int         `json:"maxRetries"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RetriesExhausted reports whether the job has used its whole retry budget.
func (j *EmailJob) RetriesExhausted() bool {
	return j.RetryCount >= j.MaxRetries
}

type Sender struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	HourlyLimit  int       `json:"hourlyLimit"`
	DelaySeconds int       `json:"delaySeconds"`
	IsActive     bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Address renders the From header value, falling back to the bare
// address as the display name.
func (s *Sender) Address() string {
	name := s.Name
	if name == "" {
		name = s.Email
	}
	return fmt.Sprintf("%q <%s>", name, s.Email)
}

// SendDelay is the mandatory wait before each dispatch for this sender.
func (s *Sender) SendDelay(def time.Duration) time.Duration {
	if s.DelaySeconds <= 0 {
		return def
	}
	return time.Duration(s.DelaySeconds) * time.Second
}

// JobFilter selects jobs for listing. Zero values match everything.
type JobFilter struct {
	SenderID string
	Status   EmailStatus
	Limit    int
}
