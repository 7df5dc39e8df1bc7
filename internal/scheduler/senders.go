package scheduler

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"PacedSend/internal/models"
)

type NewSender struct {
	Email        string `json:"email" validate:"required,email"`
	Name         string `json:"name"`
	HourlyLimit  int    `json:"hourlyLimit" validate:"min=1,max=1000"`
	DelaySeconds int    `json:"delaySeconds" validate:"min=1,max=60"`
}

// SenderUpdate changes only the fields that are set.
type SenderUpdate struct {
	HourlyLimit  *int  `json:"hourlyLimit" validate:"omitempty,min=1,max=1000"`
	DelaySeconds *int  `json:"delaySeconds" validate:"omitempty,min=1,max=60"`
	IsActive     *bool `json:"isActive"`
}

func (s *Service) CreateSender(ctx context.Context, in NewSender) (*models.Sender, error) {
	in.Email = strings.TrimSpace(in.Email)
	if in.HourlyLimit == 0 {
		in.HourlyLimit = DefaultHourlyLimit
	}
	if in.DelaySeconds == 0 {
		in.DelaySeconds = DefaultDelaySeconds
	}
	if err := s.check(in); err != nil {
		return nil, err
	}

	sender := &models.Sender{
		Email:        in.Email,
		Name:         in.Name,
		HourlyLimit:  in.HourlyLimit,
		DelaySeconds: in.DelaySeconds,
		IsActive:     true,
	}
	if err := s.store.CreateSender(ctx, sender); err != nil {
		return nil, err
	}

	s.log.Info("sender created", zap.String("sender_id", sender.ID))
	return sender, nil
}

func (s *Service) Sender(ctx context.Context, id string) (*models.Sender, error) {
	return s.store.GetSender(ctx, id)
}

// UpdateSender applies limit and activation changes. Jobs already scheduled
// pick up new limits on their next dispatch.
func (s *Service) UpdateSender(ctx context.Context, id string, in SenderUpdate) (*models.Sender, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}

	sender, err := s.store.GetSender(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.HourlyLimit != nil || in.DelaySeconds != nil {
		hourly, delay := sender.HourlyLimit, sender.DelaySeconds
		if in.HourlyLimit != nil {
			hourly = *in.HourlyLimit
		}
		if in.DelaySeconds != nil {
			delay = *in.DelaySeconds
		}
		if err := s.store.UpdateSenderLimits(ctx, id, hourly, delay); err != nil {
			return nil, err
		}
	}
	if in.IsActive != nil {
		if err := s.store.SetSenderActive(ctx, id, *in.IsActive); err != nil {
			return nil, err
		}
	}

	return s.store.GetSender(ctx, id)
}
