package email

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrz1836/postmark"
)

var ErrInvalidConfig = errors.New("email: invalid configuration")

type PostmarkTransport struct {
	client *postmark.Client
}

// NewPostmarkTransport creates a Postmark-backed transport. Each sender's
// address must be a confirmed Postmark sender signature.
func NewPostmarkTransport(serverToken, accountToken string) (*PostmarkTransport, error) {
	if serverToken == "" {
		return nil, fmt.Errorf("%w: postmark server token is required", ErrInvalidConfig)
	}
	return &PostmarkTransport{client: postmark.NewClient(serverToken, accountToken)}, nil
}

// WithBaseURL points the client at another API endpoint.
func (p *PostmarkTransport) WithBaseURL(url string) *PostmarkTransport {
	p.client.BaseURL = url
	return p
}

func (p *PostmarkTransport) Send(ctx context.Context, msg Message) (string, error) {
	if err := msg.validate(); err != nil {
		return "", err
	}

	resp, err := p.client.SendEmail(ctx, postmark.Email{
		From:     msg.From,
		To:       msg.To,
		Subject:  msg.Subject,
		TextBody: msg.Text,
		HTMLBody: msg.htmlBody(),
	})
	if err != nil {
		return "", fmt.Errorf("postmark send error: %w", err)
	}
	if resp.ErrorCode > 0 {
		return "", fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message)
	}
	return resp.MessageID, nil
}
