package email

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogTransport writes messages to the log instead of delivering them. It is
// meant for local runs.
type LogTransport struct {
	Log *zap.Logger
}

func (l *LogTransport) Send(_ context.Context, msg Message) (string, error) {
	if err := msg.validate(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	l.Log.Info("email delivered to log",
		zap.String("message_id", id),
		zap.String("from", msg.From),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("text_bytes", len(msg.Text)),
	)
	return id, nil
}
