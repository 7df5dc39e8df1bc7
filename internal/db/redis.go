package db

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewRedis parses a redis:// URL and waits for the server the same way New
// waits for Postgres.
func NewRedis(ctx context.Context, url string, logger *zap.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = time.Minute

	ping := func() error {
		return client.Ping(ctx).Err()
	}
	err = backoff.RetryNotify(ping, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		logger.Warn("redis not ready, retrying",
			zap.Duration("next", next),
			zap.Error(err),
		)
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}
