package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "rate_limit:sender:"

func windowKey(senderID string) string { return keyPrefix + senderID }

// RedisStore keeps each sender's window in a sorted set scored by the send
// time in milliseconds. Pruning and counting are server-side range
// operations, so concurrent workers never race on a read-modify-write.
type RedisStore struct {
	client redis.Cmdable
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps the client. The caller owns the client lifecycle.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Window(ctx context.Context, senderID string, cutoff time.Time) (int, time.Time, error) {
	key := windowKey(senderID)

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff.UnixMilli(), 10))
	card := pipe.ZCard(ctx, key)
	first := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, time.Time{}, err
	}

	var oldest time.Time
	if zs := first.Val(); len(zs) > 0 {
		oldest = time.UnixMilli(int64(zs[0].Score))
	}
	return int(card.Val()), oldest, nil
}

// Record adds the send with a unique member so that two sends in the same
// millisecond are both counted.
func (s *RedisStore) Record(ctx context.Context, senderID string, at time.Time, ttl time.Duration) error {
	key := windowKey(senderID)
	ms := at.UnixMilli()

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(ms),
		Member: strconv.FormatInt(ms, 10) + ":" + uuid.NewString(),
	})
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Reset(ctx context.Context, senderID string) error {
	return s.client.Del(ctx, windowKey(senderID)).Err()
}
