package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScan is the page size used when walking ready entries past ids that
// are still leased.
const claimScan = 32

// Each entry lives in a hash {payload, attempts, lease}; its ready-at time
// is the score in the delayed set and its lease deadline the score in the
// active set. lease is a fencing token bumped on every hand-off and reclaim.
//
// Claiming removes non-leased ids from the range as it goes, so the next
// page starts after the leased ids skipped so far.

var claimScript = redis.NewScript(`
local page = tonumber(ARGV[4])
local skipped = 0
while true do
  local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', skipped, page)
  for _, id in ipairs(ids) do
    if redis.call('ZSCORE', KEYS[2], id) then
      skipped = skipped + 1
    else
      redis.call('ZREM', KEYS[1], id)
      local key = ARGV[3] .. id
      local payload = redis.call('HGET', key, 'payload')
      if payload then
        redis.call('ZADD', KEYS[2], ARGV[2], id)
        local token = redis.call('HINCRBY', key, 'lease', 1)
        local attempts = redis.call('HGET', key, 'attempts') or '0'
        return {id, token, payload, attempts}
      end
    end
  end
  if #ids < page then
    return false
  end
end
`)

var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[2] .. id
  if redis.call('EXISTS', key) == 1 then
    redis.call('HINCRBY', key, 'lease', 1)
    redis.call('ZADD', KEYS[2], 'NX', ARGV[1], id)
  end
end
return #ids
`)

var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], 'lease') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
if not redis.call('ZSCORE', KEYS[2], ARGV[1]) then
  redis.call('DEL', KEYS[3])
  redis.call('INCR', KEYS[4])
end
return 1
`)

var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], 'lease') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
if ARGV[4] == '1' then
  redis.call('ZREM', KEYS[2], ARGV[1])
  redis.call('DEL', KEYS[3])
  redis.call('INCR', KEYS[4])
  return 1
end
redis.call('HSET', KEYS[3], 'attempts', ARGV[3])
redis.call('ZADD', KEYS[2], 'NX', ARGV[5], ARGV[1])
return 1
`)

// RedisQueue is a delay queue shared by every process pointed at the same
// Redis. All state transitions run as Lua scripts so a claim is handed to
// exactly one consumer.
type RedisQueue struct {
	client redis.UniversalClient
	prefix string
	opts   Options
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a queue under the given name. The caller owns the
// client lifecycle.
func NewRedisQueue(client redis.UniversalClient, name string, opts Options) *RedisQueue {
	return &RedisQueue{
		client: client,
		prefix: "mailq:{" + name + "}:",
		opts:   opts.withDefaults(),
	}
}

func (q *RedisQueue) delayedKey() string { return q.prefix + "delayed" }
func (q *RedisQueue) activeKey() string { return q.prefix + "active" }
func (q *RedisQueue) completedKey() string { return q.prefix + "completed" }
func (q *RedisQueue) failedKey() string { return q.prefix + "failed" }
func (q *RedisQueue) entryPrefix() string { return q.prefix + "job:" }
func (q *RedisQueue) entryKey(id string) string { return q.entryPrefix() + id }

func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, readyAt time.Time, p Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("queue: encode payload: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.entryKey(jobID), "payload", string(data))
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(readyAt.UnixMilli()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", jobID, err)
	}
	return nil
}

func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.delayedKey(), jobID)
	pipe.ZRem(ctx, q.activeKey(), jobID)
	pipe.Del(ctx, q.entryKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: remove %s: %w", jobID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		d, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.opts.PollInterval):
		}
	}
}

func (q *RedisQueue) claim(ctx context.Context) (*Delivery, error) {
	now := q.opts.Now().UnixMilli()

	err := reclaimScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.delayedKey()},
		now, q.entryPrefix(),
	).Err()
	if err != nil {
		return nil, fmt.Errorf("queue: reclaim leases: %w", err)
	}

	res, err := claimScript.Run(ctx, q.client,
		[]string{q.delayedKey(), q.activeKey()},
		now, now+q.opts.LeaseTimeout.Milliseconds(), q.entryPrefix(), claimScan,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("queue: claim: unexpected reply of %d elements", len(res))
	}

	id, _ := res[0].(string)
	token, _ := res[1].(int64)
	raw, _ := res[2].(string)
	attempts, _ := strconv.Atoi(fmt.Sprint(res[3]))

	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("queue: decode payload of %s: %w", id, err)
	}

	return &Delivery{JobID: id, Payload: p, Attempts: attempts, token: token}, nil
}

func (q *RedisQueue) Complete(ctx context.Context, d *Delivery) error {
	ok, err := completeScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.delayedKey(), q.entryKey(d.JobID), q.completedKey()},
		d.JobID, d.token,
	).Int()
	if err != nil {
		return fmt.Errorf("queue: complete %s: %w", d.JobID, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, d *Delivery, terminal bool) (time.Time, error) {
	attempts, retryAt, drop := q.opts.retryPlan(d, terminal)

	flag := "0"
	if drop {
		flag = "1"
	}

	ok, err := failScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.delayedKey(), q.entryKey(d.JobID), q.failedKey()},
		d.JobID, d.token, attempts, flag, retryAt.UnixMilli(),
	).Int()
	if err != nil {
		return time.Time{}, fmt.Errorf("queue: fail %s: %w", d.JobID, err)
	}
	if ok == 0 {
		return time.Time{}, ErrLeaseLost
	}
	return retryAt, nil
}

func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	now := strconv.FormatInt(q.opts.Now().UnixMilli(), 10)

	pipe := q.client.Pipeline()
	waiting := pipe.ZCount(ctx, q.delayedKey(), "-inf", now)
	delayed := pipe.ZCount(ctx, q.delayedKey(), "("+now, "+inf")
	active := pipe.ZCard(ctx, q.activeKey())
	completed := pipe.Get(ctx, q.completedKey())
	failed := pipe.Get(ctx, q.failedKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Counts{}, fmt.Errorf("queue: counts: %w", err)
	}

	c := Counts{
		Waiting: waiting.Val(),
		Delayed: delayed.Val(),
		Active:  active.Val(),
	}
	c.Completed, _ = completed.Int64()
	c.Failed, _ = failed.Int64()
	return c, nil
}
