package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPollTimeout bounds each blocking pop so a cancelled context is
// noticed promptly.
const DefaultPollTimeout = time.Second

// Queue is a Redis list used as a FIFO: producers RPUSH, the single
// consumer BLPOPs.
type Queue struct {
	redis       redis.UniversalClient
	key         string
	pollTimeout time.Duration
}

// NewQueue returns a queue on key.
func NewQueue(redisClient redis.UniversalClient, key string, pollTimeout time.Duration) *Queue {
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	return &Queue{redis: redisClient, key: key, pollTimeout: pollTimeout}
}

// MailQueue is where the mail daemon pushes {email, token} notifications.
func (s *Store) MailQueue(pollTimeout time.Duration) *Queue {
	return NewQueue(s.redis, s.mailKey(), pollTimeout)
}

// ExpiredQueue carries reclaimed snapshots to the cancellation consumer.
func (s *Store) ExpiredQueue(pollTimeout time.Duration) *Queue {
	return NewQueue(s.redis, s.expiredKey(), pollTimeout)
}

// Key returns the Redis list key.
func (q *Queue) Key() string {
	return q.key
}

// Push appends payload to the tail of the queue.
func (q *Queue) Push(ctx context.Context, payload []byte) error {
	if err := q.redis.RPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Pop blocks until an item is available or ctx is done.
func (q *Queue) Pop(ctx context.Context) ([]byte, error) {
	for {
		if err := contextDone(ctx); err != nil {
			return nil, err
		}

		res, err := q.redis.BLPop(ctx, q.pollTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := contextDone(ctx); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if len(res) != 2 {
			continue
		}
		return []byte(res[1]), nil
	}
}

// Len returns the number of queued items.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.redis.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return n, nil
}

// contextDone also reports a passed deadline whose timer has not fired yet,
// since the connection deadline can trip first.
func contextDone(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		return context.DeadlineExceeded
	}
	return nil
}
