package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is one entry of an email's event stream.
type Event struct {
	Text string
	At   time.Time
}

// AppendEvent adds text to email's event stream at the given instant.
// Identical texts collapse to their latest instant.
func (s *Store) AppendEvent(ctx context.Context, email string, at time.Time, text string) error {
	err := s.redis.ZAdd(ctx, s.eventsKey(email), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: text,
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Events returns email's events at or after since, oldest first.
func (s *Store) Events(ctx context.Context, email string, since time.Time) ([]Event, error) {
	res, err := s.redis.ZRangeByScoreWithScores(ctx, s.eventsKey(email), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	out := make([]Event, 0, len(res))
	for _, z := range res {
		text, _ := z.Member.(string)
		out = append(out, Event{Text: text, At: time.UnixMilli(int64(z.Score))})
	}
	return out, nil
}
