package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds the provisioning budget.
type Config struct {
	MaxPerWindow int
	Window       time.Duration
}

// Limiter enforces the per-environment provisioning budget.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
	config Config
}

// New creates a [Limiter] whose keys live under prefix.
func New(redisClient redis.UniversalClient, prefix string, cfg Config) *Limiter {
	return &Limiter{
		redis:  redisClient,
		prefix: prefix,
		config: cfg,
	}
}

// Enabled reports whether the limiter refuses anything at all.
func (l *Limiter) Enabled() bool {
	return l != nil && l.config.MaxPerWindow > 0 && l.config.Window > 0
}

// Allow spends one unit of env's budget, returning [ErrRateLimited] once the
// window's budget is gone.
func (l *Limiter) Allow(ctx context.Context, env string) error {
	if !l.Enabled() {
		return nil
	}

	count, err := l.incrementWithTTL(ctx, l.key(env), l.config.Window)
	if err != nil {
		return err
	}
	if count > int64(l.config.MaxPerWindow) {
		return fmt.Errorf("%w: %s", ErrRateLimited, env)
	}
	return nil
}

// Used returns how much of env's budget the current window has consumed.
func (l *Limiter) Used(ctx context.Context, env string) (int, error) {
	count, err := l.redis.Get(ctx, l.key(env)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

func (l *Limiter) key(env string) string {
	return l.prefix + ":provision:" + env
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed window: TTL only on the first hit.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}
	return count, nil
}
