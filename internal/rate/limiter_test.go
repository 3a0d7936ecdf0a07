package rate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, cfg Config) (*miniredis.Miniredis, *Limiter) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return mr, New(rdb, "ptu", cfg)
}

func TestAllowWithinWindow(t *testing.T) {
	mr, l := newTestLimiter(t, Config{MaxPerWindow: 2, Window: time.Minute})
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "dev"))
	require.NoError(t, l.Allow(ctx, "dev"))
	require.ErrorIs(t, l.Allow(ctx, "dev"), ErrRateLimited)

	// budgets are per environment
	require.NoError(t, l.Allow(ctx, "stage"))

	used, err := l.Used(ctx, "dev")
	require.NoError(t, err)
	require.Equal(t, 3, used)

	mr.FastForward(time.Minute + time.Second)
	require.NoError(t, l.Allow(ctx, "dev"))
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	mr, l := newTestLimiter(t, Config{})
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Allow(context.Background(), "dev"))
	}
	require.False(t, mr.Exists("ptu:provision:dev"))

	var nilLimiter *Limiter
	require.NoError(t, nilLimiter.Allow(context.Background(), "dev"))
}

func TestUnavailableRedis(t *testing.T) {
	mr, l := newTestLimiter(t, Config{MaxPerWindow: 1, Window: time.Minute})
	mr.Close()
	require.ErrorIs(t, l.Allow(context.Background(), "dev"), ErrRedisUnavailable)
}
