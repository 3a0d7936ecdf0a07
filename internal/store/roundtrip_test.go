package store

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// cmdCounter is a go-redis hook counting commands and pipeline round trips.
type cmdCounter struct {
	commands  atomic.Int64
	pipelines atomic.Int64
}

func (h *cmdCounter) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (h *cmdCounter) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		h.commands.Add(1)
		return next(ctx, cmd)
	}
}

func (h *cmdCounter) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		h.pipelines.Add(1)
		h.commands.Add(int64(len(cmds)))
		return next(ctx, cmds)
	}
}

func (h *cmdCounter) Reset() {
	h.commands.Store(0)
	h.pipelines.Store(0)
}

func newCountedStore(t *testing.T) (*Store, *cmdCounter) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	counter := &cmdCounter{}
	rdb.AddHook(counter)
	require.NoError(t, rdb.Ping(context.Background()).Err())
	counter.Reset()

	return NewStore(rdb, "ptu"), counter
}

// Scripted mutations cost one EVALSHA, plus an EVAL on a cold script cache.
func TestScriptedMutationsRoundTrips(t *testing.T) {
	s, counter := newCountedStore(t)
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	counter.Reset()
	require.NoError(t, s.Stage(ctx, testRecord("rt1@test.domain", expires)))
	require.LessOrEqual(t, counter.commands.Load(), int64(2))

	counter.Reset()
	require.NoError(t, s.Promote(ctx, "rt1@test.domain"))
	require.LessOrEqual(t, counter.commands.Load(), int64(2))

	// Warm scripts cost exactly one command.
	require.NoError(t, s.Stage(ctx, testRecord("rt2@test.domain", expires)))
	counter.Reset()
	require.NoError(t, s.Promote(ctx, "rt2@test.domain"))
	require.Equal(t, int64(1), counter.commands.Load())

	counter.Reset()
	_, err := s.Extend(ctx, "rt2@test.domain", expires.Add(time.Hour))
	require.NoError(t, err)
	require.LessOrEqual(t, counter.commands.Load(), int64(2))
}

// Reads over both indices share one round trip.
func TestIndexReadsUseOnePipeline(t *testing.T) {
	s, counter := newCountedStore(t)
	ctx := context.Background()
	require.NoError(t, s.Stage(ctx, testRecord("rt@test.domain", time.Now().Add(-time.Minute))))

	counter.Reset()
	state, err := s.State(ctx, "rt@test.domain")
	require.NoError(t, err)
	require.Equal(t, StateStaging, state)
	require.Equal(t, int64(1), counter.pipelines.Load())
	require.Equal(t, int64(2), counter.commands.Load())

	counter.Reset()
	expired, err := s.RangeExpired(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, []string{"rt@test.domain"}, expired)
	require.Equal(t, int64(1), counter.pipelines.Load())

	counter.Reset()
	require.NoError(t, s.Delete(ctx, "rt@test.domain"))
	require.Equal(t, int64(1), counter.pipelines.Load())
}
