//go:build integration

package store

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// redisMode is one Redis backend the compatibility suite runs against.
type redisMode struct {
	name  string
	setup func(t *testing.T) redis.UniversalClient
}

// redisModes always includes miniredis. A standalone server is added when
// REDIS_ADDR is set and a sentinel-managed one when REDIS_SENTINEL_ADDRS is.
// Cluster is not listed: the scripts touch several unrelated keys.
func redisModes() []redisMode {
	modes := []redisMode{{
		name: "miniredis",
		setup: func(t *testing.T) redis.UniversalClient {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })
			return rdb
		},
	}}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		modes = append(modes, redisMode{
			name: "standalone:" + addr,
			setup: func(t *testing.T) redis.UniversalClient {
				return connect(t, redis.NewClient(&redis.Options{Addr: addr}))
			},
		})
	}

	if addrs := os.Getenv("REDIS_SENTINEL_ADDRS"); addrs != "" {
		master := os.Getenv("REDIS_SENTINEL_MASTER")
		if master == "" {
			master = "mymaster"
		}
		modes = append(modes, redisMode{
			name: "sentinel",
			setup: func(t *testing.T) redis.UniversalClient {
				return connect(t, redis.NewFailoverClient(&redis.FailoverOptions{
					MasterName:    master,
					SentinelAddrs: splitAddrs(addrs),
				}))
			},
		})
	}

	return modes
}

func connect(t *testing.T, rdb redis.UniversalClient) redis.UniversalClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("cannot connect to Redis: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func splitAddrs(s string) []string {
	var addrs []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	return addrs
}

// compatPrefix keeps runs against shared servers apart.
func compatPrefix() string {
	return "ptu-compat-" + time.Now().Format("150405.000000")
}

func TestCompatAccountLifecycle(t *testing.T) {
	for _, mode := range redisModes() {
		t.Run(mode.name, func(t *testing.T) {
			rdb := mode.setup(t)
			s := NewStore(rdb, compatPrefix())
			ctx := context.Background()
			email := "compat@test.domain"
			expires := time.Now().Add(time.Hour).Truncate(time.Millisecond)

			require.NoError(t, s.Stage(ctx, testRecord(email, expires)))
			require.ErrorIs(t, s.Stage(ctx, testRecord(email, expires)), ErrExists)
			require.NoError(t, s.AttachToken(ctx, email, "tok"))
			require.NoError(t, s.Promote(ctx, email))
			require.NoError(t, s.Promote(ctx, email))

			state, err := s.State(ctx, email)
			require.NoError(t, err)
			require.Equal(t, StateValid, state)

			later := expires.Add(time.Hour)
			got, err := s.Extend(ctx, email, later)
			require.NoError(t, err)
			require.True(t, got.Equal(later))
			got, err = s.Extend(ctx, email, expires)
			require.NoError(t, err)
			require.True(t, got.Equal(later))

			snap, err := s.Reclaim(ctx, email, time.Now())
			require.NoError(t, err)
			require.Equal(t, email, snap.Email)

			_, err = s.Get(ctx, email)
			require.ErrorIs(t, err, ErrNotFound)

			q := s.ExpiredQueue(time.Second)
			payload, err := q.Pop(ctx)
			require.NoError(t, err)
			var queued Snapshot
			require.NoError(t, json.Unmarshal(payload, &queued))
			require.Equal(t, snap.ID, queued.ID)

			require.NoError(t, rdb.Del(ctx, s.sequenceKey()).Err())
		})
	}
}

func TestCompatQueuePopHonoursContext(t *testing.T) {
	for _, mode := range redisModes() {
		t.Run(mode.name, func(t *testing.T) {
			s := NewStore(mode.setup(t), compatPrefix())
			q := s.MailQueue(time.Second)

			ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
			defer cancel()
			_, err := q.Pop(ctx)
			require.Error(t, err)
		})
	}
}
