package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/testuser"
	"github.com/MrEthical07/testuser/idp"
	"github.com/MrEthical07/testuser/idp/idptest"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	var (
		accounts    = flag.Int("accounts", 500, "accounts to provision")
		concurrency = flag.Int("concurrency", 32, "number of concurrent workers")
		assertions  = flag.Int("assertions", 200, "assertions to issue against provisioned accounts")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "ptu-load", "redis key prefix")
	)
	flag.Parse()

	if *accounts <= 0 || *concurrency <= 0 || *assertions < 0 {
		fmt.Fprintln(os.Stderr, "accounts and concurrency must be > 0, assertions >= 0")
		os.Exit(2)
	}

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	fake := idptest.NewServer(idp.EnvLocal)
	defer fake.Close()

	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := testuser.DefaultConfig()
	cfg.Redis.Prefix = *prefix
	cfg.Accounts.WaitTimeout = 30 * time.Second
	cfg.Lifecycle.DisableSweeper = true
	cfg.RateLimit.MaxPerWindow = 0
	cfg.Assertion.KeyBits = 1024
	cfg.Events.RecordStream = false

	engine, err := testuser.New().
		WithConfig(cfg).
		WithRedis(client).
		WithLogger(log).
		WithEnvironment(fake.Environment()).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	fake.OnStage(func(email, token string) {
		_ = engine.EnqueueNotification(context.Background(), email, token)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	provisionStats, created := runProvisionPhase(ctx, engine, *accounts, *concurrency)
	var assertionStats phaseStats
	if *assertions > 0 && len(created) > 0 {
		assertionStats = runAssertionPhase(ctx, engine, created, *assertions, *concurrency)
	}

	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "engine stopped: %v\n", err)
	}

	fmt.Println("---- results ----")
	printStats("provision", provisionStats)
	if *assertions > 0 {
		printStats("assertion", assertionStats)
	}
}

func runProvisionPhase(ctx context.Context, engine *testuser.Engine, ops, concurrency int) (phaseStats, []*testuser.Account) {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		created   = make([]*testuser.Account, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				t0 := time.Now()
				acct, err := engine.ProvisionVerified(ctx, idp.EnvLocal)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				if acct != nil {
					created = append(created, acct)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures), created
}

func runAssertionPhase(ctx context.Context, engine *testuser.Engine, created []*testuser.Account, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				acct := created[i%len(created)]
				t0 := time.Now()
				_, err := engine.GetAssertion(ctx, testuser.AssertionRequest{
					Email:    acct.Email,
					Pass:     acct.Pass,
					Env:      acct.Env,
					Audience: "http://loadtest.example",
				})
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
