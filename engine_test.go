package testuser

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/testuser/assertion"
	"github.com/MrEthical07/testuser/idp"
	"github.com/MrEthical07/testuser/idp/idptest"
	"github.com/MrEthical07/testuser/internal/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	mr     *miniredis.Miniredis
	idp    *idptest.Server
	engine *Engine
	clock  *testClock
	start  time.Time
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.Accounts.Domain = "test.domain"
	cfg.Accounts.WaitTimeout = 3 * time.Second
	cfg.Lifecycle.DisableSweeper = true
	cfg.Lifecycle.CancelInterval = 10 * time.Millisecond
	cfg.Assertion.KeyBits = 1024
	cfg.RateLimit.MaxPerWindow = 0
	cfg.Environments = map[string]idp.Environment{}
	return cfg
}

// newHarness builds an engine against miniredis and a fake IdP registered
// as the "local" environment. The fake IdP's confirmation mail is delivered
// straight onto the inbound queue, and the lifecycle loops are running.
func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	srv := idptest.NewServer(idp.EnvLocal)

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	start := time.Now()
	clock := &testClock{now: start}
	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithLogger(quietLogger()).
		WithClock(clock.Now).
		WithEnvironment(srv.Environment()).
		Build()
	require.NoError(t, err)

	srv.OnStage(func(email, token string) {
		_ = engine.EnqueueNotification(context.Background(), email, token)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("engine did not stop")
		}
		engine.Close()
		srv.Close()
		_ = rdb.Close()
		mr.Close()
	})

	return &harness{mr: mr, idp: srv, engine: engine, clock: clock, start: start}
}

func (h *harness) eventTexts(t *testing.T, email string) []string {
	t.Helper()
	recs, err := h.engine.Events(context.Background(), email, h.start.Add(-time.Second))
	require.NoError(t, err)
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Text)
	}
	return out
}

func TestProvisionVerifiedEndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	acct, err := h.engine.ProvisionVerified(ctx, idp.EnvLocal)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(acct.Email, "@test.domain"))
	require.Len(t, acct.Pass, 16)
	require.Empty(t, acct.Token)
	require.Equal(t, StateValid, acct.State)
	require.Equal(t, h.start.Add(time.Hour).UnixMilli(), acct.Expires.UnixMilli())

	user, ok := h.idp.User(acct.Email)
	require.True(t, ok)
	require.True(t, user.Verified)

	stored, err := h.engine.GetAccount(ctx, acct.Email)
	require.NoError(t, err)
	require.Equal(t, StateValid, stored.State)
	require.Equal(t, acct.Expires, stored.Expires)

	require.Eventually(t, func() bool {
		texts := h.eventTexts(t, acct.Email)
		return contains(texts, EventStaged) && contains(texts, EventVerified) && contains(texts, EventReady)
	}, 2*time.Second, 10*time.Millisecond)

	snap := h.engine.MetricsSnapshot()
	require.Equal(t, uint64(1), snap.Counters[MetricProvisionVerified])
	require.Equal(t, uint64(1), snap.Counters[MetricVerifySuccess])
	require.Len(t, snap.Histograms[MetricProvisionWaitLatency], histBucketCount)
}

func TestProvisionUnverifiedReturnsToken(t *testing.T) {
	h := newHarness(t, nil)

	acct, err := h.engine.ProvisionUnverified(context.Background(), idp.EnvLocal)
	require.NoError(t, err)
	require.NotEmpty(t, acct.Token)
	require.Equal(t, StateStaging, acct.State)

	user, ok := h.idp.User(acct.Email)
	require.True(t, ok)
	require.False(t, user.Verified)
	require.Equal(t, user.Token, acct.Token)
	require.Zero(t, h.idp.Calls("/wsapi/complete_user_creation"))
}

func TestProvisionTimesOutAndReleasesWaiter(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Accounts.WaitTimeout = 150 * time.Millisecond
	})
	stagedCh := make(chan string, 1)
	h.idp.OnStage(func(email, _ string) { stagedCh <- email })

	_, err := h.engine.ProvisionVerified(context.Background(), idp.EnvLocal)
	require.ErrorIs(t, err, ErrTimeout)
	require.Zero(t, h.engine.waiters.Len())
	require.Equal(t, uint64(1), h.engine.MetricsSnapshot().Counters[MetricProvisionTimeout])

	// The account stays staged for the sweeper.
	staged := <-stagedCh
	acct, err := h.engine.GetAccount(context.Background(), staged)
	require.NoError(t, err)
	require.Equal(t, StateStaging, acct.State)
}

func TestProvisionSurfacesFlooding(t *testing.T) {
	h := newHarness(t, nil)
	h.idp.ForceStatus("/wsapi/stage_user", 429)

	_, err := h.engine.ProvisionVerified(context.Background(), idp.EnvLocal)
	require.ErrorIs(t, err, ErrFlooding)
	require.Zero(t, h.engine.waiters.Len())

	staged, err := h.mr.ZMembers("ptu:emails:staging")
	if err != nil {
		require.ErrorIs(t, err, miniredis.ErrKeyNotFound)
	}
	require.Empty(t, staged)

	snap := h.engine.MetricsSnapshot()
	require.Equal(t, uint64(1), snap.Counters[MetricIdPFlooding])
	require.Equal(t, uint64(1), snap.Counters[MetricProvisionFailure])
}

func TestProvisionReportsVerificationFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.idp.ForceStatus("/wsapi/complete_user_creation", 500)

	_, err := h.engine.ProvisionVerified(context.Background(), idp.EnvLocal)
	require.ErrorIs(t, err, ErrVerificationFailed)

	var perr *ProtocolError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, 500, perr.Status)
	require.Equal(t, uint64(1), h.engine.MetricsSnapshot().Counters[MetricVerifyFailure])
}

func TestProvisionRateLimited(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.RateLimit = RateLimitConfig{MaxPerWindow: 1, Window: time.Minute}
	})

	_, err := h.engine.ProvisionUnverified(context.Background(), idp.EnvLocal)
	require.NoError(t, err)

	_, err = h.engine.ProvisionUnverified(context.Background(), idp.EnvLocal)
	require.ErrorIs(t, err, ErrProvisionRateLimited)
	require.Equal(t, uint64(1), h.engine.MetricsSnapshot().Counters[MetricProvisionRateLimited])
}

func TestProvisionUnknownEnvironment(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.ProvisionVerified(context.Background(), "nowhere")
	require.ErrorIs(t, err, ErrUnknownEnvironment)
}

func TestSweepReclaimsAndCancelsRemotely(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	acct, err := h.engine.ProvisionVerified(ctx, idp.EnvLocal)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return contains(h.eventTexts(t, acct.Email), EventReady)
	}, 2*time.Second, 10*time.Millisecond)

	n, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	h.clock.Advance(time.Hour + time.Minute)
	n, err = h.engine.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = h.engine.GetAccount(ctx, acct.Email)
	require.ErrorIs(t, err, ErrAccountNotFound)

	require.Eventually(t, func() bool {
		u, _ := h.idp.User(acct.Email)
		return u.Cancelled
	}, 3*time.Second, 10*time.Millisecond)

	n, err = h.engine.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	require.Eventually(t, func() bool {
		return h.engine.MetricsSnapshot().Counters[MetricRemoteCancelSuccess] == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, uint64(1), h.engine.MetricsSnapshot().Counters[MetricAccountReclaimed])
	require.False(t, h.mr.Exists("ptu:events:"+acct.Email))
}

func TestCancelAccountChecksPassword(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	acct, err := h.engine.ProvisionVerified(ctx, idp.EnvLocal)
	require.NoError(t, err)

	require.ErrorIs(t, h.engine.CancelAccount(ctx, acct.Email, "wrong"), ErrPasswordMismatch)
	require.ErrorIs(t, h.engine.CancelAccount(ctx, "nobody1@test.domain", "x"), ErrAccountNotFound)

	require.NoError(t, h.engine.CancelAccount(ctx, acct.Email, acct.Pass))
	_, err = h.engine.GetAccount(ctx, acct.Email)
	require.ErrorIs(t, err, ErrAccountNotFound)

	require.Eventually(t, func() bool {
		u, _ := h.idp.User(acct.Email)
		return u.Cancelled
	}, 3*time.Second, 10*time.Millisecond)
}

func TestGetAssertionIssuesVerifiableBundle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	acct, err := h.engine.ProvisionVerified(ctx, idp.EnvLocal)
	require.NoError(t, err)

	bundle, err := h.engine.GetAssertion(ctx, AssertionRequest{
		Email:    acct.Email,
		Pass:     acct.Pass,
		Env:      idp.EnvLocal,
		Audience: "http://rp.example",
		Duration: 10 * time.Minute,
	})
	require.NoError(t, err)
	require.Equal(t, h.start.Add(10*time.Minute), bundle.ExpiresAt)

	cert, err := assertion.VerifyCertificate(bundle.Certificate, h.idp.PublicKey())
	require.NoError(t, err)
	require.Equal(t, acct.Email, cert.Email)

	claims, err := assertion.Verify(bundle.Assertion, cert.PublicKey, time.Now())
	require.NoError(t, err)
	require.Equal(t, "http://rp.example", claims.Audience)

	certs, signed, err := assertion.SplitBundle(bundle.Bundle)
	require.NoError(t, err)
	require.Equal(t, []string{bundle.Certificate}, certs)
	require.Equal(t, bundle.Assertion, signed)

	stored, err := h.engine.store.Get(ctx, acct.Email)
	require.NoError(t, err)
	require.Equal(t, bundle.PublicKey, stored.PublicKey)
	require.NotEmpty(t, stored.SecretKey)
}

func TestGetAssertionWithoutSessionContext(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.engine.store.Stage(ctx, &store.Record{
		Email:   "alice1@test.domain",
		Pass:    "pw123456789abcde",
		Expires: h.start.Add(time.Hour),
		Env:     idp.EnvLocal,
	}))

	_, err := h.engine.GetAssertion(ctx, AssertionRequest{
		Email:    "alice1@test.domain",
		Pass:     "pw123456789abcde",
		Env:      idp.EnvLocal,
		Audience: "http://rp.example",
	})
	require.ErrorIs(t, err, ErrNoSessionContext)
	require.Zero(t, h.idp.Calls("/wsapi/cert_key"))
}

func TestGetAssertionValidatesRequest(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.GetAssertion(context.Background(), AssertionRequest{Email: "a1@test.domain"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = h.engine.GetAssertion(context.Background(), AssertionRequest{
		Email: "a1@test.domain", Pass: "x", Env: idp.EnvLocal, Audience: "rp", Duration: -time.Second,
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestExtendAccountNeverShortens(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	email := "bob1@test.domain"

	require.NoError(t, h.engine.store.Stage(ctx, &store.Record{
		Email: email, Pass: "p", Expires: h.start.Add(time.Hour), Env: idp.EnvLocal,
	}))

	later := h.start.Add(3 * time.Hour)
	require.NoError(t, h.engine.ExtendAccount(ctx, email, later))
	acct, err := h.engine.GetAccount(ctx, email)
	require.NoError(t, err)
	require.Equal(t, later.UnixMilli(), acct.Expires.UnixMilli())

	require.NoError(t, h.engine.ExtendAccount(ctx, email, h.start))
	acct, err = h.engine.GetAccount(ctx, email)
	require.NoError(t, err)
	require.Equal(t, later.UnixMilli(), acct.Expires.UnixMilli())

	require.ErrorIs(t, h.engine.ExtendAccount(ctx, "ghost1@test.domain", later), ErrAccountNotFound)
}

func TestDeleteAccount(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	acct, err := h.engine.ProvisionUnverified(ctx, idp.EnvLocal)
	require.NoError(t, err)

	require.NoError(t, h.engine.DeleteAccount(ctx, acct.Email))
	_, err = h.engine.GetAccount(ctx, acct.Email)
	require.ErrorIs(t, err, ErrAccountNotFound)
	require.NoError(t, h.engine.DeleteAccount(ctx, acct.Email))

	// Local deletion leaves the IdP account alone.
	u, ok := h.idp.User(acct.Email)
	require.True(t, ok)
	require.False(t, u.Cancelled)
}

func TestMalformedAndOrphanNotificationsAreCounted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.engine.mailq.Push(ctx, []byte("not json")))
	require.NoError(t, h.engine.EnqueueNotification(ctx, "ghost1@test.domain", "tok"))

	require.Eventually(t, func() bool {
		c := h.engine.MetricsSnapshot().Counters
		return c[MetricNotificationMalformed] == 1 && c[MetricNotificationOrphan] == 1
	}, 3*time.Second, 10*time.Millisecond)

	// The consumer keeps going after bad items.
	_, err := h.engine.ProvisionVerified(ctx, idp.EnvLocal)
	require.NoError(t, err)
}

func TestRepeatNotificationForLiveAccountIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	acct, err := h.engine.ProvisionVerified(ctx, idp.EnvLocal)
	require.NoError(t, err)
	require.NoError(t, h.engine.EnqueueNotification(ctx, acct.Email, "tok-late"))

	require.Eventually(t, func() bool {
		return h.engine.MetricsSnapshot().Counters[MetricNotificationOrphan] == 1
	}, 3*time.Second, 10*time.Millisecond)
	require.Zero(t, h.engine.MetricsSnapshot().Counters[MetricVerifyFailure])

	rec, err := h.engine.store.Get(ctx, acct.Email)
	require.NoError(t, err)
	require.NotEqual(t, "tok-late", rec.Token)
}

func TestRunOnlyOnce(t *testing.T) {
	h := newHarness(t, nil)

	require.Eventually(t, func() bool { return h.engine.running.Load() }, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, h.engine.Run(context.Background()), ErrAlreadyRunning)
}

func TestCorrelationIDReachesEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	sink := NewChannelSink(64)
	engine, err := New().
		WithConfig(testConfig()).
		WithRedis(rdb).
		WithLogger(quietLogger()).
		WithEnvironment(idp.Environment{Name: idp.EnvLocal, BaseURL: "http://127.0.0.1:1"}).
		WithEventSink(sink).
		Build()
	require.NoError(t, err)
	defer engine.Close()

	ctx := WithCorrelationID(context.Background(), "req-42")
	require.NoError(t, engine.DeleteAccount(ctx, "carol1@test.domain"))

	select {
	case ev := <-sink.Events():
		require.Equal(t, EventDeleted, ev.Type)
		require.Equal(t, "req-42", ev.Metadata["correlation_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestClosedEngineRefusesWork(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	engine, err := New().WithRedis(rdb).WithLogger(quietLogger()).Build()
	require.NoError(t, err)
	engine.Close()
	engine.Close()

	_, err = engine.ProvisionVerified(context.Background(), idp.EnvProduction)
	require.ErrorIs(t, err, ErrEngineNotReady)

	var nilEngine *Engine
	require.ErrorIs(t, nilEngine.Ping(context.Background()), ErrEngineNotReady)
	require.Zero(t, nilEngine.EventsDropped())
	require.Empty(t, nilEngine.MetricsSnapshot().Counters)
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
