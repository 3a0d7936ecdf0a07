package testuser

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/testuser/idp"
	"github.com/MrEthical07/testuser/internal/events"
	"github.com/MrEthical07/testuser/internal/lifecycle"
	"github.com/MrEthical07/testuser/internal/names"
	"github.com/MrEthical07/testuser/internal/rate"
	"github.com/MrEthical07/testuser/internal/store"
	"github.com/MrEthical07/testuser/internal/waiters"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Engine provisions and reclaims disposable IdP test accounts.
//
// Engine methods are safe for concurrent use. The background loops are
// started by [Engine.Run]; without them provisioning calls time out.
type Engine struct {
	config  Config
	redis   redis.UniversalClient
	store   *store.Store
	mailq   *store.Queue
	expired *store.Queue
	clients map[string]*idp.Client
	names   *names.Generator
	limiter *rate.Limiter
	waiters *waiters.Table[*store.Record]
	events  *events.Dispatcher
	metrics *Metrics
	log     logrus.FieldLogger
	now     func() time.Time

	verifier  *lifecycle.Verifier
	sweeper   *lifecycle.Sweeper
	canceller *lifecycle.Canceller

	running atomic.Bool
	closed  atomic.Bool
}

// Run starts the verification consumer, the expiry sweeper and the
// cancellation consumer, and blocks until ctx is done or one of them fails.
// An engine runs at most once.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.ready(); err != nil {
		return err
	}
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	g, ctx := errgroup.WithContext(ctx)
	if !e.config.Lifecycle.DisableVerifier {
		g.Go(func() error { return e.verifier.Run(ctx) })
	}
	if !e.config.Lifecycle.DisableSweeper {
		g.Go(func() error { return e.sweeper.Run(ctx) })
	}
	if !e.config.Lifecycle.DisableCanceller {
		g.Go(func() error { return e.canceller.Run(ctx) })
	}

	e.log.WithFields(logrus.Fields{
		"environments": idp.EnvironmentNames(e.config.Environments),
		"domain":       e.names.Domain(),
	}).Info("lifecycle loops started")

	err := g.Wait()
	e.log.Info("lifecycle loops stopped")
	return err
}

// Sweep runs one reclamation pass with the engine clock and returns how
// many accounts were queued for cancellation.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	n, err := e.sweeper.Sweep(ctx, e.now())
	return n, translate(err)
}

// Close stops event dispatch. Buffered events are flushed first.
func (e *Engine) Close() {
	if e == nil || !e.closed.CompareAndSwap(false, true) {
		return
	}
	if e.events != nil {
		e.events.Close()
	}
}

// EventsDropped reports events discarded because the dispatcher was full.
func (e *Engine) EventsDropped() uint64 {
	if e == nil || e.events == nil {
		return 0
	}
	return e.events.Dropped()
}

// MetricsSnapshot returns a copy of the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// Ping checks the account store connection.
func (e *Engine) Ping(ctx context.Context) error {
	if err := e.ready(); err != nil {
		return err
	}
	return translate(e.store.Ping(ctx))
}

func (e *Engine) ready() error {
	if e == nil || e.store == nil || e.closed.Load() {
		return ErrEngineNotReady
	}
	return nil
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// client returns the IdP client for env.
func (e *Engine) client(env string) (*idp.Client, error) {
	c, ok := e.clients[env]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvironment, env)
	}
	return c, nil
}

func (e *Engine) resolve(env string) (lifecycle.Protocol, error) {
	c, err := e.client(env)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// countRemote records IdP failures in the flooding and protocol counters.
func (e *Engine) countRemote(err error) {
	var perr *idp.ProtocolError
	switch {
	case err == nil:
	case idp.IsFlooding(err):
		e.metricInc(MetricIdPFlooding)
	case errors.As(err, &perr):
		e.metricInc(MetricIdPProtocolError)
	}
}

func (e *Engine) logger(ctx context.Context) logrus.FieldLogger {
	if id := CorrelationID(ctx); id != "" {
		return e.log.WithField("correlation_id", id)
	}
	return e.log
}

// observer turns lifecycle outcomes into waiter signals, metrics and events.
type observer struct {
	engine *Engine
}

func (o observer) Ready(ctx context.Context, rec *store.Record) {
	e := o.engine
	e.emit(ctx, events.TypeTokenReceived, rec.Email, rec.Env, nil, nil)
	if rec.DoVerify {
		e.metricInc(MetricVerifySuccess)
		e.emit(ctx, events.TypeVerified, rec.Email, rec.Env, nil, nil)
	}
	e.emit(ctx, events.TypeReady, rec.Email, rec.Env, nil, nil)

	if !e.waiters.Signal(rec.Email, waiters.Result[*store.Record]{Value: rec}) {
		e.log.WithField("email", rec.Email).Debug("account ready with nobody waiting")
	}
}

func (o observer) VerifyFailed(ctx context.Context, rec *store.Record, err error) {
	e := o.engine
	e.metricInc(MetricVerifyFailure)
	e.countRemote(err)
	e.emit(ctx, events.TypeTokenReceived, rec.Email, rec.Env, nil, nil)
	e.emit(ctx, events.TypeVerifyFailed, rec.Email, rec.Env, err, nil)

	e.waiters.Signal(rec.Email, waiters.Result[*store.Record]{
		Err: fmt.Errorf("%w: %w", ErrVerificationFailed, translate(err)),
	})
}

func (o observer) Dropped(_ context.Context, reason lifecycle.DropReason, _ string) {
	switch reason {
	case lifecycle.DropMalformed:
		o.engine.metricInc(MetricNotificationMalformed)
	case lifecycle.DropOrphan, lifecycle.DropNotStaging:
		o.engine.metricInc(MetricNotificationOrphan)
	}
}

func (o observer) Reclaimed(ctx context.Context, snap *store.Snapshot) {
	o.engine.metricInc(MetricAccountReclaimed)
	o.engine.emit(ctx, events.TypeReclaimed, snap.Email, snap.Env, nil, map[string]string{"snapshot_id": snap.ID})
}

func (o observer) Cancelled(ctx context.Context, snap *store.Snapshot, err error) {
	e := o.engine
	meta := map[string]string{"snapshot_id": snap.ID}
	if err != nil {
		e.metricInc(MetricRemoteCancelFailure)
		e.countRemote(err)
		e.emit(ctx, events.TypeCancelFailed, snap.Email, snap.Env, err, meta)
		return
	}
	e.metricInc(MetricRemoteCancelSuccess)
	e.emit(ctx, events.TypeCancelled, snap.Email, snap.Env, nil, meta)
}
