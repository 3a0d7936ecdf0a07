package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MrEthical07/testuser/internal/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DefaultCancelInterval is the minimum gap between two cancellation attempts.
const DefaultCancelInterval = time.Second

// Canceller consumes the expired queue and cancels accounts at the IdP.
type Canceller struct {
	queue    Queue
	resolve  Resolver
	observer Observer
	log      logrus.FieldLogger
	limiter  *rate.Limiter

	retryDelay time.Duration
}

// NewCanceller wires a canceller allowing one attempt per interval.
func NewCanceller(queue Queue, resolve Resolver, interval time.Duration, observer Observer, log logrus.FieldLogger) *Canceller {
	if interval <= 0 {
		interval = DefaultCancelInterval
	}
	if observer == nil {
		observer = NopObserver{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Canceller{
		queue:      queue,
		resolve:    resolve,
		observer:   observer,
		log:        log.WithField("component", "canceller"),
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
		retryDelay: defaultRetryDelay,
	}
}

// Run consumes snapshots until ctx is done. The limiter is waited on before
// each pop so a cancelled context never loses a popped snapshot.
func (c *Canceller) Run(ctx context.Context) error {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil
		}

		payload, err := c.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.WithField("err", err.Error()).Error("expired queue pop failed")
			sleepCtx(ctx, c.retryDelay)
			continue
		}

		_ = c.Handle(ctx, payload)
	}
}

// Handle re-authenticates the snapshot's account and cancels it. Failures
// are logged and reported; the item is not retried.
func (c *Canceller) Handle(ctx context.Context, payload []byte) error {
	var snap store.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil || snap.Email == "" {
		c.log.Warn("malformed expired snapshot dropped")
		return ErrMalformedSnapshot
	}

	err := c.cancel(ctx, &snap)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"email": snap.Email,
			"env":   snap.Env,
			"err":   err.Error(),
		}).Warn("remote cancellation failed")
	}
	c.observer.Cancelled(ctx, &snap, err)
	return err
}

func (c *Canceller) cancel(ctx context.Context, snap *store.Snapshot) error {
	proto, err := c.resolve(snap.Env)
	if err != nil {
		return err
	}

	sc := sessionFrom(snap.Context)
	if err := proto.AuthenticateUser(ctx, sc, snap.Email, snap.Pass); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if err := proto.CancelAccount(ctx, sc); err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	return nil
}
