package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/testuser/internal/store"
	"github.com/sirupsen/logrus"
)

// DefaultSweepInterval is how often expired accounts are reclaimed.
const DefaultSweepInterval = time.Minute

// Sweeper reclaims accounts whose expiry has passed.
//
// The single-run guard belongs to the Sweeper, not the process: every
// engine owns one sweeper, so two engines in one process sweep the same
// keys independently. Reclaim is atomic, so an account is still queued
// for cancellation exactly once.
type Sweeper struct {
	store    Store
	observer Observer
	log      logrus.FieldLogger
	now      func() time.Time
	interval time.Duration

	started atomic.Bool
}

// NewSweeper wires a sweeper. observer, log and now may be nil.
func NewSweeper(st Store, interval time.Duration, now func() time.Time, observer Observer, log logrus.FieldLogger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if now == nil {
		now = time.Now
	}
	if observer == nil {
		observer = NopObserver{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sweeper{
		store:    st,
		observer: observer,
		log:      log.WithField("component", "sweeper"),
		now:      now,
		interval: interval,
	}
}

// Run sweeps once straight away, then on every tick until ctx is done. A
// sweeper runs at most once over its lifetime; later calls return
// [ErrSweeperRunning].
func (s *Sweeper) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrSweeperRunning
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.pass(ctx)
		}
	}
}

func (s *Sweeper) pass(ctx context.Context) {
	n, err := s.Sweep(ctx, s.now())
	if err != nil {
		if ctx.Err() == nil {
			s.log.WithField("err", err.Error()).Error("sweep failed")
		}
		return
	}
	if n > 0 {
		s.log.WithField("reclaimed", n).Info("expired accounts reclaimed")
	}
}

// Sweep reclaims every account that expired before cutoff and returns how
// many were queued for cancellation. Per-account failures do not stop the
// pass; the first one is returned.
func (s *Sweeper) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	emails, err := s.store.RangeExpired(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	var (
		reclaimed int
		firstErr  error
	)
	for _, email := range emails {
		snap, err := s.store.Reclaim(ctx, email, s.now())
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			s.log.WithFields(logrus.Fields{"email": email, "err": err.Error()}).Warn("reclaim failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		reclaimed++
		s.observer.Reclaimed(ctx, snap)
	}
	return reclaimed, firstErr
}
