package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/testuser/idp"
	"github.com/MrEthical07/testuser/internal/store"
)

var (
	ErrMalformedNotification = errors.New("malformed mail notification")
	ErrOrphanNotification    = errors.New("notification for unknown account")
	ErrMalformedSnapshot     = errors.New("malformed expired snapshot")
	ErrSweeperRunning        = errors.New("sweeper already running")
)

// defaultRetryDelay is how long a loop backs off after its queue failed.
const defaultRetryDelay = time.Second

// Store is the part of the account store the loops use.
type Store interface {
	Get(ctx context.Context, email string) (*store.Record, error)
	AttachToken(ctx context.Context, email, token string) error
	AttachContext(ctx context.Context, email, blob string) error
	Promote(ctx context.Context, email string) error
	RangeExpired(ctx context.Context, cutoff time.Time) ([]string, error)
	Reclaim(ctx context.Context, email string, now time.Time) (*store.Snapshot, error)
}

// Queue is a blocking FIFO.
type Queue interface {
	Pop(ctx context.Context) ([]byte, error)
}

// Protocol is the IdP conversation the loops need. [*idp.Client]
// satisfies it.
type Protocol interface {
	CompleteUserCreation(ctx context.Context, sc *idp.SessionContext, token, pass string) error
	AuthenticateUser(ctx context.Context, sc *idp.SessionContext, email, pass string) error
	CancelAccount(ctx context.Context, sc *idp.SessionContext) error
}

// Resolver returns the IdP client for an environment name.
type Resolver func(env string) (Protocol, error)

// DropReason says why a notification was discarded.
type DropReason string

const (
	DropMalformed  DropReason = "malformed"
	DropOrphan     DropReason = "orphan"
	DropNotStaging DropReason = "not_staging"
)

// Observer is told every outcome the loops produce.
type Observer interface {
	// Ready fires when rec may be handed to its waiter: promoted when
	// rec.DoVerify, token attached otherwise.
	Ready(ctx context.Context, rec *store.Record)
	VerifyFailed(ctx context.Context, rec *store.Record, err error)
	Dropped(ctx context.Context, reason DropReason, email string)
	Reclaimed(ctx context.Context, snap *store.Snapshot)
	Cancelled(ctx context.Context, snap *store.Snapshot, err error)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) Ready(context.Context, *store.Record)               {}
func (NopObserver) VerifyFailed(context.Context, *store.Record, error) {}
func (NopObserver) Dropped(context.Context, DropReason, string)        {}
func (NopObserver) Reclaimed(context.Context, *store.Snapshot)         {}
func (NopObserver) Cancelled(context.Context, *store.Snapshot, error)  {}

// sessionFrom decodes a stored context, starting a fresh one when there is
// none; the client bootstraps CSRF on first use.
func sessionFrom(blob string) *idp.SessionContext {
	sc, err := idp.DecodeSessionContext(blob)
	if err != nil {
		return idp.NewSessionContext()
	}
	return sc
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
