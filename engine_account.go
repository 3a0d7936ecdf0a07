package testuser

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/testuser/internal/events"
	"github.com/MrEthical07/testuser/internal/store"
	"github.com/MrEthical07/testuser/internal/waiters"
	"github.com/sirupsen/logrus"
)

// CancelAccount removes the account locally and queues it for cancellation
// at the IdP. pass must match the stored credential.
//
// The remote cancellation happens asynchronously on the cancellation
// consumer, which re-authenticates with the queued credential. Its outcome
// is reported through events only.
func (e *Engine) CancelAccount(ctx context.Context, email, pass string) error {
	if err := e.ready(); err != nil {
		return err
	}
	ctx, _ = ensureCorrelationID(ctx)

	rec, err := e.authorize(ctx, email, pass)
	if err != nil {
		return err
	}

	snap, err := e.store.Reclaim(ctx, rec.Email, e.now())
	if err != nil {
		return translate(err)
	}
	e.releaseWaiter(rec.Email)
	observer{engine: e}.Reclaimed(ctx, snap)

	e.logger(ctx).WithFields(logrus.Fields{
		"email":       rec.Email,
		"env":         rec.Env,
		"snapshot_id": snap.ID,
	}).Info("account queued for cancellation")
	return nil
}

// DeleteAccount forgets the account locally without touching the IdP.
// Deleting an unknown email succeeds.
func (e *Engine) DeleteAccount(ctx context.Context, email string) error {
	if err := e.ready(); err != nil {
		return err
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return ErrValidation
	}
	ctx, _ = ensureCorrelationID(ctx)

	if err := e.store.Delete(ctx, email); err != nil {
		return translate(err)
	}
	e.releaseWaiter(email)
	e.metricInc(MetricAccountDeleted)
	e.emit(ctx, events.TypeDeleted, email, "", nil, nil)
	return nil
}

// ExtendAccount pushes the account's expiry out to until. The expiry never
// moves backwards; an earlier until is accepted and ignored.
func (e *Engine) ExtendAccount(ctx context.Context, email string, until time.Time) error {
	if err := e.ready(); err != nil {
		return err
	}
	email = strings.TrimSpace(email)
	if email == "" || until.IsZero() {
		return ErrValidation
	}
	ctx, _ = ensureCorrelationID(ctx)

	expires, err := e.store.Extend(ctx, email, until)
	if err != nil {
		return translate(err)
	}
	e.metricInc(MetricAccountExtended)
	e.emit(ctx, events.TypeExtended, email, "", nil, map[string]string{
		"expires": strconv.FormatInt(expires.UnixMilli(), 10),
	})
	return nil
}

// GetAccount returns the stored account and the index it sits in.
func (e *Engine) GetAccount(ctx context.Context, email string) (*Account, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, ErrValidation
	}

	rec, err := e.store.Get(ctx, email)
	if err != nil {
		return nil, translate(err)
	}
	state, err := e.store.State(ctx, email)
	if err != nil {
		return nil, translate(err)
	}

	acct := accountFromRecord(rec, StateStaging)
	if state == store.StateValid {
		acct.State = StateValid
	}
	return acct, nil
}

// releaseWaiter fails a provisioning call still waiting on a removed account.
func (e *Engine) releaseWaiter(email string) {
	e.waiters.Signal(email, waiters.Result[*store.Record]{Err: ErrAccountNotFound})
}
