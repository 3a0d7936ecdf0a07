package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/testuser/internal/store"
	"github.com/sirupsen/logrus"
)

// State is a step of the verification state machine.
type State int

const (
	AwaitingMail State = iota
	TokenReceived
	Completing
	Live
)

func (s State) String() string {
	switch s {
	case AwaitingMail:
		return "awaiting_mail"
	case TokenReceived:
		return "token_received"
	case Completing:
		return "completing"
	case Live:
		return "live"
	default:
		return "unknown"
	}
}

// Notification is what the mail daemon pushes onto the inbound queue.
type Notification struct {
	Email   string            `json:"email"`
	Token   string            `json:"token"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Verifier is the mail-notification consumer.
type Verifier struct {
	store    Store
	queue    Queue
	resolve  Resolver
	observer Observer
	log      logrus.FieldLogger

	retryDelay time.Duration
}

// NewVerifier wires a verifier. observer and log may be nil.
func NewVerifier(st Store, queue Queue, resolve Resolver, observer Observer, log logrus.FieldLogger) *Verifier {
	if observer == nil {
		observer = NopObserver{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Verifier{
		store:      st,
		queue:      queue,
		resolve:    resolve,
		observer:   observer,
		log:        log.WithField("component", "verifier"),
		retryDelay: defaultRetryDelay,
	}
}

// Run consumes notifications until ctx is done.
func (v *Verifier) Run(ctx context.Context) error {
	for {
		payload, err := v.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			v.log.WithField("err", err.Error()).Error("mail queue pop failed")
			sleepCtx(ctx, v.retryDelay)
			continue
		}

		state, err := v.Handle(ctx, payload)
		if err != nil {
			entry := v.log.WithFields(logrus.Fields{"state": state.String(), "err": err.Error()})
			switch {
			case errors.Is(err, ErrMalformedNotification), errors.Is(err, ErrOrphanNotification),
				errors.Is(err, store.ErrNotStaging):
				entry.Info("notification dropped")
			default:
				entry.Warn("verification failed")
			}
		}
	}
}

// Handle drives one notification through the state machine and returns the
// state it stopped in.
func (v *Verifier) Handle(ctx context.Context, payload []byte) (State, error) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		v.observer.Dropped(ctx, DropMalformed, "")
		return AwaitingMail, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	n.Email = strings.TrimSpace(n.Email)
	if n.Email == "" || n.Token == "" {
		v.observer.Dropped(ctx, DropMalformed, n.Email)
		return AwaitingMail, ErrMalformedNotification
	}

	// The token only lands on a staging record, so a repeated or late
	// notification for a live account never reaches the IdP.
	if err := v.store.AttachToken(ctx, n.Email, n.Token); err != nil {
		return AwaitingMail, v.missing(ctx, n.Email, err)
	}
	rec, err := v.store.Get(ctx, n.Email)
	if err != nil {
		return AwaitingMail, v.missing(ctx, n.Email, err)
	}

	if !rec.DoVerify {
		v.observer.Ready(ctx, rec)
		return Live, nil
	}

	if err := v.complete(ctx, rec); err != nil {
		v.observer.VerifyFailed(ctx, rec, err)
		return Completing, err
	}
	v.observer.Ready(ctx, rec)
	return Live, nil
}

func (v *Verifier) complete(ctx context.Context, rec *store.Record) error {
	proto, err := v.resolve(rec.Env)
	if err != nil {
		return err
	}

	sc := sessionFrom(rec.Context)
	if err := proto.CompleteUserCreation(ctx, sc, rec.Token, rec.Pass); err != nil {
		return err
	}
	if blob, err := sc.Encode(); err == nil {
		if err := v.store.AttachContext(ctx, rec.Email, blob); err == nil {
			rec.Context = blob
		}
	}

	// A sweep may have reclaimed the record meanwhile; that surfaces as
	// ErrNotFound or ErrNotStaging.
	return v.store.Promote(ctx, rec.Email)
}

// missing maps a lookup failure: an absent or already promoted record is
// an expected race.
func (v *Verifier) missing(ctx context.Context, email string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		v.observer.Dropped(ctx, DropOrphan, email)
		return fmt.Errorf("%w: %s", ErrOrphanNotification, email)
	case errors.Is(err, store.ErrNotStaging):
		v.observer.Dropped(ctx, DropNotStaging, email)
		return err
	}
	return err
}
