package testuser

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MrEthical07/testuser/internal/events"
	"github.com/MrEthical07/testuser/internal/lifecycle"
	"github.com/MrEthical07/testuser/internal/names"
	"github.com/MrEthical07/testuser/internal/store"
	"github.com/MrEthical07/testuser/internal/waiters"
	"github.com/sirupsen/logrus"
)

// ProvisionVerified creates an account in env and waits until the IdP has
// confirmed it. The returned account is live.
//
// ErrTimeout means the confirmation mail did not arrive in time; the staged
// account is left for the sweeper.
func (e *Engine) ProvisionVerified(ctx context.Context, env string) (*Account, error) {
	return e.provision(ctx, env, true)
}

// ProvisionUnverified stages an account in env and waits for its
// confirmation mail, returning the mailed token without completing creation.
func (e *Engine) ProvisionUnverified(ctx context.Context, env string) (*Account, error) {
	return e.provision(ctx, env, false)
}

func (e *Engine) provision(ctx context.Context, env string, verify bool) (*Account, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	ctx, _ = ensureCorrelationID(ctx)
	log := e.logger(ctx).WithField("env", env)

	client, err := e.client(env)
	if err != nil {
		return nil, err
	}

	if err := e.limiter.Allow(ctx, env); err != nil {
		err = translate(err)
		if errors.Is(err, ErrProvisionRateLimited) {
			e.metricInc(MetricProvisionRateLimited)
		} else {
			e.metricInc(MetricProvisionFailure)
		}
		return nil, err
	}

	rec, err := e.newRecord(ctx, env, verify)
	if err != nil {
		e.metricInc(MetricProvisionFailure)
		return nil, err
	}
	log = log.WithField("email", rec.Email)

	// Registered before anything can make the IdP send mail.
	w, err := e.waiters.Register(rec.Email)
	if err != nil {
		e.metricInc(MetricProvisionFailure)
		return nil, translate(err)
	}

	if err := e.store.Stage(ctx, rec); err != nil {
		w.Cancel()
		e.metricInc(MetricProvisionFailure)
		return nil, translate(err)
	}
	e.emit(ctx, events.TypeStaged, rec.Email, env, nil, nil)

	sc, err := client.CreateUser(ctx, rec.Email, rec.Pass)
	if err != nil {
		w.Cancel()
		e.metricInc(MetricProvisionFailure)
		e.countRemote(err)
		e.emit(ctx, events.TypeProvisionFailed, rec.Email, env, err, nil)
		if delErr := e.store.Delete(ctx, rec.Email); delErr != nil {
			log.WithField("err", delErr.Error()).Warn("staged record left behind")
		}
		log.WithField("err", err.Error()).Warn("IdP rejected staging")
		return nil, err
	}
	// The verifier may already have stored a post-completion context.
	if blob, err := sc.Encode(); err == nil {
		if _, err := e.store.InitContext(ctx, rec.Email, blob); err != nil {
			log.WithField("err", err.Error()).Warn("session context not stored")
		}
	}

	start := time.Now()
	ready, err := w.Wait(ctx, e.config.Accounts.WaitTimeout)
	if e.metrics.LatencyEnabled() {
		e.metrics.Observe(MetricProvisionWaitLatency, time.Since(start))
	}
	if err != nil {
		if errors.Is(err, waiters.ErrTimeout) {
			e.metricInc(MetricProvisionTimeout)
			e.emit(ctx, events.TypeTimeout, rec.Email, env, err, nil)
			log.Info("no confirmation mail before deadline")
		}
		return nil, translate(err)
	}

	if verify {
		e.metricInc(MetricProvisionVerified)
		acct := accountFromRecord(ready, StateValid)
		acct.Token = ""
		return acct, nil
	}
	e.metricInc(MetricProvisionUnverified)
	return accountFromRecord(ready, StateStaging), nil
}

func (e *Engine) newRecord(ctx context.Context, env string, verify bool) (*store.Record, error) {
	seq, err := e.store.NextSequence(ctx)
	if err != nil {
		return nil, translate(err)
	}
	email, err := e.names.Email(seq)
	if err != nil {
		return nil, err
	}
	pass, err := names.Password()
	if err != nil {
		return nil, err
	}
	return &store.Record{
		Email:    email,
		Pass:     pass,
		Expires:  e.now().Add(e.config.Accounts.TTL),
		Env:      env,
		DoVerify: verify,
	}, nil
}

// EnqueueNotification pushes a {email, token} mail notification onto the
// inbound queue, as the mail daemon does.
func (e *Engine) EnqueueNotification(ctx context.Context, email, token string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if email == "" || token == "" {
		return ErrValidation
	}
	payload, err := json.Marshal(lifecycle.Notification{Email: email, Token: token})
	if err != nil {
		return err
	}
	if err := e.mailq.Push(ctx, payload); err != nil {
		e.logger(ctx).WithFields(logrus.Fields{"email": email, "err": err.Error()}).Warn("notification not queued")
		return translate(err)
	}
	return nil
}
