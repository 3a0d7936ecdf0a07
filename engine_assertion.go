package testuser

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/testuser/assertion"
	"github.com/MrEthical07/testuser/idp"
	"github.com/MrEthical07/testuser/internal/events"
	"github.com/MrEthical07/testuser/internal/store"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/sirupsen/logrus"
)

// Validate checks that every field needed to issue an assertion is set.
func (r AssertionRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required),
		validation.Field(&r.Pass, validation.Required),
		validation.Field(&r.Env, validation.Required),
		validation.Field(&r.Audience, validation.Required),
		validation.Field(&r.Duration, validation.By(func(value interface{}) error {
			if d, _ := value.(time.Duration); d < 0 {
				return errors.New("must not be negative")
			}
			return nil
		})),
	)
}

// GetAssertion issues an identity assertion for an existing account.
//
// A fresh keypair is generated and certified by the IdP using the
// account's stored session, which is re-authenticated first. The keypair
// and the refreshed session are stored on the account. An account with no
// stored session fails with ErrNoSessionContext.
func (e *Engine) GetAssertion(ctx context.Context, req AssertionRequest) (*AssertionBundle, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	ctx, _ = ensureCorrelationID(ctx)

	bundle, err := e.issueAssertion(ctx, req)
	if err != nil {
		e.metricInc(MetricAssertionFailure)
		e.logger(ctx).WithFields(logrus.Fields{
			"email": req.Email,
			"env":   req.Env,
			"err":   err.Error(),
		}).Warn("assertion not issued")
		return nil, err
	}

	e.metricInc(MetricAssertionIssued)
	e.emit(ctx, events.TypeAssertion, req.Email, req.Env, nil, map[string]string{"audience": req.Audience})
	return bundle, nil
}

func (e *Engine) issueAssertion(ctx context.Context, req AssertionRequest) (*AssertionBundle, error) {
	client, err := e.client(req.Env)
	if err != nil {
		return nil, err
	}

	rec, err := e.authorize(ctx, req.Email, req.Pass)
	if err != nil {
		return nil, err
	}
	if rec.Env != req.Env {
		return nil, fmt.Errorf("%w: %s belongs to %q", ErrValidation, req.Email, rec.Env)
	}

	sc, err := idp.DecodeSessionContext(rec.Context)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSessionContext, req.Email)
	}

	kp, err := assertion.GenerateKeypair(e.config.Assertion.KeyBits)
	if err != nil {
		return nil, err
	}
	pub, err := kp.PublicKeyJSON()
	if err != nil {
		return nil, err
	}
	secret, err := kp.MarshalSecret()
	if err != nil {
		return nil, err
	}

	if err := client.AuthenticateUser(ctx, sc, rec.Email, rec.Pass); err != nil {
		e.countRemote(err)
		return nil, err
	}
	cert, err := client.CertifyKey(ctx, sc, rec.Email, pub)
	if err != nil {
		e.countRemote(err)
		return nil, err
	}

	duration := req.Duration
	if duration == 0 {
		duration = e.config.Assertion.DefaultDuration
	}
	expiresAt := e.now().Add(duration)
	signed, err := assertion.Sign(kp, req.Audience, expiresAt)
	if err != nil {
		return nil, err
	}

	e.persistKeypair(ctx, rec.Email, pub, secret, sc)

	return &AssertionBundle{
		Email:       rec.Email,
		Audience:    req.Audience,
		Assertion:   signed,
		Certificate: cert,
		Bundle:      assertion.Bundle(signed, cert),
		PublicKey:   pub,
		ExpiresAt:   expiresAt,
	}, nil
}

// persistKeypair stores the keypair and the refreshed session. Failures only
// cost the next caller a re-authentication, so they are logged.
func (e *Engine) persistKeypair(ctx context.Context, email, pub, secret string, sc *idp.SessionContext) {
	log := e.logger(ctx).WithField("email", email)
	if err := e.store.AttachKeypair(ctx, email, pub, secret); err != nil {
		log.WithField("err", err.Error()).Warn("keypair not stored")
	}
	blob, err := sc.Encode()
	if err != nil {
		return
	}
	if err := e.store.AttachContext(ctx, email, blob); err != nil {
		log.WithField("err", err.Error()).Warn("session context not stored")
	}
}

// authorize loads email's record and checks pass against it.
func (e *Engine) authorize(ctx context.Context, email, pass string) (*store.Record, error) {
	email = strings.TrimSpace(email)
	if email == "" || pass == "" {
		return nil, ErrValidation
	}
	rec, err := e.store.Get(ctx, email)
	if err != nil {
		return nil, translate(err)
	}
	if subtle.ConstantTimeCompare([]byte(rec.Pass), []byte(pass)) != 1 {
		return nil, fmt.Errorf("%w: %s", ErrPasswordMismatch, email)
	}
	return rec, nil
}
